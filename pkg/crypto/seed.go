package crypto

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SeedIterations 与 BIP39 的 PBKDF2 轮数一致
	SeedIterations = 2048
	// SeedLen 是派生种子的字节数
	SeedLen = 64

	saltPrefix = "mnemonic"
)

// DeriveSeed 按 BIP39 的方式从配对短语与中继口令派生种子
// PBKDF2-HMAC-SHA512(phrase, "mnemonic"+password, 2048, 64)
func DeriveSeed(phrase, password string) []byte {
	phrase = strings.Join(strings.Fields(phrase), " ")
	return pbkdf2.Key([]byte(phrase), []byte(saltPrefix+password), SeedIterations, SeedLen, sha512.New)
}

// EncodeSeed 将种子编码为 URL 安全的 base64（带填充）
func EncodeSeed(seed []byte) string {
	return base64.URLEncoding.EncodeToString(seed)
}

// DecodeSeed 是 EncodeSeed 的逆操作
func DecodeSeed(s string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(b) != SeedLen {
		return nil, fmt.Errorf("decode seed: want %d bytes, got %d", SeedLen, len(b))
	}
	return b, nil
}

// SessionSeed 派生并编码一个会话种子
func SessionSeed(phrase, password string) string {
	return EncodeSeed(DeriveSeed(phrase, password))
}
