package crypto

import (
	"crypto/sha256"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// FingerprintLen 是指纹中 emoji 的个数
const FingerprintLen = 5

// HkdfBytes 使用 HKDF 从输入密钥材料(ikm)派生出指定长度的字节
func HkdfBytes(ikm []byte, label string, info []byte, n int) []byte {
	in := append([]byte(label+"|"), info...)
	r := hkdf.New(sha256.New, ikm, nil, in)
	out := make([]byte, n)
	_, _ = io.ReadFull(r, out)
	return out
}

// EmojiList 返回用于指纹的 emoji 列表
func EmojiList() []string {
	return []string{
		"😀", "😂", "😅", "😊", "😍", "😎", "🤔", "😴",
		"😇", "🙃", "🤓", "😼", "🤖", "👻", "💩", "👾",
		"🦄", "🐶", "🐱", "🐼", "🐧", "🐸", "🦊", "🦁",
		"🌞", "🌙", "⭐", "⚡", "🔥", "🌈", "❄️", "💧",
		"🍕", "🍔", "🍟", "🎂", "☕", "🍺", "🎈", "🎲",
		"🎵", "🎧", "🎮", "📷", "💡", "🔌", "🔋", "🔧",
		"⚙️", "🧲", "🌋", "⛰️", "🌳", "🌻", "🍄", "🍎",
		"🍇", "🍋", "🍪", "🍫", "🍦", "🍩", "🍭", "🥐",
	}
}

// Fingerprint 从会话种子生成一个短的 emoji 指纹
// 同一会话中的双方看到相同的指纹，可用于人工核对是否连上了正确的对端
func Fingerprint(seed string) string {
	em := EmojiList()
	b := HkdfBytes([]byte(seed), "fbox-fingerprint", nil, 4)
	acc := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	parts := make([]string, 0, FingerprintLen)
	for i := 0; i < FingerprintLen; i++ {
		idx := (acc >> (i * 6)) & 0x3F // 每6位映射一个 emoji
		parts = append(parts, em[idx%uint32(len(em))])
	}
	return strings.Join(parts, " ")
}
