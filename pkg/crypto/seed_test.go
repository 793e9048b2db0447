package crypto

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestDeriveSeed_BIP39Vector(t *testing.T) {
	// Trezor 的第一个 BIP39 测试向量
	phrase := strings.Repeat("abandon ", 11) + "about"
	got := hex.EncodeToString(DeriveSeed(phrase, "TREZOR"))
	want := "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c4ab7c81b2f001698e7463b04"
	if got != want {
		t.Fatalf("seed = %s", got)
	}
}

func TestDeriveSeed_NormalizesWhitespace(t *testing.T) {
	a := SessionSeed("one two three", "pw")
	b := SessionSeed("  one   two three ", "pw")
	if a != b {
		t.Fatalf("whitespace changed the seed")
	}
	if a == SessionSeed("one two three", "other") {
		t.Fatalf("password must change the seed")
	}
}

func TestEncodeDecodeSeed(t *testing.T) {
	s := SessionSeed("alpha beta", "")
	if strings.ContainsAny(s, "+/") {
		t.Fatalf("seed not url-safe: %s", s)
	}
	b, err := DecodeSeed(s)
	if err != nil {
		t.Fatalf("DecodeSeed: %v", err)
	}
	if len(b) != SeedLen {
		t.Fatalf("len = %d", len(b))
	}
	if _, err := DecodeSeed("not base64 !!"); err == nil {
		t.Fatalf("garbage should fail")
	}
	if _, err := DecodeSeed(EncodeSeed([]byte("short"))); err == nil {
		t.Fatalf("short seed should fail")
	}
}

func TestFingerprint(t *testing.T) {
	seed := SessionSeed("alpha beta", "pw")
	a := Fingerprint(seed)
	if a != Fingerprint(seed) {
		t.Fatalf("fingerprint not deterministic")
	}
	if n := len(strings.Fields(a)); n != FingerprintLen {
		t.Fatalf("fingerprint has %d parts", n)
	}
	if a == Fingerprint(SessionSeed("gamma delta", "pw")) && a == Fingerprint(SessionSeed("epsilon zeta", "pw")) {
		t.Fatalf("fingerprint ignores its input")
	}
}
