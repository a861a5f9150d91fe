package crypto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte(secret))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

func TestEncryptDecrypt(t *testing.T) {
	c := newTestCipher(t, strings.Repeat("a", 32))

	for _, plain := range []string{"sk-super-secret", "", "ключ-🔑", strings.Repeat("x", 4096)} {
		raw, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		if strings.Contains(raw, plain) && plain != "" {
			t.Fatalf("ciphertext leaks plaintext")
		}
		out, err := c.Decrypt(raw)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if out != plain {
			t.Fatalf("expected %q, got %q", plain, out)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newTestCipher(t, strings.Repeat("a", 32))

	first, err := c.Encrypt("same")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := c.Encrypt("same")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext")
	}
}

func TestDecryptWithOtherSecretFails(t *testing.T) {
	a := newTestCipher(t, strings.Repeat("a", 32))
	b := newTestCipher(t, strings.Repeat("b", 32))

	raw, err := a.Encrypt("sk-test")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.Decrypt(raw); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestDecryptCorruptedCiphertextFails(t *testing.T) {
	c := newTestCipher(t, strings.Repeat("a", 32))

	raw, err := c.Encrypt("sk-test")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Ciphertext = "AAAA" + env.Ciphertext[4:]
	tampered, _ := json.Marshal(env)

	for _, input := range []string{string(tampered), "not-json", `{"key_id":"x"}`} {
		if _, err := c.Decrypt(input); !errors.Is(err, ErrDecryption) {
			t.Fatalf("expected ErrDecryption for %q, got %v", input, err)
		}
	}
}

func TestFingerprint(t *testing.T) {
	c := newTestCipher(t, strings.Repeat("a", 32))

	f1 := c.Fingerprint("sk-one")
	if f1 != c.Fingerprint("sk-one") {
		t.Fatalf("fingerprint must be deterministic")
	}
	if len(f1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(f1))
	}
	if f1 == c.Fingerprint("sk-two") {
		t.Fatalf("distinct inputs produced the same fingerprint")
	}
	if strings.Contains(f1, "sk-one") {
		t.Fatalf("fingerprint leaks plaintext")
	}

	other := newTestCipher(t, strings.Repeat("b", 32))
	if other.Fingerprint("sk-one") == f1 {
		t.Fatalf("fingerprint must depend on the master secret")
	}
}

func TestNewCipherRejectsShortSecret(t *testing.T) {
	if _, err := NewCipher([]byte("short")); !errors.Is(err, ErrShortSecret) {
		t.Fatalf("expected ErrShortSecret, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("sk-abcdef1234"); got != "1234" {
		t.Fatalf("expected last four chars, got %q", got)
	}
	if got := Preview("abc"); got != "****" {
		t.Fatalf("expected masked preview, got %q", got)
	}
}
