// Package crypto encrypts provider API keys at rest and fingerprints them for
// existence checks.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const MinSecretLen = 32

var (
	ErrShortSecret = fmt.Errorf("secret must be at least %d bytes", MinSecretLen)
	ErrDecryption  = errors.New("decryption failed")
)

const (
	infoEncryption  = "pocketllm/provider-keys/aes-256-gcm"
	infoFingerprint = "pocketllm/provider-keys/fingerprint"
	infoKeyID       = "pocketllm/provider-keys/key-id"
)

// Envelope is the stored form of an encrypted value. KeyID identifies the
// master secret the value was sealed with, so a value sealed under another
// secret fails before AEAD open.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Cipher struct {
	keyID string
	aead  cipher.AEAD
	fpKey []byte
}

// NewCipher derives independent encryption and fingerprint keys from secret.
// It is called once at startup; an error here is a configuration error.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrShortSecret
	}

	encKey, err := derive(secret, infoEncryption, 32)
	if err != nil {
		return nil, err
	}
	fpKey, err := derive(secret, infoFingerprint, 32)
	if err != nil {
		return nil, err
	}
	idRaw, err := derive(secret, infoKeyID, 8)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &Cipher{
		keyID: hex.EncodeToString(idRaw),
		aead:  aead,
		fpKey: fpKey,
	}, nil
}

func derive(secret []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}

func (c *Cipher) KeyID() string {
	return c.keyID
}

// Encrypt seals plaintext and returns the JSON-encoded envelope.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, []byte(plaintext), []byte(c.keyID))

	b, err := json.Marshal(Envelope{
		KeyID:      c.keyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure wraps
// ErrDecryption.
func (c *Cipher) Decrypt(raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: unmarshal envelope: %v", ErrDecryption, err)
	}
	if env.KeyID != c.keyID {
		return "", fmt.Errorf("%w: sealed with key %q, current key is %q", ErrDecryption, env.KeyID, c.keyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("%w: decode nonce: %v", ErrDecryption, err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: nonce has %d bytes", ErrDecryption, len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrDecryption, err)
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(env.KeyID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// Fingerprint returns a hex HMAC-SHA256 of plaintext. It is stable for a given
// master secret and only answers "is a key set".
func (c *Cipher) Fingerprint(plaintext string) string {
	mac := hmac.New(sha256.New, c.fpKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Preview returns the last four characters of a key for display. Keys of four
// characters or fewer are fully masked.
func Preview(plaintext string) string {
	r := []rune(plaintext)
	if len(r) <= 4 {
		return "****"
	}
	return string(r[len(r)-4:])
}
