// Package secrets provides a best-effort decrypt helper for sensitive
// connection-config fields. The metadata store may store some fields
// (passwords, tokens) encrypted; the engine treats config blobs opaquely
// and calls Decryptor.Decrypt, degrading gracefully when no key material is
// configured (spec.md §9 "Sensitive-field encryption is an external
// concern").
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// SensitiveFields are the connection-config keys this package will attempt
// to decrypt, matching the original dataset service's field list.
var SensitiveFields = []string{"password", "token", "api_key_value", "bearer_token", "sasl_password"}

// Decryptor decrypts a single opaque value. Decrypt must be safe to call on
// plaintext values too (e.g. because no key is configured) and return the
// input unchanged in that case — never error out a dispatch over a
// decryption problem (spec.md §4.7 step 7: "non-fatal if no encryption key
// available").
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Noop is the default Decryptor: it returns every value unchanged. Used
// when no key material is configured.
type Noop struct{}

func (Noop) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// AESGCM decrypts values that were encrypted as base64(nonce || ciphertext)
// under AES-256-GCM. Values that don't look like our ciphertext envelope
// (fail base64 decode, or are shorter than a nonce) are returned unchanged
// rather than erroring — most config fields are plaintext, and only a
// subset of deployments encrypt sensitive ones.
type AESGCM struct {
	gcm cipher.AEAD
}

// NewAESGCM builds an AESGCM decryptor from a 32-byte key. Returns an error
// only for a malformed key, never for "no key" (callers should use Noop{}
// in that case).
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &AESGCM{gcm: gcm}, nil
}

func (a *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return ciphertext, nil
	}
	nonceSize := a.gcm.NonceSize()
	if len(raw) < nonceSize {
		return ciphertext, nil
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := a.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ciphertext, nil
	}
	return string(plain), nil
}

// Encrypt is provided for tests and local seeding tools that need to
// produce values AESGCM.Decrypt can read back.
func (a *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := a.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptConfig returns a copy of config with every string-valued field in
// SensitiveFields passed through d.Decrypt. Non-string values and fields
// not in SensitiveFields pass through unchanged.
func DecryptConfig(d Decryptor, config map[string]any) (map[string]any, error) {
	if d == nil {
		d = Noop{}
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, field := range SensitiveFields {
		raw, ok := out[field]
		if !ok {
			continue
		}
		str, ok := raw.(string)
		if !ok || str == "" {
			continue
		}
		decrypted, err := d.Decrypt(str)
		if err != nil {
			return nil, fmt.Errorf("secrets: decrypt %s: %w", field, err)
		}
		out[field] = decrypted
	}
	return out, nil
}

var errNoKey = errors.New("secrets: no key material configured")

// ErrNoKey reports that no key material was supplied. No function in this
// package currently returns it; DecryptConfig never does, since Noop
// degrades gracefully.
var ErrNoKey = errNoKey
