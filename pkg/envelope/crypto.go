package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/sema4ai/actionserver/pkg/types"
)

// algorithmAES256GCM is the only cipher algorithm the envelope grammar admits
const algorithmAES256GCM = "aes256-gcm"

// cipherEnvelope is the encrypted form of an envelope payload. Field names
// are part of the wire contract.
type cipherEnvelope struct {
	Cipher    string `json:"cipher"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	AuthTag   string `json:"auth-tag"`
}

// seal encrypts plaintext under key using AES-256-GCM and returns the
// cipher envelope. Used by tests and by tooling that produces envelopes.
func seal(key, plaintext []byte) (*cipherEnvelope, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return &cipherEnvelope{
		Cipher:    base64.StdEncoding.EncodeToString(sealed[:tagStart]),
		Algorithm: algorithmAES256GCM,
		IV:        base64.StdEncoding.EncodeToString(iv),
		AuthTag:   base64.StdEncoding.EncodeToString(sealed[tagStart:]),
	}, nil
}

// open tries each configured key in order until AEAD verification
// succeeds. Exhausting the key list fails with ErrDecryptFailed.
func open(keys [][]byte, env *cipherEnvelope) ([]byte, error) {
	if env.Algorithm != algorithmAES256GCM {
		return nil, types.NewError(types.ErrBadEnvelope, "unsupported algorithm %q", env.Algorithm)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Cipher)
	if err != nil {
		return nil, types.NewError(types.ErrBadEnvelope, "cipher is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, types.NewError(types.ErrBadEnvelope, "iv is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, types.NewError(types.ErrBadEnvelope, "auth-tag is not valid base64")
	}

	sealed := append(append([]byte{}, ct...), tag...)
	for _, key := range keys {
		if len(key) != 32 {
			continue
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil || len(iv) != gcm.NonceSize() {
			continue
		}
		plaintext, err := gcm.Open(nil, iv, sealed, nil)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, types.NewError(types.ErrDecryptFailed, "no configured key authenticated the payload")
}
