// Package cryptoutil implements the hybrid RSA-OAEP(SHA-256) + AES-256-GCM
// envelope used to encrypt proxy headers and session private keys at
// rest, and the bcrypt-based client secret hashing used by the OAuth
// authorization server.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	gwerrors "github.com/cronosagent/gateway/internal/errors"
)

// Encrypted is the wire/storage shape of a hybrid-encrypted record. All
// fields are base64-standard encoded.
type Encrypted struct {
	EncryptedKey string `json:"encryptedKey"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

const (
	aesKeySize = 32 // AES-256
	ivSize     = 12 // 96-bit GCM nonce
)

// Encrypt encrypts plaintext under a freshly generated AES-256-GCM key,
// itself wrapped with RSA-OAEP(SHA-256) under pub. No partial output is
// returned if any step fails.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) (*Encrypted, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, gwerrors.NewInternal("generating AES key", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, gwerrors.NewInternal("generating IV", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerrors.NewInternal("constructing AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, gwerrors.NewInternal("constructing GCM", err)
	}

	// Seal appends the tag to the ciphertext; GCM tags are always 16 bytes.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]

	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, gwerrors.NewInternal("wrapping AES key with RSA-OAEP", err)
	}

	return &Encrypted{
		EncryptedKey: base64.StdEncoding.EncodeToString(encryptedKey),
		IV:           base64.StdEncoding.EncodeToString(iv),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		Tag:          base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt reverses Encrypt. It fails closed: an invalid GCM tag, a failed
// RSA unwrap, or malformed base64 all return an error and never partial
// plaintext. The caller's error mapping must turn these into Unauthorized
// or Internal, never echo the underlying crypto error to a client.
func Decrypt(priv *rsa.PrivateKey, enc *Encrypted) ([]byte, error) {
	encryptedKey, err := base64.StdEncoding.DecodeString(enc.EncryptedKey)
	if err != nil {
		return nil, gwerrors.NewInternal("decoding encrypted key", err)
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return nil, gwerrors.NewInternal("decoding iv", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, gwerrors.NewInternal("decoding ciphertext", err)
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return nil, gwerrors.NewInternal("decoding tag", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encryptedKey, nil)
	if err != nil {
		return nil, gwerrors.NewInternal("unwrapping AES key", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerrors.NewInternal("constructing AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, gwerrors.NewInternal("constructing GCM", err)
	}
	if len(iv) != ivSize {
		return nil, gwerrors.NewInternal("invalid iv length", fmt.Errorf("got %d bytes", len(iv)))
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		// GCM tag mismatch — never surfaced verbatim to a client.
		return nil, gwerrors.NewInternal("gcm authentication failed", err)
	}
	return plaintext, nil
}
