package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrWrongPassword is returned when a password envelope cannot be opened.
var ErrWrongPassword = errors.New("wrong password or tampered envelope")

// PasswordEnvelope wraps data under a key derived from a user password.
type PasswordEnvelope struct {
	Algorithm  string `json:"algorithm"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// SealWithPassword encrypts plaintext with AES-256-GCM under a PBKDF2-SHA256 key.
func (s *Service) SealWithPassword(plaintext []byte, password string) (*PasswordEnvelope, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	salt, err := RandomBytes(16)
	if err != nil {
		return nil, err
	}

	gcm, err := passwordAEAD(password, salt, s.iterations)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}

	return &PasswordEnvelope{
		Algorithm:  AlgorithmAESGCM,
		KDF:        "PBKDF2-SHA256",
		Iterations: s.iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

// OpenWithPassword reverses SealWithPassword.
func OpenWithPassword(env *PasswordEnvelope, password string) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedRecord
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, ErrMalformedRecord
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, ErrMalformedRecord
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrMalformedRecord
	}

	gcm, err := passwordAEAD(password, salt, env.Iterations)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrMalformedRecord
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}

func passwordAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
