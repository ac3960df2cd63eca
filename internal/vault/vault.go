// Package vault provides classification-aware encryption, hashing, HMAC and
// secure token generation for TacticGuard.
//
// Every classification tier gets its own data key derived from a single master
// key with HKDF, so a record encrypted for one tier can never be opened with the
// key of another.
package vault

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
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Common errors.
var (
	ErrInvalidKey             = errors.New("invalid master key")
	ErrIntegrity              = errors.New("integrity check failed")
	ErrClassificationMismatch = errors.New("classification mismatch")
	ErrKeyVersion             = errors.New("unknown key version")
	ErrUnknownClassification  = errors.New("unknown classification")
	ErrMalformedRecord        = errors.New("malformed encrypted record")
)

// Algorithm tags stored on every record.
const (
	AlgorithmAESGCM   = "AES-256-GCM"
	AlgorithmXChaCha  = "XChaCha20-Poly1305"
	minMasterKeyBytes = 32
)

// Classification is a sensitivity tier governing encryption and redaction.
type Classification string

const (
	Public       Classification = "public"
	Internal     Classification = "internal"
	Confidential Classification = "confidential"
	Restricted   Classification = "restricted"
)

// Classifications lists every tier from least to most sensitive.
var Classifications = []Classification{Public, Internal, Confidential, Restricted}

// Rank orders tiers; unknown tiers rank below public.
func (c Classification) Rank() int {
	switch c {
	case Public:
		return 0
	case Internal:
		return 1
	case Confidential:
		return 2
	case Restricted:
		return 3
	default:
		return -1
	}
}

// Valid reports whether c is a known tier.
func (c Classification) Valid() bool {
	return c.Rank() >= 0
}

// ParseClassification converts a string into a Classification.
func ParseClassification(s string) (Classification, error) {
	c := Classification(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownClassification, s)
	}
	return c, nil
}

// EncryptedRecord is the at-rest form of encrypted data.
type EncryptedRecord struct {
	Ciphertext     string         `json:"ciphertext"`
	IV             string         `json:"iv"`
	Algorithm      string         `json:"algorithm"`
	Classification Classification `json:"classification"`
	Timestamp      time.Time      `json:"timestamp"`
	KeyVersion     int            `json:"key_version"`
	Checksum       string         `json:"checksum"`
}

// Config holds encryption service settings.
type Config struct {
	MasterKeyEnv     string `yaml:"master_key_env"`
	KeyVersion       int    `yaml:"key_version"`
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MasterKeyEnv:     "TACTICGUARD_MASTER_KEY",
		KeyVersion:       1,
		PBKDF2Iterations: 600000,
	}
}

// Service encrypts and decrypts data per classification tier.
type Service struct {
	logger     *zap.Logger
	keys       map[Classification][]byte
	macKey     []byte
	version    int
	iterations int
	now        func() time.Time
}

// NewService derives the per-tier keys from masterKey.
func NewService(masterKey []byte, cfg Config, logger *zap.Logger) (*Service, error) {
	if len(masterKey) < minMasterKeyBytes {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidKey, minMasterKeyBytes, len(masterKey))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyVersion <= 0 {
		cfg.KeyVersion = 1
	}
	if cfg.PBKDF2Iterations <= 0 {
		cfg.PBKDF2Iterations = DefaultConfig().PBKDF2Iterations
	}

	s := &Service{
		logger:     logger,
		keys:       make(map[Classification][]byte, len(Classifications)),
		version:    cfg.KeyVersion,
		iterations: cfg.PBKDF2Iterations,
		now:        time.Now,
	}

	for _, c := range Classifications {
		key, err := deriveKey(masterKey, "data:"+string(c), cfg.KeyVersion)
		if err != nil {
			return nil, err
		}
		s.keys[c] = key
	}

	macKey, err := deriveKey(masterKey, "mac", cfg.KeyVersion)
	if err != nil {
		return nil, err
	}
	s.macKey = macKey

	return s, nil
}

// NewServiceFromEnv reads a hex or raw master key from the configured env var.
func NewServiceFromEnv(cfg Config, logger *zap.Logger) (*Service, error) {
	raw := os.Getenv(cfg.MasterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%w: env var %s is empty", ErrInvalidKey, cfg.MasterKeyEnv)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		key = []byte(raw)
	}
	return NewService(key, cfg, logger)
}

func deriveKey(master []byte, purpose string, version int) ([]byte, error) {
	info := []byte("tacticguard:" + purpose + ":v" + strconv.Itoa(version))
	r := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return key, nil
}

// KeyVersion returns the active key version.
func (s *Service) KeyVersion() int {
	return s.version
}

// aeadFor picks the cipher for a tier. Restricted data uses XChaCha20-Poly1305,
// everything else AES-256-GCM.
func (s *Service) aeadFor(c Classification) (cipher.AEAD, string, error) {
	key, ok := s.keys[c]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownClassification, c)
	}
	if c == Restricted {
		aead, err := chacha20poly1305.NewX(key)
		return aead, AlgorithmXChaCha, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", err
	}
	aead, err := cipher.NewGCM(block)
	return aead, AlgorithmAESGCM, err
}

// Encrypt seals plaintext for classification c.
func (s *Service) Encrypt(plaintext []byte, c Classification) (*EncryptedRecord, error) {
	aead, algorithm, err := s.aeadFor(c)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(c))

	rec := &EncryptedRecord{
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		IV:             base64.StdEncoding.EncodeToString(nonce),
		Algorithm:      algorithm,
		Classification: c,
		Timestamp:      s.now().UTC(),
		KeyVersion:     s.version,
	}
	rec.Checksum = s.recordChecksum(rec)

	s.logger.Debug("Data encrypted",
		zap.String("classification", string(c)),
		zap.String("algorithm", algorithm),
		zap.Int("plaintext_size", len(plaintext)),
	)

	return rec, nil
}

// EncryptJSON marshals v and encrypts the result.
func (s *Service) EncryptJSON(v any, c Classification) (*EncryptedRecord, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return s.Encrypt(data, c)
}

// Decrypt opens rec. c must match the classification the record was sealed with.
// Any failure returns nil data.
func (s *Service) Decrypt(rec *EncryptedRecord, c Classification) ([]byte, error) {
	if rec == nil {
		return nil, ErrMalformedRecord
	}
	if rec.Classification != c {
		return nil, fmt.Errorf("%w: record is %q, requested %q", ErrClassificationMismatch, rec.Classification, c)
	}
	if rec.KeyVersion != s.version {
		return nil, fmt.Errorf("%w: %d", ErrKeyVersion, rec.KeyVersion)
	}
	if !hmac.Equal([]byte(rec.Checksum), []byte(s.recordChecksum(rec))) {
		return nil, ErrIntegrity
	}

	aead, _, err := s.aeadFor(c)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, ErrMalformedRecord
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, ErrMalformedRecord
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(c))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// DecryptJSON decrypts rec into v.
func (s *Service) DecryptJSON(rec *EncryptedRecord, c Classification, v any) error {
	data, err := s.Decrypt(rec, c)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Service) recordChecksum(rec *EncryptedRecord) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(rec.IV))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.Ciphertext))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.Algorithm))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.Classification))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.Itoa(rec.KeyVersion)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Hash returns the hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMAC returns a hex HMAC-SHA256 of data under the service MAC key.
func (s *Service) HMAC(data []byte) string {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares sig against the HMAC of data in constant time.
func (s *Service) VerifyHMAC(data []byte, sig string) bool {
	return hmac.Equal([]byte(s.HMAC(data)), []byte(sig))
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// Token returns a URL-safe random token carrying n bytes of entropy.
func Token(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
