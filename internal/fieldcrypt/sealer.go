package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const hkdfInfo = "ledgersync data key v1"

// SensitiveFields lists the reserved row fields that are sealed at rest.
var SensitiveFields = []string{"meta_json", "secret_json"}

var (
	// ErrInvalidKey indicates a data key of the wrong size.
	ErrInvalidKey = errors.New("fieldcrypt: data key must be 32 bytes")
	// ErrAuthentication indicates a sealed value failed authentication.
	ErrAuthentication = errors.New("fieldcrypt: authentication failed")
	// ErrNotSealed indicates Open was called on a value that is not a v1 envelope.
	ErrNotSealed = errors.New("fieldcrypt: value is not sealed")
)

// Sealer seals and opens field values with a single deployment key.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewSealer builds a sealer for the provided 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// GenerateKey returns a fresh random data key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// ParseKey accepts a base64-encoded 32-byte key, or derives one from any other secret with HKDF-SHA256.
func ParseKey(material string) ([]byte, error) {
	trimmed := strings.TrimSpace(material)
	if trimmed == "" {
		return nil, ErrInvalidKey
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, []byte(trimmed), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive data key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext into a v1 envelope. E2E values are returned untouched.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if strings.HasPrefix(plaintext, PrefixE2E) {
		return plaintext, nil
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}
	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	cut := len(sealed) - tagSize
	envelope := Envelope{
		Kind:       KindServerV1,
		IV:         iv,
		Ciphertext: sealed[:cut],
		Tag:        sealed[cut:],
	}
	return envelope.String(), nil
}

// Open decrypts a v1 envelope. Tampered ciphertext or tag yields ErrAuthentication.
func (s *Sealer) Open(value string) (string, error) {
	envelope := Parse(value)
	if envelope.Kind != KindServerV1 {
		return "", ErrNotSealed
	}
	combined := make([]byte, 0, len(envelope.Ciphertext)+len(envelope.Tag))
	combined = append(combined, envelope.Ciphertext...)
	combined = append(combined, envelope.Tag...)
	plaintext, err := s.aead.Open(nil, envelope.IV, combined, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return string(plaintext), nil
}

// EncryptRowSensitive returns a copy of row with the sensitive string fields sealed.
// Already sealed and E2E values are left byte-for-byte untouched.
func (s *Sealer) EncryptRowSensitive(row map[string]any) (map[string]any, error) {
	if row == nil {
		return nil, nil
	}
	out := cloneRow(row)
	for _, field := range SensitiveFields {
		value, ok := out[field].(string)
		if !ok || value == "" {
			continue
		}
		if strings.HasPrefix(value, PrefixServerV1) || strings.HasPrefix(value, PrefixE2E) {
			continue
		}
		sealed, err := s.Seal(value)
		if err != nil {
			return nil, fmt.Errorf("seal %s: %w", field, err)
		}
		out[field] = sealed
	}
	return out, nil
}

// DecryptRowSensitive returns a copy of row with sealed fields opened. Malformed, legacy,
// E2E or unauthenticated values are returned unchanged.
func (s *Sealer) DecryptRowSensitive(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := cloneRow(row)
	for _, field := range SensitiveFields {
		value, ok := out[field].(string)
		if !ok {
			continue
		}
		if Parse(value).Kind != KindServerV1 {
			continue
		}
		plaintext, err := s.Open(value)
		if err != nil {
			continue
		}
		out[field] = plaintext
	}
	return out
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for key, value := range row {
		out[key] = value
	}
	return out
}
