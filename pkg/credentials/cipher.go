// Package credentials seals integration credentials for storage. Every
// sensitive field is encrypted with AES-256-GCM under a key derived from a
// process master secret and a per-field random salt, so the same plaintext
// sealed twice never yields the same ciphertext. Decrypted values exist
// only in the caller's in-memory scope and must not be logged or cached.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/umt-project/umt/pkg/models"
)

const (
	// saltSize is 128 bits as required for key derivation.
	saltSize = 16

	keySize = 32

	hkdfInfo = "umt-credential-field-v1"
)

// Cipher seals and opens credential fields. It holds the master secret for
// the current key generation plus any previous generations still needed to
// open old records during rotation.
type Cipher struct {
	current     int
	generations map[int][]byte
}

// NewCipher creates a cipher with a single key generation.
func NewCipher(masterKey []byte, generation int) (*Cipher, error) {
	if len(masterKey) < keySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", keySize, len(masterKey))
	}
	return &Cipher{
		current:     generation,
		generations: map[int][]byte{generation: masterKey},
	}, nil
}

// NewCipherFromEnv builds a cipher from CREDENTIAL_MASTER_KEY (current
// generation) and, when set, CREDENTIAL_MASTER_KEY_PREVIOUS (the prior
// generation, kept readable for rotation).
func NewCipherFromEnv() (*Cipher, error) {
	key := os.Getenv("CREDENTIAL_MASTER_KEY")
	if key == "" {
		return nil, fmt.Errorf("CREDENTIAL_MASTER_KEY is required")
	}

	c, err := NewCipher([]byte(key), 2)
	if err != nil {
		return nil, err
	}
	if prev := os.Getenv("CREDENTIAL_MASTER_KEY_PREVIOUS"); prev != "" {
		if err := c.AddGeneration(1, []byte(prev)); err != nil {
			return nil, err
		}
	} else {
		// Single-key deployments run as generation 1.
		c.current = 1
		c.generations = map[int][]byte{1: []byte(key)}
	}
	return c, nil
}

// AddGeneration registers an older master key so records sealed under it
// remain readable.
func (c *Cipher) AddGeneration(generation int, masterKey []byte) error {
	if len(masterKey) < keySize {
		return fmt.Errorf("master key must be at least %d bytes, got %d", keySize, len(masterKey))
	}
	c.generations[generation] = masterKey
	return nil
}

// CurrentGeneration returns the generation new fields are sealed under.
func (c *Cipher) CurrentGeneration() int { return c.current }

// deriveKey stretches the generation's master secret with the per-field
// salt via HKDF-SHA256.
func (c *Cipher) deriveKey(generation int, salt []byte) ([]byte, error) {
	master, ok := c.generations[generation]
	if !ok {
		return nil, fmt.Errorf("unknown key generation %d", generation)
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive field key: %w", err)
	}
	return key, nil
}

// EncryptField seals one plaintext field under the current generation with
// a fresh random salt and nonce.
func (c *Cipher) EncryptField(plaintext string) (models.EncryptedField, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return models.EncryptedField{}, fmt.Errorf("generate salt: %w", err)
	}

	key, err := c.deriveKey(c.current, salt)
	if err != nil {
		return models.EncryptedField{}, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return models.EncryptedField{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return models.EncryptedField{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return models.EncryptedField{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Generation: c.current,
	}, nil
}

// DecryptField opens a sealed field using the generation it was sealed
// under. A zero generation is treated as generation 1 (pre-rotation rows).
func (c *Cipher) DecryptField(field models.EncryptedField) (string, error) {
	generation := field.Generation
	if generation == 0 {
		generation = 1
	}

	salt, err := base64.StdEncoding.DecodeString(field.Salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(field.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key, err := c.deriveKey(generation, salt)
	if err != nil {
		return "", err
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed field: %w", err)
	}
	return string(plaintext), nil
}

// EncryptMap seals every field of a plaintext credential map.
func (c *Cipher) EncryptMap(fields map[string]string) (map[string]models.EncryptedField, error) {
	out := make(map[string]models.EncryptedField, len(fields))
	for name, plaintext := range fields {
		sealed, err := c.EncryptField(plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %q: %w", name, err)
		}
		out[name] = sealed
	}
	return out, nil
}

// DecryptMap opens every field of a sealed credential map.
func (c *Cipher) DecryptMap(fields map[string]models.EncryptedField) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, sealed := range fields {
		plaintext, err := c.DecryptField(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %q: %w", name, err)
		}
		out[name] = plaintext
	}
	return out, nil
}

// Rotate re-seals fields under the current generation. Fields already at
// the current generation are re-sealed anyway, picking up a fresh salt.
func (c *Cipher) Rotate(fields map[string]models.EncryptedField) (map[string]models.EncryptedField, error) {
	plain, err := c.DecryptMap(fields)
	if err != nil {
		return nil, err
	}
	return c.EncryptMap(plain)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
