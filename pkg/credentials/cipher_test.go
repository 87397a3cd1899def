package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umt-project/umt/pkg/models"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testMasterKey, 1)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.EncryptField("super-secret-token")
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Ciphertext)
	assert.NotEmpty(t, sealed.Salt)
	assert.Equal(t, 1, sealed.Generation)

	plain, err := c.DecryptField(sealed)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", plain)
}

func TestCipher_SamePlaintextDifferentCiphertext(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.EncryptField("same-value")
	require.NoError(t, err)
	b, err := c.EncryptField("same-value")
	require.NoError(t, err)

	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotEqual(t, a.Salt, b.Salt)
}

func TestCipher_ReencryptWithFreshSaltPreservesPlaintext(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.EncryptField("value")
	require.NoError(t, err)
	plain, err := c.DecryptField(sealed)
	require.NoError(t, err)

	resealed, err := c.EncryptField(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed.Salt, resealed.Salt)

	again, err := c.DecryptField(resealed)
	require.NoError(t, err)
	assert.Equal(t, "value", again)
}

func TestCipher_TamperDetection(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.EncryptField("value")
	require.NoError(t, err)

	// Flip a character in the ciphertext body.
	raw := []byte(sealed.Ciphertext)
	raw[len(raw)/2] ^= 0x01
	sealed.Ciphertext = string(raw)

	_, err = c.DecryptField(sealed)
	assert.Error(t, err)
}

func TestCipher_Map(t *testing.T) {
	c := newTestCipher(t)

	fields := map[string]string{
		"access_token":  "at-123",
		"refresh_token": "rt-456",
		"api_secret":    "s-789",
	}

	sealed, err := c.EncryptMap(fields)
	require.NoError(t, err)
	for name, f := range sealed {
		assert.NotEmpty(t, f.Ciphertext, name)
		assert.NotEmpty(t, f.Salt, name)
	}

	plain, err := c.DecryptMap(sealed)
	require.NoError(t, err)
	assert.Equal(t, fields, plain)
}

func TestCipher_Rotation(t *testing.T) {
	old, err := NewCipher([]byte("old-master-key-old-master-key-00"), 1)
	require.NoError(t, err)

	sealed, err := old.EncryptMap(map[string]string{"token": "v"})
	require.NoError(t, err)

	// New process: generation 2 current, generation 1 still readable.
	rotated, err := NewCipher([]byte("new-master-key-new-master-key-00"), 2)
	require.NoError(t, err)
	require.NoError(t, rotated.AddGeneration(1, []byte("old-master-key-old-master-key-00")))

	fresh, err := rotated.Rotate(sealed)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh["token"].Generation)

	plain, err := rotated.DecryptField(fresh["token"])
	require.NoError(t, err)
	assert.Equal(t, "v", plain)

	// Once gen 1 is retired, old records are unreadable.
	newOnly, err := NewCipher([]byte("new-master-key-new-master-key-00"), 2)
	require.NoError(t, err)
	_, err = newOnly.DecryptField(sealed["token"])
	assert.ErrorContains(t, err, "unknown key generation")
}

func TestCipher_ZeroGenerationReadsAsGenerationOne(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.EncryptField("legacy")
	require.NoError(t, err)

	legacy := models.EncryptedField{Ciphertext: sealed.Ciphertext, Salt: sealed.Salt}
	plain, err := c.DecryptField(legacy)
	require.NoError(t, err)
	assert.Equal(t, "legacy", plain)
}

func TestNewCipher_RejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("too-short"), 1)
	assert.ErrorContains(t, err, "at least 32 bytes")
}
