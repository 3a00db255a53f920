package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCredentialCipher(testKey())
	require.NoError(t, err)

	encoded, err := c.Encrypt("super-secret-api-key")
	require.NoError(t, err)

	parts := strings.Split(encoded, ":")
	require.Len(t, parts, 3)

	plaintext, err := c.Decrypt(encoded)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-api-key", plaintext)
}

func TestEncryptIsNotValidJSON(t *testing.T) {
	c, err := NewCredentialCipher(testKey())
	require.NoError(t, err)

	encoded, err := c.Encrypt("{}")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(encoded, "{"))
	assert.Equal(t, 2, strings.Count(encoded, ":"))
}

func TestDecryptRejectsMalformedSegments(t *testing.T) {
	c, err := NewCredentialCipher(testKey())
	require.NoError(t, err)

	_, err = c.Decrypt("not-the-right-format")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = c.Decrypt("a:b:c:d")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCredentialCipher(testKey())
	require.NoError(t, err)

	encoded, err := c.Encrypt("secret")
	require.NoError(t, err)

	parts := strings.Split(encoded, ":")
	parts[2] = parts[2] + "AA"
	tampered := strings.Join(parts, ":")

	_, err = c.Decrypt(tampered)
	assert.Error(t, err)
}

func TestNewCredentialCipherRejectsWrongKeySize(t *testing.T) {
	_, err := NewCredentialCipher([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
