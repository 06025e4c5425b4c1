package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	cipher, err := NewCipher("unit-test-master-key")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt("sk-very-secret-key-1234")
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "secret")

	plaintext, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-very-secret-key-1234", plaintext)
}

func TestCipher_NoncesDiffer(t *testing.T) {
	t.Parallel()

	cipher, err := NewCipher("unit-test-master-key")
	require.NoError(t, err)

	a, err := cipher.Encrypt("same input")
	require.NoError(t, err)
	b, err := cipher.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	t.Parallel()

	c1, err := NewCipher("key-one")
	require.NoError(t, err)
	c2, err := NewCipher("key-two")
	require.NoError(t, err)

	encrypted, err := c1.Encrypt("sk-secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestCipher_EmptyKeyRejected(t *testing.T) {
	t.Parallel()

	_, err := NewCipher("")
	assert.Error(t, err)
}

func TestKeyPreview(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "****5678", KeyPreview("sk-12345678"))
	assert.Equal(t, "****", KeyPreview("abc"))
}
