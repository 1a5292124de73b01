package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCipherRoundTrip tests encrypt/decrypt symmetry
func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipherFromPassphrase("correct horse battery staple")
	require.NoError(t, err)

	plaintext := []byte("PVEAPIToken=root@pam!roost=abc123")
	ct, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

// TestCipherNonceUniqueness tests that equal plaintexts encrypt differently
func TestCipherNonceUniqueness(t *testing.T) {
	c, err := NewCipherFromPassphrase("passphrase")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// TestCipherWrongKey tests that decryption fails with a different passphrase
func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipherFromPassphrase("one")
	require.NoError(t, err)
	c2, err := NewCipherFromPassphrase("two")
	require.NoError(t, err)

	ct, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

// TestCipherRejectsBadInput tests input validation
func TestCipherRejectsBadInput(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)

	_, err = NewCipherFromPassphrase("")
	assert.Error(t, err)

	c, err := NewCipherFromPassphrase("ok")
	require.NoError(t, err)
	_, err = c.Encrypt(nil)
	assert.Error(t, err)
	_, err = c.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}

// TestEncryptStringEmptyPassthrough tests that empty fields stay empty
func TestEncryptStringEmptyPassthrough(t *testing.T) {
	c, err := NewCipherFromPassphrase("p")
	require.NoError(t, err)

	enc, err := c.EncryptString("")
	require.NoError(t, err)
	assert.Empty(t, enc)

	dec, err := c.DecryptString("")
	require.NoError(t, err)
	assert.Empty(t, dec)
}

// TestEncryptStringRoundTrip tests the base64 string form
func TestEncryptStringRoundTrip(t *testing.T) {
	c, err := NewCipherFromPassphrase("p")
	require.NoError(t, err)

	enc, err := c.EncryptString("root-password")
	require.NoError(t, err)
	assert.NotEqual(t, "root-password", enc)

	dec, err := c.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "root-password", dec)
}

// TestGenerateRootPassword tests password generation
func TestGenerateRootPassword(t *testing.T) {
	a, err := GenerateRootPassword()
	require.NoError(t, err)
	b, err := GenerateRootPassword()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 20)
}
