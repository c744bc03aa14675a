package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptState_NoKeyIsPassthrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte("serial = 3\n")
	out, err := EncryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.False(t, IsEncrypted(out))
}

func TestEncryptState_RoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse battery staple")

	content := []byte("// Loom state file\nserial = 3\n")
	encrypted, err := EncryptState(content)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "serial = 3")

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)
}

func TestDecryptState_PlaintextIsPassthrough(t *testing.T) {
	content := []byte("serial = 3\n")
	out, err := DecryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestDecryptState_MissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "some key")
	encrypted, err := EncryptState([]byte("serial = 3\n"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestDecryptState_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "the original key")
	encrypted, err := EncryptState([]byte("serial = 3\n"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "a different key")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
}
