package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretBox(t *testing.T) {
	box := NewSecretBox("short key")

	sealed, err := box.Seal("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", sealed)

	again, err := box.Seal("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = NewSecretBox("another key").Open(sealed)
	assert.Error(t, err)

	_, err = box.Open("not base64!")
	assert.Error(t, err)

	_, err = box.Open("c2hvcnQ=")
	assert.Error(t, err)
}

func TestSecretBoxWithoutKey(t *testing.T) {
	box := NewSecretBox("")

	sealed, err := box.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	_, err = box.Seal("hunter2")
	assert.ErrorIs(t, err, ErrNoSecretsKey)

	_, err = box.Open("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrNoSecretsKey)
}
