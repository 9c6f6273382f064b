package message

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Verbatim(t *testing.T) {
	t.Parallel()

	body := "  Hello,\r\n\nthe build is green. ✓\n\n"
	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestLoad_Empty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoad_NotFound(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidUTF8(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, []byte{'h', 'i', 0xff, 0xfe}, 0o600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrIO)
}
