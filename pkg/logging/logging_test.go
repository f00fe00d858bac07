package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tevor.log")

	l, closer, err := New("debug", path)
	require.NoError(t, err)
	l.Info().Str("component", "test").Msg("hello")
	closer()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestNewDefaultsToInfo(t *testing.T) {
	l, closer, err := New("", "")
	require.NoError(t, err)
	defer closer()
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, closer, err := New("loud", "")
	require.Error(t, err)
	assert.NotNil(t, closer)
}

func TestNewToUsesWriter(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := NewTo(&buf, "warn", "")
	require.NoError(t, err)
	defer closer()

	l.Info().Msg("dropped")
	l.Warn().Msg("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"message":"kept"`)
}
