package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()

	log := New(Config{Level: "info", Format: "json", Path: dir})
	log.Info().Msg("hello")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
}

func TestNew_NoPath(t *testing.T) {
	log := New(Config{Level: "error", Format: "json"})
	assert.NoError(t, log.Close())
}

func TestWithComponent(t *testing.T) {
	log := New(Config{Level: "info", Format: "json"})
	component := log.WithComponent("downloader")
	assert.NotNil(t, component)
	assert.NoError(t, log.Close())
}
