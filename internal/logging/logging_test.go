package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentTagsChildLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Component(zerolog.New(&buf), "validator")
	log.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "validator", entry["component"])
	assert.Equal(t, "hello", entry["message"])
}

func TestNewLoggerLevelFallback(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{Level: "nonsense"}).GetLevel())
	assert.Equal(t, zerolog.DebugLevel, NewLogger(Config{Level: "DEBUG"}).GetLevel())
}
