package blog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, JSONOutput: true, Output: &buf})
	logger.Info().Str("volume", "db01").Msg("backup started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "backup started", entry["message"])
	assert.Equal(t, "db01", entry["volume"])
}

func TestNewRespectsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, JSONOutput: true, Output: &buf})
	logger.Info().Msg("suppressed")
	assert.Empty(t, buf.String(), "info-level messages must be dropped under a warn-level logger")

	logger.Warn().Msg("shown")
	assert.NotEmpty(t, buf.String())
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelInfo, JSONOutput: true, Output: &buf})
	child := Component(parent, "pipeline")
	child.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pipeline", entry["component"])
}

func TestDefaultLevelIsInfo(t *testing.T) {
	assert.Equal(t, LevelInfo.zerolog(), Level("unknown").zerolog())
}
