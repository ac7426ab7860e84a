package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "json", &buf)
	require.NoError(t, err)
	log.Debug().Str("transform", "swc").Msg("toolchain selected")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "swc", line["transform"])
	assert.Equal(t, "toolchain selected", line["message"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("WARN", "json", &buf)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("", "", &buf)
	require.NoError(t, err)
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
