package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	assert := require.New(t)

	var buf bytes.Buffer
	l, err := New("debug", "json", &buf)
	assert.NoError(err)
	cl := Component(l, "pipeline")
	cl.Debug().Str("id", "m1").Msg("round")

	var line map[string]any
	assert.NoError(json.Unmarshal(buf.Bytes(), &line))
	assert.Equal("pipeline", line["component"])
	assert.Equal("m1", line["id"])
	assert.Equal("debug", line["level"])
}

func TestNewLevelFilter(t *testing.T) {
	assert := require.New(t)

	var buf bytes.Buffer
	l, err := New("warn", "", &buf)
	assert.NoError(err)
	l.Info().Msg("hidden")
	assert.Zero(buf.Len())
}

func TestNewInvalid(t *testing.T) {
	assert := require.New(t)

	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(err)
}
