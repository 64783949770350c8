package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "engine", "info")
	log.Debug().Msg("hidden")
	log.Info().Str("op", "deposit").Msg("committed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "engine", line["component"])
	require.Equal(t, "deposit", line["op"])
	require.Contains(t, line, "time")
}
