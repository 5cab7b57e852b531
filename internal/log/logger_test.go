package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTo_JSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	l := InitTo(&buf, "prod", "warn")

	l.Info().Msg("hidden")
	l.Warn().Str("k", "v").Msg("shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "v", rec["k"])
	assert.Equal(t, "warn", rec["level"])
}

func TestInitTo_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := InitTo(&buf, "prod", "loud")
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())

	l.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestInitTo_ConsoleInDev(t *testing.T) {
	var buf bytes.Buffer
	l := InitTo(&buf, "dev", "debug")
	l.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}
