package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info")
	require.NotNil(t, log)

	log.Debug().Msg("hidden")
	log.Info().Msg("ring received")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "ring received")
}

func TestNewConsoleStyles(t *testing.T) {
	for _, style := range []string{StylePretty, StyleCompact, StyleJSON, "bogus"} {
		t.Run(style, func(t *testing.T) {
			assert.NotNil(t, NewConsole(style, "info"))
		})
	}
}

func TestConsoleWriterJSONPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	w := consoleWriter(&buf, StyleJSON)
	assert.Same(t, &buf, w)
}

func TestSubAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").Sub("call").With("peer", "bob")

	log.Info().Msg("state change")
	out := buf.String()
	assert.Contains(t, out, `"subsystem":"call"`)
	assert.Contains(t, out, `"peer":"bob"`)
	assert.Contains(t, out, "state change")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"silent", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"INFO", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestSilent(t *testing.T) {
	log := Silent()
	log.Error().Msg("nothing")
	assert.Equal(t, zerolog.Disabled, log.Zerolog().GetLevel())
}
