package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_JSONInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str("restaurant", "bacci_pizza").Msg("turn")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "bacci_pizza", entry["restaurant"])
	require.Equal(t, "turn", entry["message"])
	require.Contains(t, entry, "time")
	require.Contains(t, entry, "caller")
}

func TestNew_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Debug: true})
	logger.Debug().Msg("visible")
	require.Contains(t, buf.String(), "visible")
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{PrettyFormat: true})
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
