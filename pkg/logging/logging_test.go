package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := Build(Config{Level: "info", Component: "pipeline"}, &buf)

	log.Debug().Msg("hidden")
	log.Info().Str("stage", "connect").Msg("stage start")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "stage start", entry["message"])
	assert.Equal(t, "connect", entry["stage"])
	assert.Equal(t, "pipeline", entry["component"])
	assert.NotEmpty(t, entry["time"])
}

func TestBuildLeavesZerologGlobals(t *testing.T) {
	timeFormat, timeField := zerolog.TimeFieldFormat, zerolog.TimestampFieldName
	levelField, messageField := zerolog.LevelFieldName, zerolog.MessageFieldName

	Build(Config{Level: "debug", Console: true, Component: "pipeline"}, io.Discard)

	assert.Equal(t, timeFormat, zerolog.TimeFieldFormat)
	assert.Equal(t, timeField, zerolog.TimestampFieldName)
	assert.Equal(t, levelField, zerolog.LevelFieldName)
	assert.Equal(t, messageField, zerolog.MessageFieldName)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "application.log")

	for _, msg := range []string{"first", "second"} {
		f, err := OpenFile(path)
		require.NoError(t, err)
		log := Build(Config{}, f)
		log.Info().Msg(msg)
		require.NoError(t, f.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var msgs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		msgs = append(msgs, entry["message"].(string))
	}
	assert.Equal(t, []string{"first", "second"}, msgs)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing", "application.log"))
	assert.Error(t, err)
}
