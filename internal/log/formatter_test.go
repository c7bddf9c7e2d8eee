package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewFormatterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(true))

	logger.WithField("entity", "alert/a1").Info("synced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "synced", entry["msg"])
	assert.Equal(t, "alert/a1", entry["entity"])
	assert.Contains(t, entry, "ts")
}

func TestNewFormatterText(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(false))

	logger.WithField("op", "create").Warn("retrying")
	assert.Contains(t, buf.String(), "retrying")
	assert.Contains(t, buf.String(), "op=create")
}

func TestOutput(t *testing.T) {
	assert.Equal(t, os.Stderr, Output(FileOptions{}))

	path := filepath.Join(t.TempDir(), "offsync.log")
	w := Output(FileOptions{Path: path})
	lj, ok := w.(*lumberjack.Logger)
	require.True(t, ok)
	defer lj.Close()
	assert.Equal(t, 50, lj.MaxSize)

	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}
