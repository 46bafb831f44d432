package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFileOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "host.log")

	l, err := New(Config{Level: "debug", OutputPaths: []string{out}})
	require.NoError(t, err)

	l.Named("driver").Debug("state changed", "state", "loading")
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &line))
	assert.Equal(t, "state changed", line["msg"])
	assert.Equal(t, "driver", line["component"])
	assert.Equal(t, "loading", line["state"])
}

func TestAuditLoggerUsesSeparateFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")

	l, err := New(Config{
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	require.NoError(t, err)

	l.Audit().Info("kv.get", "plugin", "echo", "key", "greeting")
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"plugin":"echo"`)
}

func TestAuditEnabledWithoutPathFails(t *testing.T) {
	_, err := New(Config{OutputPaths: []string{"stderr"}, Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")

	l.L().Info("hidden")
	l.L().Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestNilLoggerIsUsable(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.L().Info("nothing")
		l.Audit().Info("nothing")
		_ = l.Close()
	})
}

func TestRotatingWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotatingWriter(path, 1, 2, 1)
	require.NoError(t, err)
	w.maxSize = 16

	for i := 0; i < 3; i++ {
		_, err := w.Write([]byte(strings.Repeat("x", 12) + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	for _, name := range []string{path, path + ".1", path + ".2"} {
		_, err := os.Stat(name)
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}
