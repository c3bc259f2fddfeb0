package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewOutput(t *testing.T) {
	assert.Zero(t, PreviewOutput("", 3).Total)
	assert.Empty(t, PreviewOutput("\r\n", 3).String())

	short := PreviewOutput("a\r\nb\r\n", 3)
	assert.Equal(t, 2, short.Total)
	assert.Equal(t, "head-lines: [a ⟩ b]", short.String())

	long := PreviewOutput("1\n2\n3\n4\n5\n6", 2)
	assert.Equal(t, []string{"1", "2"}, long.Head)
	assert.Equal(t, []string{"5", "6"}, long.Tail)
	assert.Equal(t, "head-lines: [1 ⟩ 2], tail-lines: [5 ⟩ 6]", long.String())

	assert.Len(t, PreviewOutput("1\n2\n3\n4\n5\n6\n7", 0).Head, 5)
}

func TestDebugOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)

	DebugOutput(logrus.NewEntry(l), "line", 3)
	assert.Empty(t, buf.String())

	l.SetLevel(logrus.DebugLevel)
	DebugOutput(logrus.NewEntry(l).WithField("command", "display clock"), "line1\nline2", 3)
	assert.Contains(t, buf.String(), "head-lines: [line1 ⟩ line2]")
	assert.Contains(t, buf.String(), "lines=2")
}

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "devterm.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1}))
	t.Cleanup(func() { _ = Init(Config{Level: "info", Output: "console"}) })

	assert.Equal(t, logrus.DebugLevel, GetLogger().Level)
	WithSession("s-1").Info("hello")
	assert.FileExists(t, path)

	require.NoError(t, Init(Config{Level: "bogus", Output: "console"}))
	assert.Equal(t, logrus.InfoLevel, GetLogger().Level)
}
