package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() *Entry {
	return &Entry{
		Level:   Warn,
		Message: "substream migrated",
		Time:    time.Date(2019, 11, 3, 12, 0, 0, 0, time.UTC),
		Fields:  Fields{"stream": "a.example.org:1094 #0", "substream": 1},
	}
}

func TestHumanFormatter(t *testing.T) {
	f := &HumanFormatter{}
	out, err := f.Format(testEntry())
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "WARN")
	assert.Contains(t, s, "substream migrated")
	assert.Contains(t, s, `stream="a.example.org:1094 #0"`)
}

func TestLogfmtFormatter(t *testing.T) {
	f := &LogfmtFormatter{}
	out, err := f.Format(testEntry())
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "level=WARN")
	assert.Contains(t, s, "msg=")
	assert.Contains(t, s, "substream=1")
}

func TestOutletLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	outlets := NewOutlets()
	outlets.Add(&WriterOutlet{Formatter: &HumanFormatter{}, Writer: &buf}, Warn)
	log := NewLogger(outlets)

	log.Debug("below threshold")
	log.Info("below threshold")
	log.Warn("visible warning")
	log.Error("visible error")

	s := buf.String()
	assert.NotContains(t, s, "below threshold")
	assert.Contains(t, s, "visible warning")
	assert.Contains(t, s, "visible error")
	assert.Equal(t, 2, strings.Count(s, "\n"))
}

func TestWithFieldChild(t *testing.T) {
	var buf bytes.Buffer
	outlets := NewOutlets()
	outlets.Add(&WriterOutlet{Formatter: &HumanFormatter{}, Writer: &buf}, Debug)
	log := NewLogger(outlets)

	child := log.WithField("endpoint", "b.example.org:1094")
	child.Info("child carries the field")
	log.Info("parent does not")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "endpoint=")
	assert.NotContains(t, lines[1], "endpoint=")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, Debug, l)
	_, err = ParseLevel("noisy")
	assert.Error(t, err)
}
