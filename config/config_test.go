package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	env := NewEnv()
	assert.Equal(t, DefaultConnectionWindow, env.GetIntDefault("ConnectionWindow", -1))
	assert.Equal(t, DefaultConnectionRetry, env.GetIntDefault("ConnectionRetry", -1))
	assert.Equal(t, DefaultStreamErrorWindow, env.GetIntDefault("StreamErrorWindow", -1))
	assert.Equal(t, DefaultRequestTimeout, env.GetIntDefault("RequestTimeout", -1))
	assert.Equal(t, DefaultMaxRedirects, env.GetIntDefault("MaxRedirects", -1))
}

func TestExplicitPutWins(t *testing.T) {
	env := NewEnv()
	env.PutInt("ConnectionWindow", 5)
	v, ok := env.GetInt("ConnectionWindow")
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestUnknownKey(t *testing.T) {
	env := NewEnv()
	_, ok := env.GetInt("NoSuchKnob")
	assert.False(t, ok)
	assert.Equal(t, 42, env.GetIntDefault("NoSuchKnob", 42))
}

func TestSnapshotIsolation(t *testing.T) {
	env := NewEnv()
	snap := env.Snapshot()
	env.PutInt("ConnectionWindow", 1)
	assert.Equal(t, DefaultConnectionWindow, snap.GetIntDefault("ConnectionWindow", -1))
}

func TestParseConfigBytes(t *testing.T) {
	f, err := ParseConfigBytes([]byte("connection_window: 30\nmax_redirects: 4\nlog_level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, 30, f.ConnectionWindow)
	assert.Equal(t, 4, f.MaxRedirects)
	assert.Equal(t, "debug", f.LogLevel)

	env := NewEnv()
	env.ApplyFile(f)
	assert.Equal(t, 30, env.GetIntDefault("ConnectionWindow", -1))
	assert.Equal(t, 4, env.GetIntDefault("MaxRedirects", -1))
	// untouched knobs keep their defaults
	assert.Equal(t, DefaultConnectionRetry, env.GetIntDefault("ConnectionRetry", -1))
	lvl, _ := env.GetString("LogLevel")
	assert.Equal(t, "debug", lvl)
}

func TestParseConfigBytesRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfigBytes([]byte("no_such_option: 1\n"))
	assert.Error(t, err)
}

func TestParseConfigBytesEmpty(t *testing.T) {
	_, err := ParseConfigBytes([]byte("# only a comment\n"))
	assert.Error(t, err)
}
