package config

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnvString(t *testing.T) {
	t.Setenv("KEYPOOL_RESOLVE_TEST", "value")

	assert.Equal(t, "value", resolveEnvString("os.environ/KEYPOOL_RESOLVE_TEST"))
	assert.Equal(t, "", resolveEnvString("os.environ/KEYPOOL_RESOLVE_MISSING"))
	assert.Equal(t, "plain", resolveEnvString("plain"))
}

func TestParseField(t *testing.T) {
	got, err := parseField("", 5*time.Second, time.ParseDuration, "x")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got)

	got, err = parseField("1m", 5*time.Second, time.ParseDuration, "x")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got)

	_, err = parseField("nope", 5*time.Second, time.ParseDuration, "pool.x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pool.x")
}

func TestParseBool(t *testing.T) {
	v, err := parseBool(" true ")
	require.NoError(t, err)
	assert.True(t, v)

	_, err = parseBool("maybe")
	assert.Error(t, err)
}

func TestLimitToString(t *testing.T) {
	assert.Equal(t, "default", limitToString(0))
	assert.Equal(t, "unlimited (-1)", limitToString(-1))
	assert.Equal(t, "60", limitToString(60))
}

func TestValidLimit(t *testing.T) {
	assert.True(t, validLimit(-1))
	assert.True(t, validLimit(1))
	assert.False(t, validLimit(0))
	assert.False(t, validLimit(-3))
}

func TestPrintConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  master_key: mk
credentials:
  - api_key: AIzaSyA1b2c3d4e5f6g7h8i9
probe:
  enabled: true
`))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		PrintConfig(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	})
}

func TestValidIdentifier(t *testing.T) {
	assert.True(t, validIdentifier("keypool_credentials"))
	assert.True(t, validIdentifier("_t1"))
	assert.False(t, validIdentifier(""))
	assert.False(t, validIdentifier("1abc"))
	assert.False(t, validIdentifier("a-b"))
	assert.False(t, validIdentifier("x; DROP TABLE y"))
}
