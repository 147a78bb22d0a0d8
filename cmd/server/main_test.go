package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mixaill76/keypool/internal/config"
	"github.com/mixaill76/keypool/internal/pool"
	"github.com/mixaill76/keypool/internal/ratelimit"
	"github.com/mixaill76/keypool/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLimits(t *testing.T) {
	defaults := ratelimit.Limits{PerMinute: 60, PerDay: 1500}

	tests := []struct {
		name   string
		cred   config.CredentialConfig
		want   ratelimit.Limits
		wantOK bool
	}{
		{
			name: "inherits defaults",
			cred: config.CredentialConfig{APIKey: "k"},
		},
		{
			name:   "rpm only",
			cred:   config.CredentialConfig{APIKey: "k", RPM: 10},
			want:   ratelimit.Limits{PerMinute: 10, PerDay: 1500},
			wantOK: true,
		},
		{
			name:   "rpd only",
			cred:   config.CredentialConfig{APIKey: "k", RPD: 100},
			want:   ratelimit.Limits{PerMinute: 60, PerDay: 100},
			wantOK: true,
		},
		{
			name:   "unlimited",
			cred:   config.CredentialConfig{APIKey: "k", RPM: ratelimit.Unlimited, RPD: ratelimit.Unlimited},
			want:   ratelimit.Limits{PerMinute: ratelimit.Unlimited, PerDay: ratelimit.Unlimited},
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := keyLimits(tt.cred, defaults)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadCredentials_AppliesOverrides(t *testing.T) {
	cfg := testhelpers.NewTestConfig("k0", "k1")
	cfg.Credentials[1].RPM = 5

	m, err := pool.New(pool.OptionsFromConfig(cfg.Pool))
	require.NoError(t, err)
	require.NoError(t, loadCredentials(context.Background(), m, cfg))

	stats := m.Stats()
	require.Len(t, stats.Credentials, 2)
	assert.Equal(t, 60, stats.Credentials[0].Usage.RequestsPerMinute)
	assert.Equal(t, 5, stats.Credentials[1].Usage.RequestsPerMinute)
	assert.Equal(t, 1500, stats.Credentials[1].Usage.RequestsPerDay)
}

func TestNewApp_RestoresThenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	ctx := context.Background()

	first := testhelpers.NewTestConfig("k0", "k1")
	first.Store = config.StoreConfig{Driver: config.StoreFile, Path: path}
	a, err := newApp(ctx, first, testhelpers.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, a.pool.ReportFailure(ctx, 1, nil))
	a.close()

	second := testhelpers.NewTestConfig("k1", "k2")
	second.Store = config.StoreConfig{Driver: config.StoreFile, Path: path}
	b, err := newApp(ctx, second, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer b.close()

	assert.Equal(t, []string{"k0", "k1", "k2"}, b.pool.Credentials())
	assert.Equal(t, uint(1), b.pool.Stats().Credentials[1].Health.ErrorCount)
}

func TestNewApp_ServesHealth(t *testing.T) {
	cfg := testhelpers.NewTestConfig("k0")
	a, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApp_StatsIncludeRecovery(t *testing.T) {
	cfg := testhelpers.NewTestConfig("k0")
	a, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, testhelpers.NewAuthorizedRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recovery"`)
}

func TestNewApp_SessionDrivers(t *testing.T) {
	t.Run("memory registry serves session endpoints", func(t *testing.T) {
		cfg := testhelpers.NewTestConfig("k0")
		a, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
		require.NoError(t, err)
		defer a.close()

		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, testhelpers.NewAuthorizedRequest(http.MethodPost, "/v1/sessions", nil))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("none", func(t *testing.T) {
		cfg := testhelpers.NewTestConfig("k0")
		cfg.Sessions.Driver = config.SessionsNone
		a, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
		require.NoError(t, err)
		defer a.close()

		assert.Nil(t, a.sessions)
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, testhelpers.NewAuthorizedRequest(http.MethodPost, "/v1/sessions", nil))
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})
}

func TestNewApp_Probe(t *testing.T) {
	cfg := testhelpers.NewTestConfig("k0")
	cfg.Probe.Enabled = true
	cfg.Probe.Provider = config.ProviderAnthropic

	a, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer a.close()
	assert.NotNil(t, a.prober)

	cfg = testhelpers.NewTestConfig("k0")
	cfg.Probe.Enabled = true
	cfg.Probe.Provider = "unknown"
	_, err = newApp(context.Background(), cfg, testhelpers.NewTestLogger())
	assert.Error(t, err)
}

func TestNewApp_BadStore(t *testing.T) {
	cfg := testhelpers.NewTestConfig("k0")
	cfg.Store.Driver = "cassandra"

	_, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
	assert.Error(t, err)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testhelpers.NewTestConfig("k0")
	cfg.Server.Port = freePort(t)
	a, err := newApp(context.Background(), cfg, testhelpers.NewTestLogger())
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.run(ctx))
}

func freePort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	return srv.Listener.Addr().(*net.TCPAddr).Port
}
