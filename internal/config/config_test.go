package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CATALOG_FILE", "questions.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 256, cfg.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Duration(0), cfg.MatchMaxWait, "waiting is unbounded by default")
	assert.Equal(t, 0, cfg.MatchMaxQueue)
	assert.Equal(t, "fifo", cfg.MatchScorer)
	assert.True(t, cfg.RunMigrations)
	assert.Empty(t, cfg.TrustedProxies, "forwarded headers are ignored by default")
	assert.NotEmpty(t, cfg.ServerName)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/peerprep")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("MATCH_MAX_WAIT", "45s")
	t.Setenv("MATCH_MAX_QUEUE", "500")
	t.Setenv("MATCH_SCORER", "overlap")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.7")
	t.Setenv("WORKER_POOL_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.MatchMaxWait)
	assert.Equal(t, 500, cfg.MatchMaxQueue)
	assert.Equal(t, "overlap", cfg.MatchScorer)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.TrustedProxies)
	assert.Equal(t, 256, cfg.WorkerPoolSize, "unparsable values fall back to the default")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CATALOG_FILE", "")
	t.Setenv("MATCH_SCORER", "elo")
	t.Setenv("MATCH_MAX_QUEUE", "-1")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "JWT_SECRET")
	assert.Contains(t, msg, "DATABASE_URL or CATALOG_FILE")
	assert.Contains(t, msg, "MATCH_SCORER")
	assert.Contains(t, msg, "MATCH_MAX_QUEUE")
}

func TestLoad_TagRefreshIntervalMustBePositive(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CATALOG_FILE", "questions.yaml")

	for _, v := range []string{"0s", "-1m"} {
		t.Setenv("TAG_REFRESH_INTERVAL", v)
		_, err := Load()
		require.Error(t, err, v)
		assert.Contains(t, err.Error(), "TAG_REFRESH_INTERVAL")
	}
}
