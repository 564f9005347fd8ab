package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/relaymq/broker/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSessionStoreMemory(t *testing.T) {
	cfg := Default()

	store, err := BuildSessionStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &session.MemoryStore{}, store)
}

func TestBuildSessionStoreMemoryIsDefaultBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = ""

	store, err := BuildSessionStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &session.MemoryStore{}, store)
}

func TestBuildSessionStorePebble(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = BackendPebble
	cfg.Storage.PebbleDir = filepath.Join(t.TempDir(), "sessions")

	store, err := BuildSessionStore(cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()
}

func TestBuildSessionStoreUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = StorageBackend("carrier-pigeon")

	_, err := BuildSessionStore(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}

func TestBuildSessionStoreRedisConnectFailure(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = BackendRedis
	cfg.Storage.RedisAddr = "127.0.0.1:1"

	_, err := BuildSessionStore(cfg)
	require.Error(t, err)
}

func TestBuildRetainedStore(t *testing.T) {
	store := BuildRetainedStore()
	require.NotNil(t, store)
	defer store.Close()

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBuildHooksAnonymousOnly(t *testing.T) {
	cfg := Default()

	hooks, err := BuildHooks(cfg)
	require.NoError(t, err)
	require.NotNil(t, hooks)
}

func TestBuildHooksWithBasicAuthUsers(t *testing.T) {
	cfg := Default()
	cfg.Auth.Users = map[string]string{"alice": "secret"}

	hooks, err := BuildHooks(cfg)
	require.NoError(t, err)
	require.NotNil(t, hooks)
}

func TestBuildHooksWithRateLimit(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.MessagesPerSecond = 100

	hooks, err := BuildHooks(cfg)
	require.NoError(t, err)
	require.NotNil(t, hooks)
}
