package config

import (
	"fmt"
	"time"

	"github.com/relaymq/broker/hook"
	"github.com/relaymq/broker/session"
	"github.com/relaymq/broker/store"
)

// BuildSessionStore constructs the session.Store backend named in
// cfg.Storage, so swapping persistence is a one-line config change
// rather than a recompile.
func BuildSessionStore(cfg *Config) (session.Store, error) {
	switch cfg.Storage.Backend {
	case "", BackendMemory:
		return session.NewMemoryStore(), nil

	case BackendPebble:
		dir := cfg.Storage.PebbleDir
		if dir == "" {
			dir = "./data/sessions"
		}
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: dir})

	case BackendRedis:
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr: cfg.Storage.RedisAddr,
			DB:   cfg.Storage.RedisDB,
			TTL:  24 * time.Hour,
		})

	default:
		return nil, fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
}

// BuildRetainedStore constructs the retained-message store. Retained
// messages are always held in the topic-segment trie in store.RetainedStore
// regardless of session backend, since its matching semantics (wildcard
// lookup against a segment tree) have no equivalent in a flat KV store.
func BuildRetainedStore() *store.RetainedStore {
	return store.NewRetainedStore()
}

// BuildHooks assembles the hook.Manager with the auth and rate-limit
// hooks the config file asks for. Additional application-specific hooks
// can still be registered on the returned manager before the broker
// starts.
func BuildHooks(cfg *Config) (*hook.Manager, error) {
	m := hook.NewManager()

	if err := m.Add(hook.NewAnonymousAuthHook(cfg.Auth.AllowAnonymous)); err != nil {
		return nil, err
	}

	if len(cfg.Auth.Users) > 0 {
		basic := hook.NewBasicAuthHook()
		basic.LoadUsers(cfg.Auth.Users)
		if err := m.Add(basic); err != nil {
			return nil, err
		}
	}

	if cfg.RateLimit.Enabled {
		window := time.Second
		if err := m.Add(hook.NewRateLimitHook(cfg.RateLimit.MessagesPerSecond, window)); err != nil {
			return nil, err
		}
	}

	return m, nil
}
