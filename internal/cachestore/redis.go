package cachestore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultRedisPrefix = "pwacache:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key written by the store.
	Prefix string
	TLS    RedisTLSConfig
}

// putScript writes an entry only while its generation is still registered,
// so a late writer cannot resurrect a generation that activation removed.
var putScript = valkey.NewLuaScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type redisStore struct {
	client valkey.Client
	prefix string
}

// NewRedis connects to a redis-compatible server. Each generation is a hash
// keyed by request identity; the set of generation names lives alongside.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cachestore: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cachestore: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cachestore: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cachestore: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cachestore: redis ping: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) generationsKey() string { return s.prefix + "generations" }

func (s *redisStore) entriesKey(generation string) string { return s.prefix + "gen:" + generation }

func (s *redisStore) Open(ctx context.Context, generation string) (Handle, error) {
	cmd := s.client.B().Sadd().Key(s.generationsKey()).Member(generation).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cachestore: redis open %s: %w", generation, err)
	}
	return &redisHandle{store: s, generation: generation}, nil
}

func (s *redisStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	results := s.client.DoMulti(ctx,
		s.client.B().Srem().Key(s.generationsKey()).Member(name).Build(),
		s.client.B().Del().Key(s.entriesKey(name)).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("cachestore: redis delete %s: %w", name, err)
	}
	if err := results[1].Error(); err != nil {
		return false, fmt.Errorf("cachestore: redis delete entries %s: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStore) ListGenerations(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.generationsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cachestore: redis list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

type redisHandle struct {
	store      *redisStore
	generation string
}

func (h *redisHandle) Generation() string { return h.generation }

func (h *redisHandle) Match(ctx context.Context, key Key) (Entry, bool, error) {
	client := h.store.client
	resp := client.Do(ctx, client.B().Hget().Key(h.store.entriesKey(h.generation)).Field(key.String()).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cachestore: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: redis hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (h *redisHandle) Put(ctx context.Context, key Key, entry Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	payload, err := json.Marshal(prepareEntry(entry))
	if err != nil {
		return fmt.Errorf("cachestore: redis marshal: %w", err)
	}
	keys := []string{h.store.generationsKey(), h.store.entriesKey(h.generation)}
	args := []string{h.generation, key.String(), string(payload)}
	written, err := putScript.Exec(ctx, h.store.client, keys, args).AsInt64()
	if err != nil {
		return fmt.Errorf("cachestore: redis put: %w", err)
	}
	if written == 0 {
		return ErrGenerationGone
	}
	return nil
}

func (h *redisHandle) Size(ctx context.Context) (int64, error) {
	client := h.store.client
	size, err := client.Do(ctx, client.B().Hlen().Key(h.store.entriesKey(h.generation)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cachestore: redis hlen: %w", err)
	}
	return size, nil
}
