// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caldera-labs/mcpd/pkg/auth"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces all keys written by the store.
const DefaultKeyPrefix = "mcpd:"

// RedisConfig holds connection configuration for the Redis store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix for multi-tenancy. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// TTL is the session inactivity TTL. Defaults to DefaultTTL.
	TTL time.Duration

	// MaxHistory is the exact per-session history cap.
	MaxHistory int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements Store on a Redis backend: a hash per session for
// metadata, a stream per session for history (entry ID "{n}-0" where n is
// the event counter), and plain keys for the token-to-session map. The
// auto-event-id operation runs as a server-side script so concurrent
// writers across instances never collide.
type RedisStore struct {
	client     redis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
	maxHistory int
}

// autoEventIDScript atomically increments the session's event counter,
// appends the message to the history stream under the new counter value,
// trims the stream to the exact cap, and resets the TTLs.
// Returns the new counter, or -1 if the session does not exist.
var autoEventIDScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local n = redis.call('HINCRBY', KEYS[1], 'counter', 1)
redis.call('XADD', KEYS[2], tostring(n) .. '-0', 'm', ARGV[1])
redis.call('XTRIM', KEYS[2], 'MAXLEN', tonumber(ARGV[2]))
redis.call('HSET', KEYS[1], 'last_event_id', tostring(n), 'last_activity', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return n
`)

// setAuthScript swaps the session's metadata and token mapping in one step:
// the previous token hash (read out of the stored metadata) is unbound
// before the new one is set, so a hash never maps to two sessions.
// ARGV: new meta JSON, new token hash ('' for none), token key prefix,
// last-activity, session ID, TTL millis.
var setAuthScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local meta = redis.call('HGET', KEYS[1], 'meta')
if meta then
	local ok, sess = pcall(cjson.decode, meta)
	if ok and sess.auth and sess.auth.tokenHash and sess.auth.tokenHash ~= '' then
		redis.call('DEL', ARGV[3] .. sess.auth.tokenHash)
	end
end
redis.call('HSET', KEYS[1], 'meta', ARGV[1], 'last_activity', ARGV[4])
if ARGV[2] ~= '' then
	redis.call('SET', ARGV[3] .. ARGV[2], ARGV[5], 'PX', ARGV[6])
end
return 1
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStore(client, cfg), nil
}

// NewRedisStoreWithClient wraps a pre-configured client. This is useful for
// testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	return newRedisStore(client, cfg)
}

func newRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	maxHistory := cfg.MaxHistory
	if maxHistory == 0 {
		maxHistory = DefaultMaxHistory
	}
	return &RedisStore{client: client, keyPrefix: prefix, ttl: ttl, maxHistory: maxHistory}
}

func (s *RedisStore) sessionKey(id string) string { return s.keyPrefix + "session:" + id }
func (s *RedisStore) historyKey(id string) string { return s.sessionKey(id) + ":history" }
func (s *RedisStore) tokenKeyPrefix() string      { return s.keyPrefix + "token:" }
func (s *RedisStore) tokenKey(hash string) string { return s.tokenKeyPrefix() + hash }

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Create persists a new session hash and arms its TTL.
func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("cannot store session with empty ID")
	}

	meta, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := s.sessionKey(sess.ID)
	created, err := s.client.HSetNX(ctx, key, "meta", meta).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"counter", sess.EventCounter,
		"last_activity", sess.LastActivity.UnixMilli(),
	)
	pipe.PExpire(ctx, key, s.ttl)
	if sess.Auth != nil && sess.Auth.TokenHash != "" {
		pipe.Set(ctx, s.tokenKey(sess.Auth.TokenHash), sess.ID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	return nil
}

// Get returns the session metadata. The event counter and last-activity
// hash fields are authoritative over the stored metadata JSON.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return sessionFromFields(fields)
}

func sessionFromFields(fields map[string]string) (*Session, error) {
	meta, ok := fields["meta"]
	if !ok {
		return nil, ErrSessionNotFound
	}

	var sess Session
	if err := json.Unmarshal([]byte(meta), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if raw, ok := fields["counter"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sess.EventCounter = n
		}
	}
	if raw, ok := fields["last_event_id"]; ok && raw != "" {
		sess.LastEventID = raw
	}
	if raw, ok := fields["last_activity"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sess.LastActivity = time.UnixMilli(ms).UTC()
		}
	}
	return &sess, nil
}

// Delete removes the session, its history, and its token mapping.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	keys := []string{s.sessionKey(id), s.historyKey(id)}
	if sess != nil && sess.Auth != nil && sess.Auth.TokenHash != "" {
		keys = append(keys, s.tokenKey(sess.Auth.TokenHash))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Touch resets the session's last-activity time and TTLs.
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	key := s.sessionKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_activity", time.Now().UnixMilli())
	pipe.PExpire(ctx, key, s.ttl)
	pipe.PExpire(ctx, s.historyKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// AddMessage appends an entry under a caller-supplied event ID. The ID must
// be numerically greater than any ID already in the stream.
func (s *RedisStore) AddMessage(ctx context.Context, id, eventID string, msg json.RawMessage) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	pipe := s.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: s.historyKey(id),
		ID:     eventID + "-0",
		Values: map[string]any{"m": string(msg)},
	})
	pipe.XTrimMaxLen(ctx, s.historyKey(id), int64(s.maxHistory))
	pipe.HSet(ctx, s.sessionKey(id), "last_event_id", eventID, "last_activity", time.Now().UnixMilli())
	pipe.PExpire(ctx, s.sessionKey(id), s.ttl)
	pipe.PExpire(ctx, s.historyKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// AddMessageAutoID runs the counter increment and append as one script.
func (s *RedisStore) AddMessageAutoID(ctx context.Context, id string, msg json.RawMessage) (string, error) {
	n, err := autoEventIDScript.Run(ctx, s.client,
		[]string{s.sessionKey(id), s.historyKey(id)},
		string(msg), s.maxHistory, time.Now().UnixMilli(), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}
	if n < 0 {
		return "", ErrSessionNotFound
	}
	return strconv.FormatInt(n, 10), nil
}

// MessagesFrom reads the history stream strictly after fromEventID.
func (s *RedisStore) MessagesFrom(ctx context.Context, id, fromEventID string) ([]HistoryEntry, error) {
	exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	start := "-"
	if fromEventID != "" {
		if _, err := strconv.ParseInt(fromEventID, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid event ID %q: %w", fromEventID, err)
		}
		// "(" makes the range exclusive of the given stream ID.
		start = "(" + fromEventID + "-0"
	}

	msgs, err := s.client.XRange(ctx, s.historyKey(id), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		payload, ok := m.Values["m"].(string)
		if !ok {
			continue
		}
		eventID := strings.TrimSuffix(m.ID, "-0")
		entries = append(entries, HistoryEntry{EventID: eventID, Message: json.RawMessage(payload)})
	}
	return entries, nil
}

// SetAuthContext swaps the auth context and token mapping atomically via
// the server-side script.
func (s *RedisStore) SetAuthContext(ctx context.Context, id string, ac *auth.Context) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Auth = ac

	meta, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	newHash := ""
	if ac != nil {
		newHash = ac.TokenHash
	}

	res, err := setAuthScript.Run(ctx, s.client,
		[]string{s.sessionKey(id)},
		string(meta), newHash, s.tokenKeyPrefix(), time.Now().UnixMilli(), id, s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to set auth context: %w", err)
	}
	if res < 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetRefreshInfo rewrites the stored metadata with new refresh state.
// Callers serialise refresh updates per session through the distributed
// lock, so a plain read-modify-write is sufficient here.
func (s *RedisStore) SetRefreshInfo(ctx context.Context, id string, info *RefreshInfo) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Refresh = info

	meta, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.HSet(ctx, s.sessionKey(id), "meta", meta).Err(); err != nil {
		return fmt.Errorf("failed to set refresh info: %w", err)
	}
	return nil
}

// SessionByTokenHash resolves a token hash to its session metadata.
func (s *RedisStore) SessionByTokenHash(ctx context.Context, hash string) (*Session, error) {
	id, err := s.client.Get(ctx, s.tokenKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to resolve token hash: %w", err)
	}
	return s.Get(ctx, id)
}

// AddTokenMapping binds a token hash to a session.
func (s *RedisStore) AddTokenMapping(ctx context.Context, hash, id string) error {
	exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	if err := s.client.Set(ctx, s.tokenKey(hash), id, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to add token mapping: %w", err)
	}
	return nil
}

// RemoveTokenMapping unbinds a token hash.
func (s *RedisStore) RemoveTokenMapping(ctx context.Context, hash string) error {
	if err := s.client.Del(ctx, s.tokenKey(hash)).Err(); err != nil {
		return fmt.Errorf("failed to remove token mapping: %w", err)
	}
	return nil
}

// List scans for all session hashes. Used by the token refresher; the scan
// is cursor-based so it does not block the server.
func (s *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var sessions []*Session

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":history") {
			continue
		}
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		sess, err := sessionFromFields(fields)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// Cleanup removes orphaned history streams and token mappings left behind
// when a session hash expired. Session expiry itself is handled by key TTLs.
func (s *RedisStore) Cleanup(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"session:*:history", 100).Iterator()
	for iter.Next(ctx) {
		histKey := iter.Val()
		sessKey := strings.TrimSuffix(histKey, ":history")
		exists, err := s.client.Exists(ctx, sessKey).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			_ = s.client.Del(ctx, histKey).Err()
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan history keys: %w", err)
	}

	tokenIter := s.client.Scan(ctx, 0, s.tokenKeyPrefix()+"*", 100).Iterator()
	for tokenIter.Next(ctx) {
		tokenKey := tokenIter.Val()
		id, err := s.client.Get(ctx, tokenKey).Result()
		if err != nil {
			continue
		}
		exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			_ = s.client.Del(ctx, tokenKey).Err()
		}
	}
	if err := tokenIter.Err(); err != nil {
		return fmt.Errorf("failed to scan token keys: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
