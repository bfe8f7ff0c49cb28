package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/flowsess/internal/ir"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Prefix   string // Key prefix, defaults to "flowsess:"
}

const defaultRedisPrefix = "flowsess:"

// commitScript applies one Commit atomically.
//
// KEYS: state, sessions, seen, records, seq, pending
// ARGV: session id, "put" or "delete", state JSON, then id/record pairs.
// seen maps every record id ever enqueued to its seq; records and pending
// only hold what is still unpublished.
var commitScript = redis.NewScript(`
if ARGV[2] == "delete" then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[1])
else
	redis.call("SET", KEYS[1], ARGV[3])
	redis.call("SADD", KEYS[2], ARGV[1])
end
for i = 4, #ARGV, 2 do
	if redis.call("HSETNX", KEYS[3], ARGV[i], "0") == 1 then
		local seq = redis.call("INCR", KEYS[5])
		redis.call("HSET", KEYS[3], ARGV[i], seq)
		redis.call("HSET", KEYS[4], ARGV[i], ARGV[i + 1])
		redis.call("ZADD", KEYS[6], seq, ARGV[i])
	end
end
return 1
`)

// RedisStore shares session state between processes. It does not keep the
// input log.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisStore)(nil)

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis backend requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) stateKey(sessionID string) string { return s.prefix + "state:" + sessionID }
func (s *RedisStore) sessionsKey() string              { return s.prefix + "sessions" }
func (s *RedisStore) seenKey() string                  { return s.prefix + "outbox:seen" }
func (s *RedisStore) recordsKey() string               { return s.prefix + "outbox:records" }
func (s *RedisStore) seqKey() string                   { return s.prefix + "outbox:seq" }
func (s *RedisStore) pendingKey() string               { return s.prefix + "outbox:pending" }

func (s *RedisStore) LoadState(ctx context.Context, sessionID string) (*ir.SessionState, error) {
	data, err := s.client.Get(ctx, s.stateKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}
	return unmarshalState(data)
}

func (s *RedisStore) Commit(ctx context.Context, c Commit) error {
	if err := c.validate(); err != nil {
		return err
	}

	args := []any{c.SessionID, "put", ""}
	if c.Delete {
		args[1] = "delete"
	} else {
		data, err := marshalState(c.State)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.SessionID, err)
		}
		args[2] = string(data)
	}
	for _, r := range c.Outbound {
		r.Seq = 0
		data, err := marshalRecord(r)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.SessionID, err)
		}
		args = append(args, r.ID, string(data))
	}

	keys := []string{
		s.stateKey(c.SessionID),
		s.sessionsKey(),
		s.seenKey(),
		s.recordsKey(),
		s.seqKey(),
		s.pendingKey(),
	}
	if err := commitScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("commit %s: %w", c.SessionID, err)
	}
	return nil
}

func (s *RedisStore) PendingOutbox(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRangeWithScores(ctx, s.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	records := []Record{}
	if len(members) == 0 {
		return records, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprint(m.Member)
	}
	values, err := s.client.HMGet(ctx, s.recordsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Published between the two reads.
			continue
		}
		r, err := unmarshalRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("pending outbox %s: %w", ids[i], err)
		}
		r.Seq = int64(members[i].Score)
		records = append(records, r)
	}
	return records, nil
}

func (s *RedisStore) MarkPublished(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.pendingKey(), members...)
		pipe.HDel(ctx, s.recordsKey(), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
