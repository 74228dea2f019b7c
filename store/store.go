// Package store is the Key Store Abstraction (KS) of spec.md §2.1: an
// opaque persistent map backed by Redis, exposing string/hash/set/sorted-set
// primitives plus one scripted atomic compound operation. Every other
// component (zonestore, resolver, health, certmgr, pubserver) treats this as
// Redis's full surface; KS owns all durable state in the system.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pendingdns/errs"
)

type Store struct {
	rdb *redis.Client
}

type Config struct {
	Address  string
	Password string
	DB       int
}

func New(cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errs.New(errs.Storage, "store.New", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an already-constructed redis.Client, used by tests to
// point the store at a miniredis instance.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Pipelined runs fn against a transactional pipeline, queuing all commands
// and sending them as a single MULTI/EXEC round trip. Callers that need a
// queued command's result (e.g. a conditional HSETNX alongside an index
// SADD) capture the returned Cmd and read it after Pipelined returns.
func (s *Store) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := s.rdb.TxPipelined(ctx, fn)
	return wrap("store.Pipelined", err)
}

func wrap(op string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return errs.New(errs.Storage, op, err)
}

// --- strings ---

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("store.Get", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("store.Set", s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("store.Del", s.rdb.Del(ctx, keys...).Err())
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("store.Exists", err)
	}
	return n > 0, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("store.Expire", s.rdb.Expire(ctx, key, ttl).Err())
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("store.SetNX", err)
	}
	return ok, nil
}

// --- hashes ---

func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, wrap("store.HSetNX", err)
	}
	return ok, nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return wrap("store.HSet", s.rdb.HSet(ctx, key, field, value).Err())
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("store.HGet", err)
	}
	return v, true, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("store.HGetAll", err)
	}
	return m, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.rdb.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, wrap("store.HDel", err)
	}
	return n, nil
}

func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.HLen(ctx, key).Result()
	if err != nil {
		return 0, wrap("store.HLen", err)
	}
	return n, nil
}

// --- sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return wrap("store.SAdd", s.rdb.SAdd(ctx, key, vals...).Err())
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return wrap("store.SRem", s.rdb.SRem(ctx, key, vals...).Err())
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("store.SMembers", err)
	}
	return members, nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap("store.SIsMember", err)
	}
	return ok, nil
}

// --- sorted sets ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap("store.ZAdd", s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return wrap("store.ZRem", s.rdb.ZRem(ctx, key, member).Err())
}

// popNextDueScript implements the "pop sorted-set head at-or-below-score,
// reinsert at new score" primitive required by spec.md §4.3/§6. It must be a
// server-side script (not a pipeline) because the reinsertion decision
// branches on whether a member under maxScore actually exists.
var popNextDueScript = redis.NewScript(`
local key = KEYS[1]
local maxScore = tonumber(ARGV[1])
local newScore = tonumber(ARGV[2])
local res = redis.call('ZRANGEBYSCORE', key, '-inf', maxScore, 'LIMIT', 0, 1)
if #res == 0 then
  return nil
end
local member = res[1]
redis.call('ZADD', key, newScore, member)
return member
`)

// PopNextDue pops the lowest-scored member whose score is <= maxScore and
// reinserts it at newScore, returning (member, true) on a hit or ("",
// false) if nothing was due. Guarantees at most one worker (even across
// processes) observes a given target per due cycle.
func (s *Store) PopNextDue(ctx context.Context, key string, maxScore, newScore float64) (string, bool, error) {
	res, err := popNextDueScript.Run(ctx, s.rdb, []string{key}, maxScore, newScore).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("store.PopNextDue", err)
	}
	member, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	return member, true, nil
}

// ZRangeByScore returns members with score in [min, max], enumerating
// rather than popping. No package in this module calls it yet.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: floatToStr(min), Max: floatToStr(max),
	}).Result()
	if err != nil {
		return nil, wrap("store.ZRangeByScore", err)
	}
	return members, nil
}

func floatToStr(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
