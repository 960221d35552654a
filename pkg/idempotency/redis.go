package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/clock"
)

// reserveScript creates a PENDING hash if the key is absent and returns the
// stored fields either way.
// KEYS[1] = record key
// ARGV[1] = payload hash, ARGV[2] = owner, ARGV[3] = updated_at, ARGV[4] = pending TTL ms
var reserveScript = redis.NewScript(`
local acquired = 0
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "payload_hash", ARGV[1], "status", "PENDING", "owner", ARGV[2],
		"first_event_id", "", "result_snapshot", "", "updated_at", ARGV[3])
	if tonumber(ARGV[4]) > 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[4])
	end
	acquired = 1
end
local v = redis.call("HMGET", KEYS[1], "payload_hash", "status", "owner", "first_event_id", "result_snapshot", "updated_at")
return {acquired, v[1], v[2], v[3], v[4], v[5], v[6]}
`)

// completeScript flips PENDING to SUCCEEDED for the owner.
// Returns 1 on success, 2 if already succeeded, 0 if missing, -1 if foreign.
var completeScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "status", "owner")
if not v[1] then
	return 0
end
if v[2] ~= ARGV[1] then
	return -1
end
if v[1] == "SUCCEEDED" then
	return 2
end
redis.call("HSET", KEYS[1], "status", "SUCCEEDED", "first_event_id", ARGV[2], "result_snapshot", ARGV[3], "updated_at", ARGV[4])
redis.call("PERSIST", KEYS[1])
return 1
`)

// releaseScript deletes a PENDING reservation held by the owner.
// Returns 1 when deleted, 0 if missing, -1 if foreign, -2 if succeeded.
var releaseScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "status", "owner")
if not v[1] then
	return 0
end
if v[1] == "SUCCEEDED" then
	return -2
end
if v[2] ~= ARGV[1] then
	return -1
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisIndex shares the dedupe table across kernel processes.
type RedisIndex struct {
	client     redis.UniversalClient
	clock      clock.Clock
	prefix     string
	pendingTTL time.Duration
}

// RedisOption configures a RedisIndex.
type RedisOption func(*RedisIndex)

// WithPendingTTL expires abandoned PENDING reservations. Succeeded records
// never expire.
func WithPendingTTL(d time.Duration) RedisOption {
	return func(r *RedisIndex) { r.pendingTTL = d }
}

// WithKeyPrefix namespaces the Redis keys.
func WithKeyPrefix(p string) RedisOption {
	return func(r *RedisIndex) { r.prefix = p }
}

func NewRedisIndex(client redis.UniversalClient, c clock.Clock, opts ...RedisOption) *RedisIndex {
	if c == nil {
		c = clock.Wall()
	}
	r := &RedisIndex{client: client, clock: c, prefix: "selene:idem"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisIndex) key(scope, key string) string {
	return fmt.Sprintf("%s:{%s}:%s", r.prefix, scope, key)
}

func (r *RedisIndex) now() string {
	return r.clock.Now().UTC().Format(time.RFC3339Nano)
}

func (r *RedisIndex) Reserve(ctx context.Context, scope, key, payloadHash, owner string) (Reservation, error) {
	res, err := reserveScript.Run(ctx, r.client, []string{r.key(scope, key)},
		payloadHash, owner, r.now(), r.pendingTTL.Milliseconds()).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: redis reserve: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 7 {
		return Reservation{}, fmt.Errorf("idempotency: invalid response from reserve script")
	}
	acquired, _ := vals[0].(int64)
	rec, err := recordFromValues(scope, key, vals[1:])
	if err != nil {
		return Reservation{}, err
	}
	if acquired == 1 {
		return Reservation{Record: rec, Acquired: true}, nil
	}
	return decide(rec, scope, key, payloadHash, owner)
}

func (r *RedisIndex) Complete(ctx context.Context, scope, key, owner, firstEventID string, snapshot json.RawMessage) (Record, error) {
	code, err := completeScript.Run(ctx, r.client, []string{r.key(scope, key)},
		owner, firstEventID, string(snapshot), r.now()).Int64()
	if err != nil {
		return Record{}, fmt.Errorf("idempotency: redis complete: %w", err)
	}
	switch code {
	case 0:
		return Record{}, ErrNotFound
	case -1:
		rec, _, _ := r.Get(ctx, scope, key)
		return rec, ErrNotOwner
	}
	rec, _, err := r.Get(ctx, scope, key)
	return rec, err
}

func (r *RedisIndex) Release(ctx context.Context, scope, key, owner string) error {
	code, err := releaseScript.Run(ctx, r.client, []string{r.key(scope, key)}, owner).Int64()
	if err != nil {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	switch code {
	case -1:
		return ErrNotOwner
	case -2:
		return ErrSettled
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, scope, key string) (Record, bool, error) {
	vals, err := r.client.HMGet(ctx, r.key(scope, key),
		"payload_hash", "status", "owner", "first_event_id", "result_snapshot", "updated_at").Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	if vals[1] == nil {
		return Record{}, false, nil
	}
	rec, err := recordFromValues(scope, key, vals)
	return rec, err == nil, err
}

func recordFromValues(scope, key string, vals []interface{}) (Record, error) {
	str := func(i int) string {
		s, _ := vals[i].(string)
		return s
	}
	rec := Record{
		Scope:        scope,
		DedupeKey:    key,
		PayloadHash:  str(0),
		Status:       Status(str(1)),
		Owner:        str(2),
		FirstEventID: str(3),
	}
	if snap := str(4); snap != "" {
		rec.ResultSnapshot = json.RawMessage(snap)
	}
	if ts := str(5); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Record{}, fmt.Errorf("idempotency: corrupt updated_at: %w", err)
		}
		rec.UpdatedAt = t
	}
	return rec, nil
}
