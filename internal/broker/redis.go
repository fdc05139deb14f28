package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// All scripts receive the seven queue keys in queueKeys.all() order:
// ready, inflight, deliveries, receipts, bodies, dead, reasons.
// Time comes from the Redis server so consumers with skewed clocks agree.

const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// ARGV: visibility_ms, max_deliveries, retention_ms, scan_limit
var dequeueScript = redis.NewScript(luaNow + `
local vis = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local retention = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])

if retention > 0 then
  local old = redis.call('ZRANGEBYSCORE', KEYS[6], '-inf', now - retention, 'LIMIT', 0, limit)
  for _, id in ipairs(old) do
    redis.call('ZREM', KEYS[6], id)
    redis.call('HDEL', KEYS[3], id)
    redis.call('HDEL', KEYS[5], id)
    redis.call('HDEL', KEYS[7], id)
  end
end

local dead = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[4], id)
  local n = tonumber(redis.call('HGET', KEYS[3], id) or '0')
  if n >= max then
    redis.call('ZADD', KEYS[6], now, id)
    redis.call('HSET', KEYS[7], id, 'visibility timeout expired')
    table.insert(dead, id)
    table.insert(dead, redis.call('HGET', KEYS[5], id) or '')
    table.insert(dead, n)
  else
    redis.call('LPUSH', KEYS[1], id)
  end
end

local id = redis.call('RPOP', KEYS[1])
if not id then
  return {'', '', '', 0, now, dead}
end
local n = redis.call('HINCRBY', KEYS[3], id, 1)
local receipt = id .. ':' .. n
redis.call('HSET', KEYS[4], id, receipt)
redis.call('ZADD', KEYS[2], now + vis, id)
return {id, receipt, redis.call('HGET', KEYS[5], id) or '', n, now, dead}
`)

// ARGV: id, receipt
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// ARGV: id, receipt, max_deliveries
// Returns {0} for a stale receipt, {1} when requeued, {2, now, body, n} when dead-lettered.
var nackScript = redis.NewScript(luaNow + `
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return {0}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
local n = tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0')
if n >= tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[6], now, ARGV[1])
  redis.call('HSET', KEYS[7], ARGV[1], 'nacked')
  return {2, now, redis.call('HGET', KEYS[5], ARGV[1]) or '', n}
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return {1}
`)

// ARGV: id, receipt, extend_ms
var extendScript = redis.NewScript(luaNow + `
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], 'XX', now + tonumber(ARGV[3]), ARGV[1])
return 1
`)

// ARGV: id
var replayScript = redis.NewScript(`
if redis.call('ZREM', KEYS[6], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[7], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

// ARGV: id
var discardScript = redis.NewScript(`
if redis.call('ZREM', KEYS[6], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[7], ARGV[1])
return 1
`)

const reclaimScanLimit = 100

// RedisBroker implements Broker on Redis lists, sorted sets and hashes.
// Every state change is a single Lua script, so it is atomic on the server.
type RedisBroker struct {
	client redis.UniversalClient
	keys   queueKeys
	opts   Options

	mu           sync.RWMutex
	onDeadLetter DeadLetterFunc
}

// NewRedisBroker creates a broker for one named queue.
func NewRedisBroker(client redis.UniversalClient, queue string, opts Options) *RedisBroker {
	return &RedisBroker{client: client, keys: keysFor(queue), opts: opts.withDefaults()}
}

func (b *RedisBroker) OnDeadLetter(fn DeadLetterFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeadLetter = fn
}

func (b *RedisBroker) notify(ctx context.Context, dls []DeadLetter) {
	b.mu.RLock()
	fn := b.onDeadLetter
	b.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, dl := range dls {
		fn(ctx, dl)
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.bodies, id, body)
		pipe.LPush(ctx, b.keys.ready, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	res, err := dequeueScript.Run(ctx, b.client, b.keys.all(),
		b.opts.VisibilityTimeout.Milliseconds(), b.opts.MaxDeliveries,
		b.opts.DeadLetterRetention.Milliseconds(), reclaimScanLimit).Slice()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 6 {
		return nil, fmt.Errorf("dequeue: unexpected reply length %d", len(res))
	}

	now := time.UnixMilli(toInt64(res[4])).UTC()
	if flat, ok := res[5].([]interface{}); ok && len(flat) > 0 {
		dls := make([]DeadLetter, 0, len(flat)/3)
		for i := 0; i+2 < len(flat); i += 3 {
			dls = append(dls, DeadLetter{
				ID:         toString(flat[i]),
				Body:       []byte(toString(flat[i+1])),
				Deliveries: int(toInt64(flat[i+2])),
				Reason:     ReasonVisibilityExpired,
				DeadAt:     now,
			})
		}
		b.notify(ctx, dls)
	}

	id := toString(res[0])
	if id == "" {
		return nil, ErrEmpty
	}
	return &Delivery{
		ID:      id,
		Receipt: toString(res[1]),
		Body:    []byte(toString(res[2])),
		Attempt: int(toInt64(res[3])),
	}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, receipt string) error {
	id, _, ok := parseReceipt(receipt)
	if !ok {
		return ErrStaleReceipt
	}
	n, err := ackScript.Run(ctx, b.client, b.keys.all(), id, receipt).Int()
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, receipt string) error {
	id, _, ok := parseReceipt(receipt)
	if !ok {
		return ErrStaleReceipt
	}
	res, err := nackScript.Run(ctx, b.client, b.keys.all(), id, receipt, b.opts.MaxDeliveries).Slice()
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	switch toInt64(res[0]) {
	case 0:
		return ErrStaleReceipt
	case 2:
		b.notify(ctx, []DeadLetter{{
			ID:         id,
			Body:       []byte(toString(res[2])),
			Deliveries: int(toInt64(res[3])),
			Reason:     ReasonNacked,
			DeadAt:     time.UnixMilli(toInt64(res[1])).UTC(),
		}})
	}
	return nil
}

func (b *RedisBroker) Extend(ctx context.Context, receipt string, d time.Duration) error {
	id, _, ok := parseReceipt(receipt)
	if !ok {
		return ErrStaleReceipt
	}
	n, err := extendScript.Run(ctx, b.client, b.keys.all(), id, receipt, d.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (b *RedisBroker) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := b.client.ZRevRangeWithScores(ctx, b.keys.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(entries) == 0 {
		return []DeadLetter{}, nil
	}

	pipe := b.client.Pipeline()
	bodies := make([]*redis.StringCmd, len(entries))
	counts := make([]*redis.StringCmd, len(entries))
	reasons := make([]*redis.StringCmd, len(entries))
	for i, e := range entries {
		id := e.Member.(string)
		bodies[i] = pipe.HGet(ctx, b.keys.bodies, id)
		counts[i] = pipe.HGet(ctx, b.keys.deliveries, id)
		reasons[i] = pipe.HGet(ctx, b.keys.reasons, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(entries))
	for i, e := range entries {
		n, _ := counts[i].Int()
		out = append(out, DeadLetter{
			ID:         e.Member.(string),
			Body:       []byte(bodies[i].Val()),
			Deliveries: n,
			Reason:     reasons[i].Val(),
			DeadAt:     time.UnixMilli(int64(e.Score)).UTC(),
		})
	}
	return out, nil
}

func (b *RedisBroker) Replay(ctx context.Context, id string) error {
	n, err := replayScript.Run(ctx, b.client, b.keys.all(), id).Int()
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if n == 0 {
		return ErrNotDeadLettered
	}
	return nil
}

func (b *RedisBroker) DeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	score, err := b.client.ZScore(ctx, b.keys.dead, id).Result()
	if err == redis.Nil {
		return nil, ErrNotDeadLettered
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}

	pipe := b.client.Pipeline()
	body := pipe.HGet(ctx, b.keys.bodies, id)
	count := pipe.HGet(ctx, b.keys.deliveries, id)
	reason := pipe.HGet(ctx, b.keys.reasons, id)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	n, _ := count.Int()
	return &DeadLetter{
		ID:         id,
		Body:       []byte(body.Val()),
		Deliveries: n,
		Reason:     reason.Val(),
		DeadAt:     time.UnixMilli(int64(score)).UTC(),
	}, nil
}

func (b *RedisBroker) Discard(ctx context.Context, id string) error {
	n, err := discardScript.Run(ctx, b.client, b.keys.all(), id).Int()
	if err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	if n == 0 {
		return ErrNotDeadLettered
	}
	return nil
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
