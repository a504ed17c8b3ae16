package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS: ready, leased, payload, lease. ARGV: id, payload, ready-at ms.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: ready, leased, payload, lease. ARGV: now ms, lease-until ms, lease id.
// Jobs whose lease has run out are handed out before fresh ones.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
end
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[4], id, ARGV[3])
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
  payload = ''
end
return {id, payload}
`)

// KEYS: ready, leased, payload, lease. ARGV: id, lease id.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// KEYS: ready, leased, payload, lease. ARGV: id, lease id, ready-at ms.
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// RedisQueue is a Queue shared by every worker process pointed at the same
// Redis. All state changes run as Lua scripts so they are atomic.
type RedisQueue struct {
	client       redis.UniversalClient
	keys         []string
	leaseTimeout time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewRedisQueue creates a queue whose keys live under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string, leaseTimeout, pollInterval time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "recipe-ingest:queue"
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	// The hash tag keeps every key in one cluster slot.
	tag := "{" + prefix + "}"
	return &RedisQueue{
		client: client,
		keys: []string{
			tag + ":ready",
			tag + ":leased",
			tag + ":payload",
			tag + ":lease",
		},
		leaseTimeout: leaseTimeout,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Enqueue adds id to the ready set unless it is already queued or leased.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	if id == "" {
		return fmt.Errorf("enqueue: empty job id")
	}
	readyAt := q.now().Add(delay).UnixMilli()
	added, err := enqueueScript.Run(ctx, q.client, q.keys, id, payload, readyAt).Int()
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	return nil
}

// Dequeue polls Redis until a job can be leased or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryDequeue(ctx)
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) tryDequeue(ctx context.Context) (*Delivery, error) {
	now := q.now()
	leaseID := uuid.New().String()
	leasedUntil := now.Add(q.leaseTimeout)

	res, err := dequeueScript.Run(ctx, q.client, q.keys, now.UnixMilli(), leasedUntil.UnixMilli(), leaseID).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	return &Delivery{
		JobID:       id,
		Payload:     []byte(payload),
		LeaseID:     leaseID,
		LeasedUntil: leasedUntil,
	}, nil
}

// Ack deletes the job if d still holds its lease.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return fmt.Errorf("%w: nil delivery", ErrLeaseLost)
	}
	ok, err := ackScript.Run(ctx, q.client, q.keys, d.JobID, d.LeaseID).Int()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, d.JobID)
	}
	return nil
}

// Nack returns the job to the ready set after delay if d still holds its lease.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return fmt.Errorf("%w: nil delivery", ErrLeaseLost)
	}
	readyAt := q.now().Add(delay).UnixMilli()
	ok, err := nackScript.Run(ctx, q.client, q.keys, d.JobID, d.LeaseID, readyAt).Int()
	if err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, d.JobID)
	}
	return nil
}
