package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Pending ids live in a list; leased jobs in a sorted set scored by lease
// deadline (unix ms). Members of the set are "<run id>|<nonce>" tokens.
var (
	dequeueScript = goredis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
local token = id .. '|' .. ARGV[2]
redis.call('ZADD', KEYS[2], ARGV[1], token)
return token
`)

	requeueScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, token in ipairs(expired) do
	redis.call('ZREM', KEYS[2], token)
	local sep = string.find(token, '|', 1, true)
	if sep then
		redis.call('RPUSH', KEYS[1], string.sub(token, 1, sep - 1))
	end
end
return #expired
`)
)

const requeueBatch = 500

// Redis is a Queue backed by a Redis list plus a lease sorted set.
type Redis struct {
	rdb        *goredis.Client
	opts       Options
	pendingKey string
	leaseKey   string
	now        func() time.Time
}

func NewRedis(rdb *goredis.Client, opts Options) *Redis {
	opts = opts.withDefaults()
	return &Redis{
		rdb:        rdb,
		opts:       opts,
		pendingKey: opts.Name + ":pending",
		leaseKey:   opts.Name + ":leases",
		now:        time.Now,
	}
}

func (q *Redis) Enqueue(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := q.rdb.LPush(ctx, q.pendingKey, runID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", runID, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (Job, error) {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()
	for {
		deadline := q.now().Add(q.opts.LeaseTimeout).UnixMilli()
		token, err := dequeueScript.Run(ctx, q.rdb,
			[]string{q.pendingKey, q.leaseKey},
			deadline, uuid.NewString(),
		).Text()
		if err == nil {
			return jobFromToken(token)
		}
		if !errors.Is(err, goredis.Nil) {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}

		timer.Reset(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Redis) Ack(ctx context.Context, job Job) error {
	if job.Token == "" {
		return nil
	}
	if err := q.rdb.ZRem(ctx, q.leaseKey, job.Token).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", job.RunID, err)
	}
	return nil
}

func (q *Redis) RequeueExpired(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.pendingKey, q.leaseKey},
		strconv.FormatInt(q.now().UnixMilli(), 10), requeueBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

// Depth reports the pending and leased job counts.
func (q *Redis) Depth(ctx context.Context) (pending, leased int64, err error) {
	pipe := q.rdb.Pipeline()
	p := pipe.LLen(ctx, q.pendingKey)
	l := pipe.ZCard(ctx, q.leaseKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return p.Val(), l.Val(), nil
}

func jobFromToken(token string) (Job, error) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '|' {
			return Job{RunID: token[:i], Token: token}, nil
		}
	}
	return Job{}, fmt.Errorf("malformed lease token %q", token)
}
