package taskqueue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Each lane is a sorted set scored by NotBefore in milliseconds:
//
//	<prefix>tasks:<lane>
//
// Members are gob-encoded Task structs, which are unique because every
// task carries its own id.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "durable:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) key(lane string) string {
	return q.prefix + "tasks:" + lane
}

func (q *RedisQueue) lanesKey() string {
	return q.prefix + "lanes"
}

// Enqueue adds the task to its lane's sorted set (ZADD).
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.key(t.Lane()), redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: data})
	pipe.SAdd(ctx, q.lanesKey(), t.Lane())
	_, err = pipe.Exec(ctx)
	return err
}

// redisClaimLua pops the earliest member whose score is due. Returns nil
// when nothing is ready.
const redisClaimLua = `
local key = KEYS[1]
local now = ARGV[1]

local items = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', key, items[1])
return items[1]
`

// Dequeue polls the lane until a task is due or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, lane string) (*Task, error) {
	tmr := newIdleTimer()
	defer tmr.Stop()

	key := q.key(lane)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		data, err := q.client.Eval(ctx, redisClaimLua, []string{key}, now).Text()
		if err == redis.Nil {
			if err := waitPoll(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return DecodeTask([]byte(data))
	}
}

// Len returns the approximate number of tasks queued (ZCARD over lanes).
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	lanes, err := q.client.SMembers(ctx, q.lanesKey()).Result()
	if err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		slog.Warn("redis_queue_len_failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, lane := range lanes {
		c, err := q.client.ZCard(ctx, q.key(lane)).Result()
		if err != nil {
			slog.Warn("redis_queue_len_failed", slog.Any("error", err))
			return 0
		}
		n += int(c)
	}
	return n
}
