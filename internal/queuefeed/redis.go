package queuefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"clinicq/backend/internal/domain"
)

const keyPrefix = "queue:serving:"

// counterTTL keeps a day's counter around long enough for late reads.
const counterTTL = 48 * time.Hour

// Key is the Redis key holding the now-serving token of a pool.
func Key(pool domain.Pool) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, pool.DoctorID, pool.BranchID, pool.Date.Format(domain.DateLayout))
}

// ErrCounterRewind is returned when a Set would move the counter backwards.
var ErrCounterRewind = errors.New("serving counter cannot move backwards")

// setScript stores ARGV[1] unless the current value is higher. It returns -1
// when the write was refused.
var setScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if tonumber(ARGV[1]) < cur then
	return -1
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return cur
`)

// Redis reads and moves the front desk counters kept in Redis. A pool
// without a key has not started serving and reads as zero.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Dial connects to url (redis://...) and checks the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Redis) CurrentServing(ctx context.Context, pool domain.Pool) (int, error) {
	v, err := r.client.Get(ctx, Key(pool)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue counter: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("queue counter %q: %w", v, err)
	}
	return n, nil
}

func (r *Redis) Advance(ctx context.Context, pool domain.Pool) (int, error) {
	key := Key(pool)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("advance queue counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (r *Redis) Set(ctx context.Context, pool domain.Pool, serving int) error {
	if serving < 0 {
		return errors.New("serving must not be negative")
	}
	res, err := setScript.Run(ctx, r.client, []string{Key(pool)}, serving, counterTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("set queue counter: %w", err)
	}
	if res < 0 {
		return ErrCounterRewind
	}
	return nil
}
