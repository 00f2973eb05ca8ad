package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/shohag/driprelay/internal/models"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired holder cannot release a lock someone else has since taken.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// extendScript pushes the expiry out by ARGV[2] milliseconds while the key
// still holds our token.
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease-based lock shared by every process using the same key.
// The holder renews the lease every ttl/3; if the holder dies the lease
// expires after ttl.
type Redis struct {
	client redisClient
	key    string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	return newRedis(client, key, ttl)
}

func newRedis(client redisClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

func (r *Redis) TryLock(ctx context.Context, timeout time.Duration) (context.Context, func(), error) {
	token := models.NewID("lock")
	err := poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis lock %s: %w", r.key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, nil, err
	}

	held, lost := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.renew(token, stop, lost)
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			<-done
			lost()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.client.Eval(ctx, releaseScript, []string{r.key}, token).Err()
		})
	}, nil
}

// renew extends the lease until stop closes. A failed or refused extension
// means the lease may have passed to someone else, so lost is called.
func (r *Redis) renew(token string, stop <-chan struct{}, lost context.CancelFunc) {
	every := r.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := r.client.Eval(ctx, extendScript, []string{r.key}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil || n == 0 {
			lost()
			return
		}
	}
}
