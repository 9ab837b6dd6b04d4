package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every worker connected to the same Redis.
type Redis struct {
	client  redis.UniversalClient
	key     string
	ttl     time.Duration
	renew   time.Duration
	timeout time.Duration
	log     *slog.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis connects to Redis and returns a Locker on key. The ttl bounds how
// long a crashed holder can block others. A live holder renews the key every
// third of the ttl until it releases.
func NewRedis(addr, password string, db int, key string, ttl time.Duration, log *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, key, ttl, log), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, key string, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	renew := ttl / 3
	if renew <= 0 {
		renew = ttl
	}
	return &Redis{
		client:  client,
		key:     key,
		ttl:     ttl,
		renew:   renew,
		timeout: 2 * time.Second,
		log:     log.With("component", "lease"),
	}
}

func (r *Redis) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, r.renew, r.extend(token), r.log.With("key", r.key))
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.log.Error("release lease failed", "key", r.key, "error", err)
			}
		})
	}
	return release, true, nil
}

func (r *Redis) extend(token string) func() (bool, error) {
	return func() (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		n, err := renewScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return true, err
		}
		return n == 1, nil
	}
}

// keepAlive calls renew every interval until stop closes or renew reports the
// lease is no longer held. Transient errors are retried on the next interval.
func keepAlive(stop <-chan struct{}, interval time.Duration, renew func() (bool, error), log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := renew()
			if err != nil {
				log.Warn("renew lease failed", "error", err)
				continue
			}
			if !held {
				log.Error("lease lost before release")
				return
			}
		}
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
