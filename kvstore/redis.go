package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis backs the store with a shared Redis server so locks and cached
// predictions are visible to every process.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kvstore: redis ping %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client exposes the underlying client for components that share the
// connection (pub/sub fan-out).
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Obtain(ctx context.Context, name string, lease, wait time.Duration) (Lock, error) {
	return obtainLoop(ctx, wait, func() (Lock, error) { return r.TryObtain(ctx, name, lease) })
}

func (r *Redis) TryObtain(ctx context.Context, name string, lease time.Duration) (Lock, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, name, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotObtained
	}
	return &redisLock{client: r.client, name: name, token: token}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisLock struct {
	client *redis.Client
	name   string
	token  string
}

func (l *redisLock) Name() string { return l.name }

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.name}, l.token).Int()
	if err != nil {
		return fmt.Errorf("kvstore: release %s: %w", l.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
