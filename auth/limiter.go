package auth

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter counts failed login attempts per client within a window.
type Limiter interface {
	// Failures returns the current failure count for key.
	Failures(ctx context.Context, key string) (int, error)
	// Fail records one failure and returns the new count. The window starts
	// at the first failure.
	Fail(ctx context.Context, key string, window time.Duration) (int, error)
	// Reset clears the count for key.
	Reset(ctx context.Context, key string) error
}

// =============================================================================
// MEMORY LIMITER - single instance deployments and tests
// =============================================================================

type attempts struct {
	count   int
	expires time.Time
}

type MemoryLimiter struct {
	mu   sync.Mutex
	keys map[string]attempts
	now  func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{keys: make(map[string]attempts), now: time.Now}
}

func (l *MemoryLimiter) Failures(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current(key).count, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, key string, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.current(key)
	if a.count == 0 {
		a.expires = l.now().Add(window)
	}
	a.count++
	l.keys[key] = a
	return a.count, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	return nil
}

// current must be called with mu held.
func (l *MemoryLimiter) current(key string) attempts {
	a, ok := l.keys[key]
	if !ok {
		return attempts{}
	}
	if !l.now().Before(a.expires) {
		delete(l.keys, key)
		return attempts{}
	}
	return a
}

// =============================================================================
// REDIS LIMITER - shared across instances
// =============================================================================

// RedisLimiter keeps counters under "<prefix><key>" with INCR and a TTL set
// on the first failure.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisLimiter.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, opts RedisOptions) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		MaxRetries:  5,
		DialTimeout: 10 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisLimiterFromClient(client, opts.Prefix), nil
}

// NewRedisLimiterFromClient wraps an existing client.
func NewRedisLimiterFromClient(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "punch-ledger:login:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) Failures(ctx context.Context, key string) (int, error) {
	n, err := l.client.Get(ctx, l.prefix+key).Int()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return n, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, key string, window time.Duration) (int, error) {
	k := l.prefix + key
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
