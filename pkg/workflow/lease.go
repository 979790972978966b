package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease guards against duplicate in-flight submissions of the same job
// descriptor. Acquire returns false when another submission already holds
// the fingerprint.
type Lease interface {
	Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, fingerprint string) error
}

// RedisLease coordinates submissions across controller replicas.
type RedisLease struct {
	client *redis.Client
}

// NewRedisLease connects to redis and verifies the connection.
func NewRedisLease(redisURL string) (*RedisLease, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisLease{client: client}, nil
}

var _ Lease = (*RedisLease)(nil)

func leaseKey(fingerprint string) string {
	return "finetune:submission:" + fingerprint
}

// Acquire takes the fingerprint lease with SETNX semantics. The TTL bounds
// how long a crashed submitter can block a retry.
func (l *RedisLease) Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, leaseKey(fingerprint), "1", ttl).Result()
}

// Release drops the lease.
func (l *RedisLease) Release(ctx context.Context, fingerprint string) error {
	return l.client.Del(ctx, leaseKey(fingerprint)).Err()
}

// Close releases the redis connection.
func (l *RedisLease) Close() error { return l.client.Close() }

// MemoryLease is a single-process Lease for tests and simulator mode.
type MemoryLease struct {
	mu     sync.Mutex
	leases map[string]time.Time
}

// NewMemoryLease returns an empty in-process lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{leases: make(map[string]time.Time)}
}

var _ Lease = (*MemoryLease)(nil)

// Acquire takes the lease unless an unexpired holder exists.
func (l *MemoryLease) Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.leases[fingerprint]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	l.leases[fingerprint] = time.Now().Add(ttl)
	return true, nil
}

// Release drops the lease.
func (l *MemoryLease) Release(ctx context.Context, fingerprint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, fingerprint)
	return nil
}
