package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"support-bridge/internal/infra/metrics"
)

// LeaseKey — ключ lease long-poll воркера.
const LeaseKey = "support:poller:lease"

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease — эксклюзивная аренда ключа в Redis (SET NX PX) с продлением владельцем.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease создаёт аренду с уникальным владельцем.
func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: uuid.NewString(), ttl: ttl}
}

// Acquire захватывает или продлевает аренду. false — ключ держит другой процесс.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	metrics.ObserveNetworkRequest("redis", "lease_acquire", l.key, start, err)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	start = time.Now()
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	metrics.ObserveNetworkRequest("redis", "lease_refresh", l.key, start, err)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release освобождает аренду, если она ещё наша.
func (l *Lease) Release(ctx context.Context) error {
	start := time.Now()
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	metrics.ObserveNetworkRequest("redis", "lease_release", l.key, start, err)
	return err
}
