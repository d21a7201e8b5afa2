package vault

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Provider hands out the Vault bound to an exchange or conversation id.
// Opening the same id twice returns the same mappings.
type Provider interface {
	Open(ctx context.Context, id string) (Vault, error)
	// Release discards the vault stored under id.
	Release(ctx context.Context, id string) error
}

// MemoryProvider keeps vaults in process memory. Vaults not opened within
// the ttl are dropped on the next Open.
type MemoryProvider struct {
	mu     sync.Mutex
	vaults map[string]*memoryLease
	ttl    time.Duration
	now    func() time.Time
}

type memoryLease struct {
	vault   *Memory
	expires time.Time
}

// NewMemoryProvider returns a provider; ttl <= 0 disables expiry.
func NewMemoryProvider(ttl time.Duration) *MemoryProvider {
	return &MemoryProvider{
		vaults: make(map[string]*memoryLease),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (p *MemoryProvider) Open(_ context.Context, id string) (Vault, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweep(now)

	lease, ok := p.vaults[id]
	if !ok {
		lease = &memoryLease{vault: NewMemory()}
		p.vaults[id] = lease
	}
	if p.ttl > 0 {
		lease.expires = now.Add(p.ttl)
	}
	return lease.vault, nil
}

func (p *MemoryProvider) Release(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.vaults, id)
	return nil
}

// Len reports the number of live vaults.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vaults)
}

func (p *MemoryProvider) sweep(now time.Time) {
	if p.ttl <= 0 {
		return
	}
	for id, lease := range p.vaults {
		if now.After(lease.expires) {
			delete(p.vaults, id)
		}
	}
}

// RedisProvider opens Redis-backed vaults; expiry is left to Redis.
type RedisProvider struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProvider(client *redis.Client, ttl time.Duration) *RedisProvider {
	return &RedisProvider{client: client, ttl: ttl}
}

func (p *RedisProvider) Open(_ context.Context, id string) (Vault, error) {
	return NewRedis(p.client, id, p.ttl), nil
}

func (p *RedisProvider) Release(ctx context.Context, id string) error {
	return NewRedis(p.client, id, p.ttl).Delete(ctx)
}
