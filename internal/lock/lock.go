// Package lock provides short-lived leader locks backed by redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLock       = errors.New("invalid_lock_request")
)

// Mutex is a best-effort distributed lock. TryLock never blocks; the returned
// token proves ownership on Release.
type Mutex interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	if err := checkRequest(key, ttl); err != nil {
		return "", false, err
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes key only while it still holds token, so an expired holder
// cannot drop a lock somebody else acquired since.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// MemoryLocker is the single-process Mutex used in tests.
type MemoryLocker struct {
	mu    sync.Mutex
	now   func() time.Time
	held  map[string]memoryLease
	locks int
}

type memoryLease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{now: now, held: map[string]memoryLease{}}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := checkRequest(key, ttl); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if lease, ok := m.held[key]; ok && now.Before(lease.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[key] = memoryLease{token: token, expires: now.Add(ttl)}
	m.locks++
	return token, true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.held[key]; ok && lease.token == token {
		delete(m.held, key)
	}
	return nil
}

// Acquired counts successful TryLock calls.
func (m *MemoryLocker) Acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks
}

func checkRequest(key string, ttl time.Duration) error {
	if key == "" {
		return errors.Join(ErrInvalidLock, errors.New("lock key is empty"))
	}
	if ttl <= 0 {
		return errors.Join(ErrInvalidLock, errors.New("lock ttl must be positive"))
	}
	return nil
}
