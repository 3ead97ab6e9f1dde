package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements Coordinator inside a single process. It is used when
// no Redis server is configured and in tests.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	token   string
	count   int64
	expires time.Time
}

// NewMemory returns an empty in-process coordinator.
func NewMemory() *Memory {
	return &Memory{now: time.Now, entries: make(map[string]memEntry)}
}

// live returns the entry for key if it has not expired. Callers hold m.mu.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) AcquireConnectLock(ctx context.Context, accountID string, ttl time.Duration) (Lock, error) {
	return m.obtain(connectPrefix+accountID, ttl)
}

func (m *Memory) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	return m.obtain(lockPrefix+name, ttl)
}

func (m *Memory) obtain(key string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live(key); held {
		return nil, ErrNotObtained
	}
	token := uuid.NewString()
	m.entries[key] = memEntry{token: token, expires: m.now().Add(ttl)}
	return &memLock{m: m, key: key, token: token}, nil
}

func (m *Memory) OncePerWindow(ctx context.Context, key string, window time.Duration) (bool, error) {
	return m.setNX(oncePrefix+key, window), nil
}

func (m *Memory) Dedup(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return m.setNX(dedupPrefix+eventID, ttl), nil
}

func (m *Memory) setNX(key string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false
	}
	m.entries[key] = memEntry{expires: m.now().Add(ttl)}
	return true
}

func (m *Memory) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterPrefix + key
	e, ok := m.live(k)
	if !ok {
		e = memEntry{expires: m.now().Add(window)}
	}
	e.count++
	m.entries[k] = e
	return e.count, nil
}

type memLock struct {
	m     *Memory
	key   string
	token string
}

func (l *memLock) Refresh(ctx context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	e, ok := l.m.live(l.key)
	if !ok || e.token != l.token {
		return ErrNotObtained
	}
	e.expires = l.m.now().Add(ttl)
	l.m.entries[l.key] = e
	return nil
}

func (l *memLock) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if e, ok := l.m.live(l.key); ok && e.token == l.token {
		delete(l.m.entries, l.key)
	}
	return nil
}
