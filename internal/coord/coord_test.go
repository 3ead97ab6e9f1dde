package coord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "mjgate:"), mr
}

// coordinators returns every implementation so shared behavior is tested once.
func coordinators(t *testing.T) map[string]Coordinator {
	r, _ := newTestRedis(t)
	return map[string]Coordinator{
		"redis":  r,
		"memory": NewMemory(),
	}
}

func TestAcquireConnectLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			l, err := c.AcquireConnectLock(ctx, "acct-1", time.Minute)
			require.NoError(t, err)

			_, err = c.AcquireConnectLock(ctx, "acct-1", time.Minute)
			require.ErrorIs(t, err, ErrNotObtained)

			other, err := c.AcquireConnectLock(ctx, "acct-2", time.Minute)
			require.NoError(t, err, "different account must not contend")
			require.NoError(t, other.Release(ctx))

			require.NoError(t, l.Refresh(ctx, time.Minute))
			require.NoError(t, l.Release(ctx))
			require.NoError(t, l.Release(ctx), "double release is not an error")

			again, err := c.AcquireConnectLock(ctx, "acct-1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestTryLock_SeparateNamespaceFromConnect(t *testing.T) {
	ctx := context.Background()
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			cl, err := c.AcquireConnectLock(ctx, "acct-1", time.Minute)
			require.NoError(t, err)
			defer cl.Release(ctx)

			l, err := c.TryLock(ctx, "acct-1", time.Minute)
			require.NoError(t, err)
			defer l.Release(ctx)

			_, err = c.TryLock(ctx, "acct-1", time.Minute)
			require.ErrorIs(t, err, ErrNotObtained)
		})
	}
}

func TestDedup_FirstObserverWins(t *testing.T) {
	ctx := context.Background()
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := c.Dedup(ctx, "evt-123", time.Minute)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestOncePerWindow(t *testing.T) {
	ctx := context.Background()
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := c.OncePerWindow(ctx, "relax:acct-1", time.Hour)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = c.OncePerWindow(ctx, "relax:acct-1", time.Hour)
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = c.OncePerWindow(ctx, "relax:acct-2", time.Hour)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestIncrWindow_CountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	for name, c := range coordinators(t) {
		t.Run(name, func(t *testing.T) {
			var n int64
			var err error
			for i := 1; i <= 6; i++ {
				n, err = c.IncrWindow(ctx, "reconnect:acct-1", 5*time.Minute)
				require.NoError(t, err)
				require.Equal(t, int64(i), n)
			}
		})
	}
}

func TestRedis_WindowExpires(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	_, err := r.IncrWindow(ctx, "reconnect:acct-1", 5*time.Minute)
	require.NoError(t, err)
	_, err = r.IncrWindow(ctx, "reconnect:acct-1", 5*time.Minute)
	require.NoError(t, err)

	mr.FastForward(5*time.Minute + time.Second)

	n, err := r.IncrWindow(ctx, "reconnect:acct-1", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ok, err := r.OncePerWindow(ctx, "relax:acct-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(time.Hour)
	ok, err = r.OncePerWindow(ctx, "relax:acct-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_LostLockRefreshFails(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	l, err := r.AcquireConnectLock(ctx, "acct-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	other, err := r.AcquireConnectLock(ctx, "acct-1", time.Minute)
	require.NoError(t, err)
	defer other.Release(ctx)

	require.ErrorIs(t, l.Refresh(ctx, time.Minute), ErrNotObtained)
	require.NoError(t, l.Release(ctx), "releasing a lost lock is a no-op")

	_, err = r.AcquireConnectLock(ctx, "acct-1", time.Minute)
	require.ErrorIs(t, err, ErrNotObtained, "release of the stale handle must not free the new owner's lock")
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	l, err := m.AcquireConnectLock(ctx, "acct-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	require.ErrorIs(t, l.Refresh(ctx, time.Minute), ErrNotObtained)

	_, err = m.AcquireConnectLock(ctx, "acct-1", time.Minute)
	require.NoError(t, err)

	n, _ := m.IncrWindow(ctx, "k", time.Minute)
	require.Equal(t, int64(1), n)
	now = now.Add(time.Minute)
	n, _ = m.IncrWindow(ctx, "k", time.Minute)
	require.Equal(t, int64(1), n, "counter resets once the window passes")
}

func TestDebouncer(t *testing.T) {
	d := NewDebouncer()
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	require.True(t, d.Allow("captcha:acct-1", 10*time.Second))
	require.False(t, d.Allow("captcha:acct-1", 10*time.Second))
	require.True(t, d.Allow("captcha:acct-2", 10*time.Second))

	now = now.Add(10 * time.Second)
	require.True(t, d.Allow("captcha:acct-1", 10*time.Second))
}

func TestDebouncer_Concurrent(t *testing.T) {
	d := NewDebouncer()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Allow("captcha:acct-1", time.Minute) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), admitted.Load())
}
