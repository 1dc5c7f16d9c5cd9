package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	id     string
	closed atomic.Bool
}

func (f *fakeInstance) ControlURL() string { return "ws://fake/" + f.id }

func (f *fakeInstance) Rod() *rod.Browser { return nil }

func (f *fakeInstance) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	instances []*fakeInstance
	fail      error
}

func (f *fakeLauncher) Launch(_ context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	inst := &fakeInstance{id: id}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeLauncher) launched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

func (f *fakeLauncher) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inst := range f.instances {
		if inst.closed.Load() {
			n++
		}
	}
	return n
}

func newTestPool(max int) (*Pool, *fakeLauncher) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{
		MaxInstances:   max,
		AcquireTimeout: 300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		MinIdle:        1,
	})
	return pool, launcher
}

func TestPoolAcquireLaunchesUpToMax(t *testing.T) {
	pool, launcher := newTestPool(2)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 2, launcher.launched())
	require.Equal(t, Stats{Total: 2, Available: 0, InUse: 2, Max: 2}, pool.Stats())

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 2, launcher.launched())
}

func TestPoolReusesReleasedHandle(t *testing.T) {
	pool, launcher := newTestPool(2)
	ctx := context.Background()

	handle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, pool.Release(handle))

	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, handle.ID, again.ID)
	require.Equal(t, 1, launcher.launched())
}

func TestPoolWaiterGetsReleasedHandle(t *testing.T) {
	pool, _ := newTestPool(1)
	pool.opts.AcquireTimeout = 2 * time.Second
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		pool.Release(held)
	}()

	got, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, held.ID, got.ID)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	pool, _ := newTestPool(1)
	pool.opts.AcquireTimeout = 5 * time.Second

	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDoubleReleaseIsNoop(t *testing.T) {
	pool, _ := newTestPool(2)

	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.True(t, pool.Release(handle))
	require.False(t, pool.Release(handle))
	require.False(t, pool.Release(&Handle{ID: "unknown"}))
	require.False(t, pool.Release(nil))
	require.Equal(t, Stats{Total: 1, Available: 1, InUse: 0, Max: 2}, pool.Stats())
}

func TestPoolLaunchFailureFreesSlot(t *testing.T) {
	pool, launcher := newTestPool(1)
	launcher.fail = errors.New("chrome missing")

	_, err := pool.Acquire(context.Background())
	require.ErrorContains(t, err, "chrome missing")

	launcher.fail = nil
	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, handle)
}

func TestPoolConcurrentAcquireNeverExceedsMax(t *testing.T) {
	pool, launcher := newTestPool(3)
	pool.opts.AcquireTimeout = 2 * time.Second
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		inUse  atomic.Int32
		peak   atomic.Int32
		failed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := pool.Acquire(ctx)
			if err != nil {
				failed.Add(1)
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			pool.Release(handle)
		}()
	}
	wg.Wait()

	require.Zero(t, failed.Load())
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.LessOrEqual(t, launcher.launched(), 3)

	stats := pool.Stats()
	require.Equal(t, stats.Total, stats.Available+stats.InUse)
	require.Zero(t, stats.InUse)
}

func TestPoolCleanupIdleKeepsWarmHandle(t *testing.T) {
	pool, launcher := newTestPool(3)
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		handle, err := pool.Acquire(ctx)
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		pool.Release(handle)
	}

	closed, err := pool.CleanupIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, closed)
	require.Equal(t, 2, launcher.closedCount())
	require.Equal(t, Stats{Total: 1, Available: 1, InUse: 0, Max: 3}, pool.Stats())

	// the most recently released handle stays warm
	handle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, handles[2].ID, handle.ID)
}

func TestPoolCleanupIdleDefaultsToOneWarm(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxInstances: 5})
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(first)
	pool.Release(second)

	closed, err := pool.CleanupIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	require.Equal(t, Stats{Total: 1, Available: 1, InUse: 0, Max: 5}, pool.Stats())
}

func TestPoolCleanupIdleNegativeKeepsNone(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(launcher, Options{MaxInstances: 2, MinIdle: -1})
	ctx := context.Background()

	handle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(handle)

	closed, err := pool.CleanupIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closed)
	require.Zero(t, pool.Stats().Total)
}

func TestPoolCleanupIdleLeavesInUseAlone(t *testing.T) {
	pool, launcher := newTestPool(2)
	ctx := context.Background()

	_, err := pool.Acquire(ctx)
	require.NoError(t, err)

	closed, err := pool.CleanupIdle(ctx)
	require.NoError(t, err)
	require.Zero(t, closed)
	require.Zero(t, launcher.closedCount())
}

func TestPoolShutdown(t *testing.T) {
	pool, launcher := newTestPool(2)
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)
	idle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(idle)

	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, 2, launcher.closedCount())
	require.Zero(t, pool.Stats().Total)

	require.False(t, pool.Release(held))
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, pool.Shutdown(ctx))
}
