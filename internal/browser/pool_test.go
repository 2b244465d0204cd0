package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLauncher struct {
	launches  atomic.Int32
	failFirst atomic.Int32
	delay     time.Duration
	configure func(*fakeEngine)

	mu      sync.Mutex
	engines []*fakeEngine
}

func (l *fakeLauncher) Launch(ctx context.Context) (Engine, error) {
	l.launches.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.failFirst.Load() > 0 {
		l.failFirst.Add(-1)
		return nil, errors.New("chrome not found")
	}
	e := &fakeEngine{}
	e.connected.Store(true)
	if l.configure != nil {
		l.configure(e)
	}
	l.mu.Lock()
	l.engines = append(l.engines, e)
	l.mu.Unlock()
	return e, nil
}

func (l *fakeLauncher) engine(i int) *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[i]
}

type fakeEngine struct {
	connected atomic.Bool
	closed    atomic.Bool
	created   atomic.Int32
	live      atomic.Int32
	maxLive   atomic.Int32

	// failAfter makes NewContext fail once this many contexts exist; 0 disables.
	failAfter    int32
	pageErr      error
	pageCloseErr error
}

func (e *fakeEngine) NewContext(_ context.Context, identity Identity) (ExecutionContext, error) {
	n := e.created.Add(1)
	if e.failAfter > 0 && n > e.failAfter {
		e.created.Add(-1)
		return nil, errors.New("context create failed")
	}
	live := e.live.Add(1)
	for {
		prev := e.maxLive.Load()
		if live <= prev || e.maxLive.CompareAndSwap(prev, live) {
			break
		}
	}
	return &fakeContext{engine: e, identity: identity}, nil
}

func (e *fakeEngine) Connected() bool { return e.connected.Load() && !e.closed.Load() }

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeContext struct {
	engine   *fakeEngine
	identity Identity
	closed   atomic.Bool
	pages    atomic.Int32
}

func (c *fakeContext) NewPage(context.Context) (Page, error) {
	if c.engine.pageErr != nil {
		return nil, c.engine.pageErr
	}
	c.pages.Add(1)
	return &fakePage{ctx: c, closeErr: c.engine.pageCloseErr}, nil
}

func (c *fakeContext) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.engine.live.Add(-1)
	}
	return nil
}

type fakePage struct {
	ctx      *fakeContext
	closeErr error
	closed   atomic.Bool
}

func (p *fakePage) Navigate(context.Context, string) error { return nil }
func (p *fakePage) HTML(context.Context) (string, error) { return "<html></html>", nil }
func (p *fakePage) PDF(context.Context) ([]byte, error) { return []byte("%PDF"), nil }
func (p *fakePage) Close() error { p.closed.Store(true); return p.closeErr }

func newTestPool(t *testing.T, size int, launcher *fakeLauncher) *Pool {
	t.Helper()
	pool, err := NewPool(Config{MaxContexts: size, Headless: true}, launcher, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{MaxContexts: 1}, nil, nil)
	assert.Error(t, err)

	_, err = NewPool(Config{MaxContexts: 0}, &fakeLauncher{}, nil)
	assert.Error(t, err)

	pool, err := NewPool(Config{MaxContexts: 2}, &fakeLauncher{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultUserAgent, pool.cfg.Identity.UserAgent)
	assert.False(t, pool.Stats().Initialized, "engine must not start before first use")
}

func TestPoolSingleLaunchUnderConcurrentAcquire(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{delay: 20 * time.Millisecond}
	pool := newTestPool(t, 10, launcher)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			lease.Release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire failed: %v", err)
	}

	assert.Equal(t, int32(1), launcher.launches.Load())
	assert.True(t, pool.Stats().Initialized)
	assert.Equal(t, int64(1), pool.Stats().EngineLaunches)
}

func TestPoolNeverExceedsMaxContexts(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, 3, launcher)

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				err := pool.WithPage(context.Background(), func(context.Context, Page) error {
					n := inUse.Add(1)
					for {
						prev := peak.Load()
						if n <= prev || peak.CompareAndSwap(prev, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inUse.Add(-1)
					return nil
				})
				if err != nil {
					t.Errorf("with page: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, launcher.engine(0).maxLive.Load(), int32(3))
	stats := pool.Stats()
	assert.LessOrEqual(t, stats.ActiveContexts, 3)
	assert.Equal(t, stats.ActiveContexts, stats.AvailableContexts, "all contexts must be back in the pool")
}

func TestPoolThirdAcquirerServedAfterRelease(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, 2, launcher)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		lease, err := pool.Acquire(ctx)
		if err != nil {
			t.Errorf("third acquire: %v", err)
			close(got)
			return
		}
		got <- lease
	}()

	select {
	case <-got:
		t.Fatal("third acquirer served while pool was full")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case third := <-got:
		require.NotNil(t, third)
		assert.Same(t, first.pc, third.pc, "released context must be reused")
		third.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquirer not served after release")
	}
	second.Release()

	assert.Equal(t, int32(2), launcher.engine(0).created.Load())
}

func TestPoolExhaustedOnDeadline(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1, &fakeLauncher{})
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, pool.Stats().ActiveContexts, "timed-out acquire must not leak a slot")

	held.Release()
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestPoolAcquireTimeoutConfig(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{MaxContexts: 1, AcquireTimeout: 20 * time.Millisecond}, &fakeLauncher{}, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoolWarmup(t *testing.T) {
	t.Parallel()

	t.Run("capped at max contexts", func(t *testing.T) {
		launcher := &fakeLauncher{}
		pool := newTestPool(t, 2, launcher)
		assert.Equal(t, 2, pool.Warmup(context.Background(), 10))
		stats := pool.Stats()
		assert.Equal(t, 2, stats.ActiveContexts)
		assert.Equal(t, 2, stats.AvailableContexts)
	})

	t.Run("stops at first failure without rollback", func(t *testing.T) {
		launcher := &fakeLauncher{configure: func(e *fakeEngine) { e.failAfter = 2 }}
		pool := newTestPool(t, 5, launcher)
		assert.Equal(t, 2, pool.Warmup(context.Background(), 4))
		stats := pool.Stats()
		assert.Equal(t, 2, stats.AvailableContexts)
		assert.Equal(t, 2, stats.ActiveContexts)
	})

	t.Run("launch failure creates nothing", func(t *testing.T) {
		launcher := &fakeLauncher{}
		launcher.failFirst.Store(1)
		pool := newTestPool(t, 2, launcher)
		assert.Equal(t, 0, pool.Warmup(context.Background(), 2))
	})

	t.Run("counts only free slots", func(t *testing.T) {
		pool := newTestPool(t, 3, &fakeLauncher{})
		lease, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		defer lease.Release()
		assert.Equal(t, 2, pool.Warmup(context.Background(), 3))
	})
}

func TestPoolCloseIdempotentAndAbandonsLeases(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool, err := NewPool(Config{MaxContexts: 3}, launcher, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, 2, pool.Warmup(ctx, 2))
	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
	assert.True(t, pool.Closed())
	engine := launcher.engine(0)
	assert.True(t, engine.closed.Load())
	assert.Equal(t, int32(1), engine.live.Load(), "only the leased context survives close")

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	lease.Release()
	assert.Equal(t, int32(0), engine.live.Load())
	assert.Equal(t, 0, pool.Stats().ActiveContexts)
	assert.Equal(t, 0, pool.Warmup(ctx, 1))
}

func TestPoolEngineDisconnectRelaunches(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, 2, launcher)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release()

	launcher.engine(0).connected.Store(false)
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 0, pool.Stats().ActiveContexts)
	assert.Equal(t, int32(0), launcher.engine(0).live.Load())

	lease, err = pool.Acquire(ctx)
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(2), launcher.launches.Load())
}

func TestPoolLeaseFromDiscardedEngineIsDestroyed(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool := newTestPool(t, 2, launcher)
	ctx := context.Background()

	stale, err := pool.Acquire(ctx)
	require.NoError(t, err)

	launcher.engine(0).connected.Store(false)
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrEngineUnavailable)

	fresh, err := pool.Acquire(ctx)
	require.NoError(t, err)

	stale.Release()
	assert.True(t, stale.pc.ExecutionContext.(*fakeContext).closed.Load())
	fresh.Release()

	stats := pool.Stats()
	assert.Equal(t, 1, stats.ActiveContexts)
	assert.Equal(t, 1, stats.AvailableContexts)
}

func TestPoolLaunchFailureIsRetried(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	launcher.failFirst.Store(1)
	pool := newTestPool(t, 1, launcher)

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.False(t, pool.Stats().Initialized)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, int32(2), launcher.launches.Load())
}

func TestPoolBrokenContextIsDestroyed(t *testing.T) {
	t.Parallel()

	boom := errors.New("target crashed")
	launcher := &fakeLauncher{configure: func(e *fakeEngine) { e.pageErr = boom }}
	pool := newTestPool(t, 1, launcher)

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 0, pool.Stats().ActiveContexts)
	assert.Equal(t, int32(0), launcher.engine(0).live.Load())
}

func TestPoolPageCloseErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{configure: func(e *fakeEngine) { e.pageCloseErr = errors.New("page gone") }}
	pool := newTestPool(t, 1, launcher)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotPanics(t, lease.Release)
	assert.NotPanics(t, lease.Release, "second release is ignored")

	stats := pool.Stats()
	assert.Equal(t, 1, stats.ActiveContexts)
	assert.Equal(t, 1, stats.AvailableContexts)
}

func TestPoolWithPageAlwaysReleases(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 1, &fakeLauncher{})
	ctx := context.Background()
	sentinel := errors.New("extraction failed")

	err := pool.WithPage(ctx, func(context.Context, Page) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, pool.Stats().AvailableContexts)

	assert.Panics(t, func() {
		_ = pool.WithPage(ctx, func(context.Context, Page) error { panic("boom") })
	})
	assert.Equal(t, 1, pool.Stats().AvailableContexts)

	var page Page
	require.NoError(t, pool.WithPage(ctx, func(_ context.Context, p Page) error {
		page = p
		html, err := p.HTML(ctx)
		assert.Equal(t, "<html></html>", html)
		return err
	}))
	assert.True(t, page.(*fakePage).closed.Load())
}

func TestPoolAppliesIdentity(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	pool, err := NewPool(Config{
		MaxContexts: 1,
		Identity:    Identity{UserAgent: "yoktez-test", JavaScriptEnabled: true},
	}, launcher, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	identity := lease.pc.ExecutionContext.(*fakeContext).identity
	assert.Equal(t, "yoktez-test", identity.UserAgent)
	assert.True(t, identity.JavaScriptEnabled)
	assert.False(t, identity.AcceptDownloads)
	assert.NotEmpty(t, lease.ID)
}
