package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saidsurucu/yoktez-mcp/internal/id/uuid"
	"github.com/saidsurucu/yoktez-mcp/internal/metrics"
)

// Pool lifecycle states.
const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
	stateClosed
)

// Config controls pool sizing and the identity applied to every context.
type Config struct {
	MaxContexts int
	// Headless is informational; the Launcher decides how the engine starts.
	Headless bool
	Identity Identity
	// AcquireTimeout bounds the wait for a free context when the caller's
	// context carries no deadline. Zero waits indefinitely.
	AcquireTimeout time.Duration
}

// IDGenerator produces lease identifiers for log correlation.
type IDGenerator interface {
	NewID() (string, error)
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Initialized       bool  `json:"initialized"`
	Headless          bool  `json:"headless"`
	MaxContexts       int   `json:"max_contexts"`
	ActiveContexts    int   `json:"active_contexts"`
	AvailableContexts int   `json:"available_contexts"`
	EngineLaunches    int64 `json:"engine_launches"`
}

// Pool hands out pages derived from a bounded set of reusable execution
// contexts, all drawn from one lazily launched engine.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	ids      IDGenerator

	state    atomic.Int32
	current  atomic.Pointer[engineHandle]
	gen      atomic.Uint64
	launches atomic.Int64

	// initMu serializes engine launch, teardown and Close.
	initMu sync.Mutex

	// mu guards leased, wake and closed. Every context counted in leased is
	// either checked out, sitting in available, or being created/destroyed.
	mu        sync.Mutex
	leased    int
	wake      chan struct{}
	closed    bool
	available chan *pooledContext
	done      chan struct{}
}

type engineHandle struct {
	engine     Engine
	generation uint64
}

type pooledContext struct {
	ExecutionContext
	generation uint64
}

// NewPool builds a pool. The engine is not launched until the first Acquire or Warmup.
func NewPool(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if cfg.MaxContexts <= 0 {
		return nil, fmt.Errorf("max contexts must be > 0, got %d", cfg.MaxContexts)
	}
	if cfg.Identity.UserAgent == "" {
		cfg.Identity.UserAgent = DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		launcher:  launcher,
		logger:    logger,
		ids:       uuid.NewGenerator(),
		wake:      make(chan struct{}),
		available: make(chan *pooledContext, cfg.MaxContexts),
		done:      make(chan struct{}),
	}, nil
}

// WithPage acquires a page, runs fn with it and always returns the backing
// context to the pool, whether fn succeeds, fails or panics.
func (p *Pool) WithPage(ctx context.Context, fn func(ctx context.Context, page Page) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx, lease.Page)
}

// Acquire checks out a context and derives a fresh page from it. The caller
// must call Release on the returned lease exactly once; extra calls are ignored.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	h, err := p.engineFor(ctx)
	if err != nil {
		metrics.ObservePoolAcquire("error", 0)
		return nil, err
	}

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok && p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	pc, outcome, err := p.checkout(waitCtx, h)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			outcome = "exhausted"
		}
		metrics.ObservePoolAcquire(outcome, time.Since(start))
		return nil, err
	}
	metrics.ObservePoolAcquire(outcome, time.Since(start))

	page, err := pc.NewPage(ctx)
	if err != nil {
		p.destroy(pc, "page creation failed")
		if !h.engine.Connected() {
			p.discardEngine(h)
			return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		}
		return nil, fmt.Errorf("new page: %w", err)
	}

	id, idErr := p.ids.NewID()
	if idErr != nil {
		id = "unknown"
	}
	lease := &Lease{
		ID:         id,
		Page:       page,
		AcquiredAt: start,
		pool:       p,
		pc:         pc,
	}
	p.logger.Debug("Context leased",
		zap.String("lease_id", id),
		zap.String("source", outcome),
		zap.Duration("wait", time.Since(start)),
	)
	p.reportOccupancy()
	return lease, nil
}

// Warmup eagerly creates up to min(count, MaxContexts) contexts. It stops at
// the first failure, keeps whatever was created and reports how many were added.
func (p *Pool) Warmup(ctx context.Context, count int) int {
	if count > p.cfg.MaxContexts {
		count = p.cfg.MaxContexts
	}
	if count <= 0 {
		return 0
	}
	p.logger.Info("Warming up browser pool", zap.Int("count", count))

	h, err := p.engineFor(ctx)
	if err != nil {
		p.logger.Error("Warmup could not start engine", zap.Error(err))
		return 0
	}

	created := 0
	for i := 0; i < count; i++ {
		if !p.reserveSlot() {
			break
		}
		pc, err := p.create(ctx, h)
		if err != nil {
			p.releaseSlot()
			p.logger.Error("Error during warmup", zap.Error(err), zap.Int("created", created))
			break
		}
		if !p.deposit(pc) {
			p.destroy(pc, "pool closed during warmup")
			break
		}
		created++
	}

	p.reportOccupancy()
	p.logger.Info("Browser pool warmed up",
		zap.Int("created", created),
		zap.Int("available", len(p.available)),
	)
	return created
}

// Close destroys every available context and shuts the engine down. Leased
// contexts are not reclaimed; they are destroyed when their lease is released.
// Close is idempotent.
func (p *Pool) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.state.Load() == stateClosed {
		return nil
	}
	p.logger.Info("Closing browser pool")
	p.state.Store(stateClosed)
	h := p.current.Swap(nil)

	p.mu.Lock()
	p.closed = true
	close(p.done)
	drained := p.drainLocked()
	p.leased -= len(drained)
	p.broadcastLocked()
	p.mu.Unlock()

	for _, pc := range drained {
		if err := pc.Close(); err != nil {
			p.logger.Warn("Error closing context", zap.Error(err))
		}
	}
	p.reportOccupancy()

	if h == nil {
		p.logger.Info("Browser pool closed")
		return nil
	}
	if err := h.engine.Close(); err != nil {
		p.logger.Warn("Error closing engine", zap.Error(err))
		return fmt.Errorf("close engine: %w", err)
	}
	p.logger.Info("Browser pool closed")
	return nil
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	return p.state.Load() == stateClosed
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active := p.leased
	p.mu.Unlock()
	return Stats{
		Initialized:       p.state.Load() == stateReady,
		Headless:          p.cfg.Headless,
		MaxContexts:       p.cfg.MaxContexts,
		ActiveContexts:    active,
		AvailableContexts: len(p.available),
		EngineLaunches:    p.launches.Load(),
	}
}

// engineFor returns a ready, connected engine, launching it if needed.
func (p *Pool) engineFor(ctx context.Context) (*engineHandle, error) {
	h, err := p.ensureEngine(ctx)
	if err != nil {
		return nil, err
	}
	if !h.engine.Connected() {
		p.discardEngine(h)
		return nil, fmt.Errorf("%w: engine disconnected", ErrEngineUnavailable)
	}
	return h, nil
}

// ensureEngine is double-checked: the atomic state is read without the lock
// on the fast path and re-read under initMu before launching.
func (p *Pool) ensureEngine(ctx context.Context) (*engineHandle, error) {
	if p.state.Load() == stateReady {
		if h := p.current.Load(); h != nil {
			return h, nil
		}
	}

	p.initMu.Lock()
	defer p.initMu.Unlock()

	switch p.state.Load() {
	case stateClosed:
		return nil, ErrPoolClosed
	case stateReady:
		if h := p.current.Load(); h != nil {
			return h, nil
		}
	}

	p.state.Store(stateInitializing)
	p.logger.Info("Initializing browser engine", zap.Bool("headless", p.cfg.Headless))
	p.launches.Add(1)
	engine, err := p.launcher.Launch(ctx)
	if err != nil {
		p.state.Store(stateUninitialized)
		metrics.ObserveEngineLaunch("error")
		p.logger.Error("Browser engine launch failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	h := &engineHandle{engine: engine, generation: p.gen.Add(1)}
	p.current.Store(h)
	p.state.Store(stateReady)
	metrics.ObserveEngineLaunch("success")
	p.logger.Info("Browser engine ready",
		zap.Bool("headless", p.cfg.Headless),
		zap.Uint64("generation", h.generation),
	)
	return h, nil
}

// discardEngine tears down a disconnected engine so the next acquisition
// relaunches it. Pooled contexts of that engine are destroyed; leased ones are
// destroyed on release because their generation no longer matches.
func (p *Pool) discardEngine(h *engineHandle) {
	p.initMu.Lock()
	if p.state.Load() != stateReady || p.current.Load() != h {
		p.initMu.Unlock()
		return
	}
	p.current.Store(nil)
	p.state.Store(stateUninitialized)
	p.initMu.Unlock()

	p.logger.Warn("Browser engine disconnected; discarding",
		zap.Uint64("generation", h.generation),
	)

	p.mu.Lock()
	drained := p.drainLocked()
	p.leased -= len(drained)
	p.broadcastLocked()
	p.mu.Unlock()

	for _, pc := range drained {
		if err := pc.Close(); err != nil {
			p.logger.Debug("Error closing context of disconnected engine", zap.Error(err))
		}
	}
	if err := h.engine.Close(); err != nil {
		p.logger.Debug("Error closing disconnected engine", zap.Error(err))
	}
	p.reportOccupancy()
}

// checkout returns an available context, creates one if below capacity, or
// blocks until one is released.
func (p *Pool) checkout(ctx context.Context, h *engineHandle) (*pooledContext, string, error) {
	outcome := "reused"
	for {
		select {
		case pc := <-p.available:
			if !p.isCurrent(pc) {
				p.destroy(pc, "stale engine generation")
				continue
			}
			return pc, outcome, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, outcome, ErrPoolClosed
		}
		if p.leased < p.cfg.MaxContexts {
			p.leased++
			p.mu.Unlock()
			pc, err := p.create(ctx, h)
			if err != nil {
				p.releaseSlot()
				return nil, "error", err
			}
			return pc, "created", nil
		}
		wake := p.wake
		p.mu.Unlock()

		p.logger.Debug("Pool full, waiting for available context")
		outcome = "waited"
		select {
		case pc := <-p.available:
			if !p.isCurrent(pc) {
				p.destroy(pc, "stale engine generation")
				continue
			}
			return pc, outcome, nil
		case <-wake:
		case <-p.done:
			return nil, outcome, ErrPoolClosed
		case <-ctx.Done():
			return nil, outcome, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
		}
	}
}

func (p *Pool) isCurrent(pc *pooledContext) bool {
	h := p.current.Load()
	return h != nil && h.generation == pc.generation
}

func (p *Pool) create(ctx context.Context, h *engineHandle) (*pooledContext, error) {
	ec, err := h.engine.NewContext(ctx, p.cfg.Identity)
	if err != nil {
		if !h.engine.Connected() {
			p.discardEngine(h)
			return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		}
		return nil, fmt.Errorf("create context: %w", err)
	}
	return &pooledContext{ExecutionContext: ec, generation: h.generation}, nil
}

// release puts a context back into the available set, or destroys it when the
// pool is closed or the context belongs to a discarded engine.
func (p *Pool) release(pc *pooledContext) {
	p.mu.Lock()
	current := p.current.Load()
	if p.closed || current == nil || current.generation != pc.generation {
		p.mu.Unlock()
		p.destroy(pc, "context not returnable")
		return
	}
	select {
	case p.available <- pc:
		p.mu.Unlock()
		p.logger.Debug("Returned context to pool")
	default:
		p.mu.Unlock()
		p.destroy(pc, "available set full")
	}
	p.reportOccupancy()
}

// deposit adds a freshly created context to the available set.
func (p *Pool) deposit(pc *pooledContext) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.available <- pc:
		return true
	default:
		return false
	}
}

// destroy closes a context and frees its slot.
func (p *Pool) destroy(pc *pooledContext, reason string) {
	if err := pc.Close(); err != nil {
		p.logger.Warn("Error closing context", zap.String("reason", reason), zap.Error(err))
	} else {
		p.logger.Debug("Context destroyed", zap.String("reason", reason))
	}
	p.releaseSlot()
	p.reportOccupancy()
}

func (p *Pool) reserveSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.leased >= p.cfg.MaxContexts {
		return false
	}
	p.leased++
	return true
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	if p.leased > 0 {
		p.leased--
	}
	p.broadcastLocked()
	p.mu.Unlock()
}

// broadcastLocked wakes every waiter blocked on a full pool. Caller holds mu.
func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// drainLocked empties the available set. Caller holds mu.
func (p *Pool) drainLocked() []*pooledContext {
	var drained []*pooledContext
	for {
		select {
		case pc := <-p.available:
			drained = append(drained, pc)
		default:
			return drained
		}
	}
}

func (p *Pool) reportOccupancy() {
	s := p.Stats()
	metrics.SetPoolContexts(s.ActiveContexts, s.AvailableContexts)
}

// Lease is exclusive, temporary use of one pooled context through a private page.
type Lease struct {
	ID         string
	Page       Page
	AcquiredAt time.Time

	pool *Pool
	pc   *pooledContext
	once sync.Once
}

// Release closes the page and returns the context to the pool. Failures are
// logged and never returned; the pool's slot accounting is corrected instead.
func (l *Lease) Release() {
	l.once.Do(func() {
		if err := l.Page.Close(); err != nil {
			l.pool.logger.Warn("Error closing page", zap.String("lease_id", l.ID), zap.Error(err))
		}
		l.pool.release(l.pc)
		l.pool.logger.Debug("Lease released",
			zap.String("lease_id", l.ID),
			zap.Duration("held", time.Since(l.AcquiredAt)),
		)
	})
}
