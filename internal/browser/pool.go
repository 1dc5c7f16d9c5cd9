package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/metrics"
)

var (
	// ErrPoolExhausted is returned when no handle frees up before the acquire timeout.
	// It is transient; callers may retry the whole join after a backoff.
	ErrPoolExhausted = errors.New("browser pool exhausted: all browsers busy")
	// ErrPoolClosed is returned once Shutdown has been called.
	ErrPoolClosed = errors.New("browser pool is shut down")
)

// State of a pooled handle.
type State string

const (
	StateAvailable State = "available"
	StateInUse     State = "in_use"
)

// Instance is a launched browser process.
type Instance interface {
	// ControlURL is the CDP websocket endpoint of the browser.
	ControlURL() string
	// Rod returns the connected rod browser, or nil for instances without one.
	Rod() *rod.Browser
	Close(ctx context.Context) error
}

// Launcher spawns browser processes. Launching is the most expensive
// operation in the worker; the pool exists to amortize it.
type Launcher interface {
	Launch(ctx context.Context, id string) (Instance, error)
}

// Handle is a pooled browser. Sessions borrow it for their lifetime and
// must hand it back through Release exactly once.
type Handle struct {
	ID        string
	CreatedAt time.Time

	instance       Instance
	state          State
	lastReleasedAt time.Time
}

// ControlURL returns the CDP endpoint of the underlying browser.
func (h *Handle) ControlURL() string { return h.instance.ControlURL() }

// Rod returns the connected rod browser, if the launcher provides one.
func (h *Handle) Rod() *rod.Browser { return h.instance.Rod() }

// Options configure a Pool.
type Options struct {
	MaxInstances   int
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	// MinIdle is the number of idle handles CleanupIdle keeps warm. Zero
	// means the default of one; a negative value keeps none.
	MinIdle int
}

// DefaultOptions mirrors the worker defaults.
func DefaultOptions() Options {
	return Options{
		MaxInstances:   5,
		AcquireTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		MinIdle:        1,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Max       int `json:"max"`
}

// Pool is a bounded set of browser handles.
type Pool struct {
	launcher Launcher
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	handles   map[string]*Handle
	available []string
	launching int
	closed    bool
}

// NewPool creates an empty pool. Browsers are launched lazily by Acquire.
func NewPool(launcher Launcher, opts Options) *Pool {
	defaults := DefaultOptions()
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = defaults.MaxInstances
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaults.AcquireTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	switch {
	case opts.MinIdle == 0:
		opts.MinIdle = defaults.MinIdle
	case opts.MinIdle < 0:
		opts.MinIdle = 0
	}

	return &Pool{
		launcher: launcher,
		opts:     opts,
		log:      logger.WithModule("browser-pool"),
		now:      time.Now,
		handles:  make(map[string]*Handle),
	}
}

// Acquire returns an available handle, launches a new one while below
// MaxInstances, or waits (polling, without holding the lock) until one is
// released. It fails with ErrPoolExhausted after AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	started := time.Now()
	defer func() { metrics.PoolAcquireLatency.Observe(time.Since(started).Seconds()) }()

	var (
		timeout *time.Timer
		ticker  *time.Ticker
	)
	defer func() {
		if timeout != nil {
			timeout.Stop()
			ticker.Stop()
		}
	}()

	for {
		handle, reserved, err := p.take()
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
		if reserved {
			return p.launch(ctx)
		}

		if timeout == nil {
			p.log.Info("browser pool full, waiting for a release", zap.Int("max", p.opts.MaxInstances))
			timeout = time.NewTimer(p.opts.AcquireTimeout)
			ticker = time.NewTicker(p.opts.PollInterval)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, ErrPoolExhausted
		case <-ticker.C:
		}
	}
}

// take pops an available handle or reserves a launch slot.
func (p *Pool) take() (*Handle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrPoolClosed
	}

	if n := len(p.available); n > 0 {
		id := p.available[n-1]
		p.available = p.available[:n-1]
		handle := p.handles[id]
		handle.state = StateInUse
		p.publishLocked()
		p.log.Debug("reusing browser from pool", zap.String("browser_id", id), zap.Int("available", len(p.available)))
		return handle, false, nil
	}

	if len(p.handles)+p.launching < p.opts.MaxInstances {
		p.launching++
		return nil, true, nil
	}

	return nil, false, nil
}

func (p *Pool) launch(ctx context.Context) (*Handle, error) {
	id := uuid.NewString()
	instance, err := p.launcher.Launch(ctx, id)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = instance.Close(context.Background())
		return nil, ErrPoolClosed
	}

	handle := &Handle{
		ID:        id,
		CreatedAt: p.now(),
		instance:  instance,
		state:     StateInUse,
	}
	p.handles[id] = handle
	total := len(p.handles)
	p.publishLocked()
	p.mu.Unlock()

	p.log.Info("launched browser", zap.String("browser_id", id), zap.Int("total", total), zap.Int("max", p.opts.MaxInstances))
	return handle, nil
}

// Release marks the handle available again. It never destroys the browser.
// Releasing a handle that is unknown or already available is a no-op and
// reports false.
func (p *Pool) Release(handle *Handle) bool {
	if handle == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.handles[handle.ID]
	if !ok || current.state != StateInUse {
		return false
	}
	current.state = StateAvailable
	current.lastReleasedAt = p.now()
	p.available = append(p.available, current.ID)
	p.publishLocked()

	p.log.Debug("released browser to pool", zap.String("browser_id", current.ID), zap.Int("available", len(p.available)))
	return true
}

// CleanupIdle closes idle handles, oldest release first, down to MinIdle.
func (p *Pool) CleanupIdle(ctx context.Context) (int, error) {
	p.mu.Lock()
	var victims []*Handle
	for len(p.available) > p.opts.MinIdle {
		id := p.available[0]
		p.available = p.available[1:]
		victims = append(victims, p.handles[id])
		delete(p.handles, id)
	}
	available, inUse := p.countsLocked()
	p.publishLocked()
	p.mu.Unlock()

	p.log.Info("browser pool cleanup", zap.Int("closing", len(victims)), zap.Int("available", available), zap.Int("in_use", inUse))

	var errs error
	for _, handle := range victims {
		if err := handle.instance.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close browser %s: %w", handle.ID, err))
		}
	}
	return len(victims), errs
}

// Shutdown closes every browser regardless of state. Later calls to Acquire
// fail with ErrPoolClosed and late releases are ignored. Safe to call twice.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	victims := make([]*Handle, 0, len(p.handles))
	for _, handle := range p.handles {
		victims = append(victims, handle)
	}
	p.handles = make(map[string]*Handle)
	p.available = nil
	p.publishLocked()
	p.mu.Unlock()

	var errs error
	for _, handle := range victims {
		if err := handle.instance.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close browser %s: %w", handle.ID, err))
			continue
		}
		p.log.Info("closed browser during shutdown", zap.String("browser_id", handle.ID))
	}
	return errs
}

// Stats reports handle counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	available, inUse := p.countsLocked()
	return Stats{
		Total:     len(p.handles),
		Available: available,
		InUse:     inUse,
		Max:       p.opts.MaxInstances,
	}
}

func (p *Pool) countsLocked() (available, inUse int) {
	available = len(p.available)
	return available, len(p.handles) - available
}

func (p *Pool) publishLocked() {
	available, inUse := p.countsLocked()
	metrics.PoolHandles.WithLabelValues(string(StateAvailable)).Set(float64(available))
	metrics.PoolHandles.WithLabelValues(string(StateInUse)).Set(float64(inUse))
}
