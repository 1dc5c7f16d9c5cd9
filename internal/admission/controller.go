// Package admission gates new bot sessions on concurrency and process memory,
// and reclaims stale sessions when memory runs high.
package admission

import (
	"context"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/metrics"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonConcurrencyLimit Reason = "concurrency_limit"
	ReasonMemoryLimit      Reason = "memory_limit"
)

const (
	denyRatio     = 0.90
	pressureRatio = 0.80
)

// Decision is computed fresh on every check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Error is returned to callers whose join was denied. Retry later.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return "admission denied: " + string(e.Reason)
}

// Candidate is a live session eligible for reclamation.
type Candidate struct {
	MeetingID string
	StartedAt time.Time
}

// Sessions is the view of live sessions the controller needs.
type Sessions interface {
	ActiveCount() int
	Candidates() []Candidate
	Reclaim(ctx context.Context, meetingID, reason string)
}

// MemorySampler reports the process's resident memory in bytes.
type MemorySampler interface {
	Sample() (uint64, error)
}

// ProcessMemory reads RSS from /proc and falls back to the Go runtime's
// view on platforms without procfs.
type ProcessMemory struct{}

// Sample returns the current resident memory in bytes.
func (ProcessMemory) Sample() (uint64, error) {
	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			return uint64(stat.ResidentMemory()), nil
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}

// Options configure a Controller.
type Options struct {
	MaxConcurrent    int
	MemoryLimitBytes uint64
	StaleAge         time.Duration
}

// Controller is safe for concurrent use. It only reads atomics, so a
// decision may be a few hundred milliseconds stale; callers re-check at the
// moment of session creation.
type Controller struct {
	opts     Options
	sessions Sessions
	sampler  MemorySampler
	now      func() time.Time
	log      *zap.Logger

	memory atomic.Uint64
}

// NewController creates a controller. A nil sampler uses ProcessMemory.
func NewController(opts Options, sessions Sessions, sampler MemorySampler) *Controller {
	if sampler == nil {
		sampler = ProcessMemory{}
	}
	return &Controller{
		opts:     opts,
		sessions: sessions,
		sampler:  sampler,
		now:      time.Now,
		log:      logger.WithModule("admission"),
	}
}

// CanAdmit decides from the live session count and the last memory sample.
func (c *Controller) CanAdmit() Decision {
	if c.sessions.ActiveCount() >= c.opts.MaxConcurrent {
		metrics.AdmissionDenied.WithLabelValues(string(ReasonConcurrencyLimit)).Inc()
		return Decision{Reason: ReasonConcurrencyLimit}
	}
	if c.overRatio(c.memory.Load(), denyRatio) {
		metrics.AdmissionDenied.WithLabelValues(string(ReasonMemoryLimit)).Inc()
		return Decision{Reason: ReasonMemoryLimit}
	}
	return Decision{Allowed: true, Reason: ReasonOK}
}

// RecordMemorySample refreshes the memory reading used by CanAdmit.
func (c *Controller) RecordMemorySample() uint64 {
	usage, err := c.sampler.Sample()
	if err != nil {
		c.log.Warn("memory sample failed", zap.Error(err))
		return c.memory.Load()
	}
	c.memory.Store(usage)
	metrics.MemoryBytes.Set(float64(usage))
	return usage
}

// MemoryUsage returns the last sample.
func (c *Controller) MemoryUsage() uint64 {
	return c.memory.Load()
}

// Check is the periodic monitor body: sample memory and reclaim stale
// sessions when usage is above the pressure threshold.
func (c *Controller) Check(ctx context.Context) int {
	usage := c.RecordMemorySample()
	active := c.sessions.ActiveCount()

	c.log.Debug("resource check",
		zap.Int("active", active),
		zap.Int("max", c.opts.MaxConcurrent),
		zap.Uint64("memory_mb", usage/1024/1024),
		zap.Uint64("limit_mb", c.opts.MemoryLimitBytes/1024/1024),
	)

	if !c.overRatio(usage, pressureRatio) {
		return 0
	}

	c.log.Warn("high memory usage, reclaiming stale sessions",
		zap.Uint64("memory_mb", usage/1024/1024),
		zap.Uint64("limit_mb", c.opts.MemoryLimitBytes/1024/1024),
	)
	return c.ReclaimUnderPressure(ctx)
}

// ReclaimUnderPressure cleans up sessions older than StaleAge, oldest first.
// It may end a slow but healthy session.
func (c *Controller) ReclaimUnderPressure(ctx context.Context) int {
	cutoff := c.now().Add(-c.opts.StaleAge)

	var stale []Candidate
	for _, cand := range c.sessions.Candidates() {
		if cand.StartedAt.Before(cutoff) {
			stale = append(stale, cand)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StartedAt.Before(stale[j].StartedAt)
	})

	for _, cand := range stale {
		if ctx.Err() != nil {
			break
		}
		c.log.Warn("reclaiming stale session",
			zap.String("meeting_id", cand.MeetingID),
			zap.Duration("age", c.now().Sub(cand.StartedAt)),
		)
		c.sessions.Reclaim(ctx, cand.MeetingID, "memory pressure")
	}
	return len(stale)
}

func (c *Controller) overRatio(usage uint64, ratio float64) bool {
	if c.opts.MemoryLimitBytes == 0 {
		return false
	}
	return float64(usage) >= ratio*float64(c.opts.MemoryLimitBytes)
}
