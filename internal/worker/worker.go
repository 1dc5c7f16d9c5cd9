// Package worker is the orchestrator core: it admits join requests, leases
// browsers, runs one session per meeting and drains everything on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/meetbot/internal/admission"
	"github.com/shehryarbajwa/meetbot/internal/browser"
	"github.com/shehryarbajwa/meetbot/internal/controlplane"
	"github.com/shehryarbajwa/meetbot/internal/driver"
	"github.com/shehryarbajwa/meetbot/internal/meeting"
	"github.com/shehryarbajwa/meetbot/internal/session"
	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

var (
	// ErrNotFound means no live bot serves the meeting.
	ErrNotFound = errors.New("bot not found")
	// ErrShuttingDown rejects joins once Shutdown started.
	ErrShuttingDown = errors.New("worker is shutting down")
	// ErrInvalidMeeting wraps meeting link parse failures.
	ErrInvalidMeeting = errors.New("invalid meeting")
)

const poolShutdownTimeout = 10 * time.Second

// Pool is the browser pool as the worker uses it.
type Pool interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(h *browser.Handle) bool
	Stats() browser.Stats
	Shutdown(ctx context.Context) error
}

// ControlPlane is the bus and cache shared with other workers.
type ControlPlane interface {
	session.ControlPlane
	Subscribe(ctx context.Context, handler controlplane.Handler, channels ...string) error
	GetCache(ctx context.Context, key string, dest interface{}) (bool, error)
	Mode() controlplane.Mode
	Close() error
}

// Options configure a Worker.
type Options struct {
	WorkerID         string
	MaxConcurrent    int
	MemoryLimitBytes uint64
	StaleAge         time.Duration
	ShutdownTimeout  time.Duration
	Session          session.Config
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Pool        Pool
	Control     ControlPlane
	OpenDriver  session.DriverOpener
	Transcriber session.Transcriber
	Sink        session.TranscriptSink
	Notifier    session.Notifier
	Artifacts   session.ArtifactStore
	// Sampler defaults to admission.ProcessMemory.
	Sampler admission.MemorySampler
}

// JoinRequest asks for a bot in a meeting. Link may be a join URL or a bare
// meeting id; when MeetingID is empty it is taken from Link.
type JoinRequest struct {
	MeetingID string
	Link      string
	Password  string
	UserID    string
	BotName   string
}

// Worker owns the registry, the admission controller and the shared
// collaborators. It is safe for concurrent use.
type Worker struct {
	opts      Options
	deps      Deps
	registry  *session.Registry
	admission *admission.Controller
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// admitMu serialises the duplicate check, the admission decision and
	// the registry insert.
	admitMu sync.Mutex
	closing atomic.Bool
}

// New creates a worker. Sessions run on a context owned by the worker, not
// by the request that created them.
func New(opts Options, deps Deps) *Worker {
	if opts.WorkerID != "" {
		opts.Session.WorkerID = opts.WorkerID
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		opts:     opts,
		deps:     deps,
		registry: session.NewRegistry(),
		log:      logger.WithModule("worker"),
		ctx:      ctx,
		cancel:   cancel,
	}
	w.admission = admission.NewController(admission.Options{
		MaxConcurrent:    opts.MaxConcurrent,
		MemoryLimitBytes: opts.MemoryLimitBytes,
		StaleAge:         opts.StaleAge,
	}, w, deps.Sampler)
	return w
}

// RodOpener opens meeting pages on the handle's rod browser.
func RodOpener(selectors driver.Selectors) session.DriverOpener {
	return func(ctx context.Context, h *browser.Handle) (driver.Client, error) {
		b := h.Rod()
		if b == nil {
			return nil, fmt.Errorf("browser %s has no rod connection", h.ID)
		}
		client, err := driver.Open(ctx, b, selectors)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// RequestJoin starts a bot for the meeting. A live bot for the same meeting
// is reported with AlreadyActive and no error. Denials return
// *admission.Error; a pool timeout returns browser.ErrPoolExhausted.
func (w *Worker) RequestJoin(ctx context.Context, req JoinRequest) (models.JoinResponse, error) {
	if w.closing.Load() {
		return models.JoinResponse{}, ErrShuttingDown
	}

	link := strings.TrimSpace(req.Link)
	if link == "" {
		link = req.MeetingID
	}
	info, err := meeting.Parse(link, req.Password)
	if err != nil {
		return models.JoinResponse{}, fmt.Errorf("%w: %v", ErrInvalidMeeting, err)
	}
	meetingID := strings.TrimSpace(req.MeetingID)
	if meetingID == "" {
		meetingID = info.MeetingID
	}

	w.admission.RecordMemorySample()

	w.admitMu.Lock()
	if w.closing.Load() {
		w.admitMu.Unlock()
		return models.JoinResponse{}, ErrShuttingDown
	}
	if existing, ok := w.registry.Get(meetingID); ok {
		w.admitMu.Unlock()
		w.log.Info("bot already active", zap.String("meeting_id", meetingID))
		return models.JoinResponse{
			MeetingID:     meetingID,
			State:         existing.State(),
			AlreadyActive: true,
			Domain:        info.Domain,
		}, nil
	}
	if decision := w.admission.CanAdmit(); !decision.Allowed {
		w.admitMu.Unlock()
		w.log.Warn("join denied",
			zap.String("meeting_id", meetingID),
			zap.String("reason", string(decision.Reason)),
		)
		return models.JoinResponse{}, &admission.Error{Reason: decision.Reason}
	}
	s := session.New(session.Params{
		MeetingID: meetingID,
		UserID:    req.UserID,
		JoinURL:   info.WebClientURL,
		Password:  info.Password,
		BotName:   req.BotName,
	}, w.opts.Session, w.sessionDeps())
	w.registry.InsertIfAbsent(s)
	w.admitMu.Unlock()

	handle, err := w.deps.Pool.Acquire(ctx)
	if err != nil {
		s.Fail(fmt.Errorf("acquire browser: %w", err))
		return models.JoinResponse{}, err
	}
	if !s.Attach(handle) {
		// Stopped while waiting for the pool.
		w.deps.Pool.Release(handle)
		return models.JoinResponse{MeetingID: meetingID, State: s.State(), Domain: info.Domain}, nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		s.Run(w.ctx)
	}()

	w.log.Info("bot launched",
		zap.String("meeting_id", meetingID),
		zap.String("user_id", req.UserID),
		zap.String("browser_id", handle.ID),
	)
	return models.JoinResponse{MeetingID: meetingID, State: s.State(), Domain: info.Domain}, nil
}

func (w *Worker) sessionDeps() session.Deps {
	return session.Deps{
		OpenDriver:  w.deps.OpenDriver,
		Pool:        w.deps.Pool,
		Transcriber: w.deps.Transcriber,
		Sink:        w.deps.Sink,
		Notifier:    w.deps.Notifier,
		Control:     w.deps.Control,
		Artifacts:   w.deps.Artifacts,
		OnCleanedUp: func(s *session.Session) {
			w.registry.Remove(s.MeetingID(), s)
		},
	}
}

// RequestStop signals the meeting's bot to stop. Repeated calls are fine.
func (w *Worker) RequestStop(meetingID, reason string) error {
	s, ok := w.registry.Get(meetingID)
	if !ok {
		return ErrNotFound
	}
	if reason == "" {
		reason = "manual stop"
	}
	s.SignalStop(reason)
	return nil
}

// EndMeeting stops the local bot and tells other workers the meeting ended.
// It reports whether a bot on this worker was stopped.
func (w *Worker) EndMeeting(ctx context.Context, meetingID, reason string) (bool, error) {
	if reason == "" {
		reason = "meeting ended"
	}
	local := w.RequestStop(meetingID, reason) == nil
	err := w.deps.Control.Publish(ctx, models.ChannelMeetingEnded, models.ControlMessage{
		MeetingID: meetingID,
		Payload:   map[string]interface{}{"reason": reason},
	})
	return local, err
}

// SendCommand applies a bot command locally and forwards it to other
// workers. It reports whether a bot on this worker received it.
func (w *Worker) SendCommand(ctx context.Context, meetingID, command string) (bool, error) {
	local := w.apply(meetingID, command)
	err := w.deps.Control.Publish(ctx, models.ChannelBotCommands, models.ControlMessage{
		MeetingID: meetingID,
		Command:   command,
	})
	return local, err
}

// HandleCommand is the control plane subscriber. Messages for meetings this
// worker does not serve are ignored.
func (w *Worker) HandleCommand(_ context.Context, msg models.ControlMessage) {
	log := w.log.With(
		zap.String("channel", msg.Channel),
		zap.String("meeting_id", msg.MeetingID),
		zap.String("from", msg.WorkerID),
	)

	switch msg.Channel {
	case models.ChannelMeetingEnded:
		if w.RequestStop(msg.MeetingID, "meeting ended") == nil {
			log.Info("meeting ended by control message")
		}
	case models.ChannelBotCommands:
		if w.apply(msg.MeetingID, msg.Command) {
			log.Info("bot command applied", zap.String("command", msg.Command))
		}
	case models.ChannelMeetingStarted, models.ChannelTranscriptionComplete:
		log.Debug("control event")
	default:
		log.Debug("ignoring control message")
	}
}

func (w *Worker) apply(meetingID, command string) bool {
	switch command {
	case models.CommandStopRecording:
		return w.RequestStop(meetingID, "stop command") == nil
	case models.CommandEndMeeting:
		return w.RequestStop(meetingID, "end meeting command") == nil
	default:
		w.log.Warn("unknown bot command", zap.String("command", command))
		return false
	}
}

// GetStatus returns the live status, or the final snapshot cached at
// cleanup once the bot left the registry.
func (w *Worker) GetStatus(ctx context.Context, meetingID string) (models.BotStatus, error) {
	if s, ok := w.registry.Get(meetingID); ok {
		return s.Status(), nil
	}

	var status models.BotStatus
	found, err := w.deps.Control.GetCache(ctx, session.StatusKey(meetingID), &status)
	if err != nil {
		return models.BotStatus{}, err
	}
	if !found {
		return models.BotStatus{}, ErrNotFound
	}
	return status, nil
}

// DebugTarget returns the CDP endpoint of the browser leased by the
// meeting's bot.
func (w *Worker) DebugTarget(meetingID string) (string, error) {
	s, ok := w.registry.Get(meetingID)
	if !ok {
		return "", ErrNotFound
	}
	h := s.Handle()
	if h == nil {
		return "", ErrNotFound
	}
	return h.ControlURL(), nil
}

// Screenshot captures the meeting page of a live bot.
func (w *Worker) Screenshot(ctx context.Context, meetingID string) ([]byte, error) {
	s, ok := w.registry.Get(meetingID)
	if !ok {
		return nil, ErrNotFound
	}
	return s.Screenshot(ctx)
}

// ListActive lists live bots, oldest first.
func (w *Worker) ListActive() []models.BotSummary {
	sessions := w.registry.Snapshot()
	out := make([]models.BotSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// HealthSnapshot reports capacity and resource usage.
func (w *Worker) HealthSnapshot() models.Health {
	stats := w.deps.Pool.Stats()
	return models.Health{
		WorkerID:         w.opts.WorkerID,
		ActiveCount:      w.registry.Len(),
		PoolAvailable:    stats.Available,
		PoolInUse:        stats.InUse,
		PoolTotal:        stats.Total,
		PoolMax:          stats.Max,
		MemoryUsageBytes: w.admission.MemoryUsage(),
		MemoryLimitBytes: w.opts.MemoryLimitBytes,
		ControlPlaneMode: string(w.deps.Control.Mode()),
		Timestamp:        time.Now(),
	}
}

// CheckResources samples memory and reclaims stale bots under pressure.
func (w *Worker) CheckResources(ctx context.Context) int {
	return w.admission.Check(ctx)
}

// ActiveCount implements admission.Sessions.
func (w *Worker) ActiveCount() int { return w.registry.Len() }

// Candidates implements admission.Sessions.
func (w *Worker) Candidates() []admission.Candidate {
	sessions := w.registry.Snapshot()
	out := make([]admission.Candidate, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, admission.Candidate{MeetingID: s.MeetingID(), StartedAt: s.StartedAt()})
	}
	return out
}

// Reclaim implements admission.Sessions. It waits for the cleanup until ctx
// is done.
func (w *Worker) Reclaim(ctx context.Context, meetingID, reason string) {
	s, ok := w.registry.Get(meetingID)
	if !ok {
		return
	}
	s.SignalStop(reason)
	go s.Cleanup()

	select {
	case <-s.Done():
	case <-ctx.Done():
		w.log.Warn("reclaim still running", zap.String("meeting_id", meetingID))
	}
}

// Shutdown stops admissions, cleans up every bot, then drains the pool and
// closes the control plane. Bots still running after ShutdownTimeout are
// abandoned and their browsers closed with the pool.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.admitMu.Lock()
	already := w.closing.Swap(true)
	w.admitMu.Unlock()
	if already {
		return nil
	}

	sessions := w.registry.Snapshot()
	w.log.Info("shutting down", zap.Int("active", len(sessions)))

	drainCtx, cancel := context.WithTimeout(ctx, w.opts.ShutdownTimeout)
	defer cancel()

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   error
	)
	for _, s := range sessions {
		g.Go(func() error {
			s.SignalStop("worker shutdown")
			go s.Cleanup()
			select {
			case <-s.Done():
				return nil
			case <-drainCtx.Done():
				w.log.Warn("abandoning bot", zap.String("meeting_id", s.MeetingID()), zap.String("state", string(s.State())))
				errsMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("bot %s abandoned: %w", s.MeetingID(), drainCtx.Err()))
				errsMu.Unlock()
				return nil
			}
		})
	}
	_ = g.Wait()
	w.cancel()

	poolCtx, poolCancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer poolCancel()
	if err := w.deps.Pool.Shutdown(poolCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("browser pool: %w", err))
	}
	if err := w.deps.Control.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("control plane: %w", err))
	}

	w.log.Info("shutdown complete", zap.Error(errs))
	return errs
}

// Wait blocks until every session goroutine returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
