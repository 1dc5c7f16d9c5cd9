// Package session drives one bot through a meeting: join, audio capture,
// transcription hand-off and cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/internal/browser"
	"github.com/shehryarbajwa/meetbot/internal/driver"
	"github.com/shehryarbajwa/meetbot/internal/transcribe"
	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/metrics"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

const (
	recordingStartTTL = 2 * time.Hour
	transcriptTTL     = 24 * time.Hour
	// StatusTTL is how long the final status snapshot stays in the cache.
	StatusTTL = 24 * time.Hour
)

// StatusKey is the cache key of a session's final status.
func StatusKey(meetingID string) string { return "bot:status:" + meetingID }

func recordingStartKey(meetingID string) string { return "recording:" + meetingID + ":start" }

func transcriptKey(meetingID string) string { return "transcript:" + meetingID }

// Transcriber converts recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (transcribe.Result, error)
}

// TranscriptSink persists transcripts.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, t models.Transcript) (string, error)
}

// Notifier delivers lifecycle events. It must not fail the caller.
type Notifier interface {
	Notify(ctx context.Context, event string, data interface{})
}

// ControlPlane is the subset of the control plane sessions use.
type ControlPlane interface {
	Publish(ctx context.Context, channel string, msg models.ControlMessage) error
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	RecordMetric(ctx context.Context, metricType string, value float64, tags map[string]string)
}

// ArtifactStore keeps recordings on durable storage.
type ArtifactStore interface {
	Write(meetingID string, data []byte) (models.Recording, error)
	Read(rec models.Recording) ([]byte, error)
	Remove(rec models.Recording) error
}

// HandleReleaser takes a borrowed browser back.
type HandleReleaser interface {
	Release(h *browser.Handle) bool
}

// DriverOpener opens a meeting page on a leased browser.
type DriverOpener func(ctx context.Context, h *browser.Handle) (driver.Client, error)

// Deps are the collaborators of a session.
type Deps struct {
	OpenDriver  DriverOpener
	Pool        HandleReleaser
	Transcriber Transcriber
	Sink        TranscriptSink
	Notifier    Notifier
	Control     ControlPlane
	Artifacts   ArtifactStore
	// OnCleanedUp runs once, after the session reached cleaned_up.
	OnCleanedUp func(s *Session)
}

// Config holds the per-session timings and limits.
type Config struct {
	WorkerID           string
	BotName            string
	StepTimeout        time.Duration
	JoinTimeout        time.Duration
	JoinPollInterval   time.Duration
	AudioRetryInterval time.Duration
	AudioMaxAttempts   int
	MinTranscriptChars int
	EndCheckInterval   time.Duration
	ChunkDrainInterval time.Duration
	CleanupTimeout     time.Duration
	TranscribeTimeout  time.Duration
	// AnnounceMessage is spoken and posted to chat once recording starts.
	// Empty disables the announcement.
	AnnounceMessage string
	AnnounceHold    time.Duration
}

// DefaultConfig mirrors the worker defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:           "worker-1",
		BotName:            "Meeting Notes Bot",
		StepTimeout:        30 * time.Second,
		JoinTimeout:        60 * time.Second,
		JoinPollInterval:   time.Second,
		AudioRetryInterval: 3 * time.Second,
		AudioMaxAttempts:   20,
		MinTranscriptChars: 3,
		EndCheckInterval:   30 * time.Second,
		ChunkDrainInterval: 10 * time.Second,
		CleanupTimeout:     30 * time.Second,
		TranscribeTimeout:  5 * time.Minute,
		AnnounceMessage:    "Recording started",
		AnnounceHold:       4 * time.Second,
	}
}

// Params identify the meeting to join.
type Params struct {
	MeetingID string
	UserID    string
	JoinURL   string
	Password  string
	BotName   string
}

// Session is one bot in one meeting. Its state is mutated by its own Run
// goroutine; SignalStop and Cleanup may be called from anywhere.
type Session struct {
	params Params
	cfg    Config
	deps   Deps
	log    *zap.Logger
	now    func() time.Time

	startedAt time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	stopping  atomic.Bool
	done      chan struct{}
	rec       recorder

	cleanupOnce sync.Once

	mu                     sync.Mutex
	state                  models.BotState
	lastUpdateAt           time.Time
	stopReason             string
	tail                   *logTail
	handle                 *browser.Handle
	handleReleased         bool
	client                 driver.Client
	capturing              bool
	source                 driver.AudioSource
	recording              *models.Recording
	transcriptionAttempted bool
	cleanupStarted         bool
	cancel                 context.CancelFunc
}

// New creates a session in the initializing state.
func New(params Params, cfg Config, deps Deps) *Session {
	if params.BotName == "" {
		params.BotName = cfg.BotName
	}
	now := time.Now()
	s := &Session{
		params:    params,
		cfg:       cfg,
		deps:      deps,
		log:       logger.WithModule("session").With(zap.String("meeting_id", params.MeetingID)),
		now:       time.Now,
		startedAt: now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		tail:      newLogTail(logTailSize),
	}
	s.setState(models.StateInitializing, "")
	return s
}

// MeetingID is the meeting this session records.
func (s *Session) MeetingID() string { return s.params.MeetingID }

// UserID is the user the recording belongs to, possibly empty.
func (s *Session) UserID() string { return s.params.UserID }

// StartedAt is when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once cleanup has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() models.BotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the leased browser, or nil before Attach or after cleanup.
func (s *Session) Handle() *browser.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handleReleased {
		return nil
	}
	return s.handle
}

// Status returns a consistent snapshot of the session.
func (s *Session) Status() models.BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.BotStatus{
		MeetingID:    s.params.MeetingID,
		UserID:       s.params.UserID,
		State:        s.state,
		StartedAt:    s.startedAt,
		LastUpdateAt: s.lastUpdateAt,
		StopReason:   s.stopReason,
		AudioSource:  string(s.source),
		RecentLog:    s.tail.snapshot(),
	}
}

// Summary is the list view of the session.
func (s *Session) Summary() models.BotSummary {
	return models.BotSummary{
		MeetingID:     s.params.MeetingID,
		State:         s.State(),
		UptimeSeconds: int64(s.now().Sub(s.startedAt).Seconds()),
	}
}

// SignalStop asks the session to stop. It returns promptly; any wait or
// retry loop observes it within one polling interval. Only the first reason
// is kept. It reports whether this call was the first.
func (s *Session) SignalStop(reason string) bool {
	first := false
	s.stopOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.stopReason = reason
		s.mu.Unlock()
		s.stopping.Store(true)
		close(s.stopCh)
		s.log.Info("stop requested", zap.String("reason", reason))
	})
	return first
}

// StopRequested reports whether SignalStop was called.
func (s *Session) StopRequested() bool { return s.stopping.Load() }

// StopReason returns the reason passed to the first SignalStop.
func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// Screenshot captures the meeting page while the bot is live.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	client := s.client
	gone := s.cleanupStarted
	s.mu.Unlock()
	if client == nil || gone {
		return nil, ErrNoPage
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	return client.Screenshot(ctx)
}

// Attach hands the session its browser. It fails if cleanup already started,
// in which case the caller still owns the handle.
func (s *Session) Attach(h *browser.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleanupStarted || s.handle != nil {
		return false
	}
	s.handle = h
	return true
}

// Fail records a failure that happened before Run and cleans up.
func (s *Session) Fail(err error) {
	s.setState(models.StateFailed, err.Error())
	s.Cleanup()
}

// Run drives the session to a terminal state and always ends in cleanup.
func (s *Session) Run(ctx context.Context) {
	defer s.Cleanup()

	s.mu.Lock()
	if s.cleanupStarted {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.join(ctx); err != nil {
		if errors.Is(err, errStopped) || s.StopRequested() {
			s.log.Info("stopped during setup", zap.String("state", string(s.State())))
			return
		}
		s.setState(models.StateFailed, err.Error())
		s.log.Warn("join failed", zap.Error(err))
		return
	}

	s.notify(ctx, models.EventMeetingJoined, map[string]interface{}{
		"meetingId": s.params.MeetingID,
		"userId":    s.params.UserID,
	})

	source, err := s.acquireAudio(ctx)
	if err != nil {
		if errors.Is(err, errStopped) || s.StopRequested() {
			s.log.Info("stopped during audio acquisition")
			return
		}
		s.setState(models.StateRecordingFailed, err.Error())
		return
	}

	s.record(ctx, source)
}

// join walks initializing -> navigating -> joining -> joined.
func (s *Session) join(ctx context.Context) error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return &JoinError{Step: "attach", Err: errors.New("no browser attached")}
	}
	if s.StopRequested() {
		return errStopped
	}

	s.setState(models.StateNavigating, "")
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	client, err := s.deps.OpenDriver(stepCtx, handle)
	cancel()
	if err != nil {
		return &JoinError{Step: "open", Err: err}
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := s.step(ctx, func(ctx context.Context) error { return client.Navigate(ctx, s.params.JoinURL) }); err != nil {
		return &JoinError{Step: "navigate", Err: err}
	}
	if s.StopRequested() {
		return errStopped
	}

	s.setState(models.StateJoining, "")
	if err := s.step(ctx, func(ctx context.Context) error {
		return client.FillField(ctx, driver.RoleName, s.params.BotName)
	}); err != nil {
		s.log.Warn("name field not filled", zap.Error(err))
	}
	if s.params.Password != "" {
		if err := s.step(ctx, func(ctx context.Context) error {
			return client.FillField(ctx, driver.RolePassword, s.params.Password)
		}); err != nil {
			s.log.Warn("password field not filled", zap.Error(err))
		}
	}
	if err := s.step(ctx, func(ctx context.Context) error { return client.ClickByIntent(ctx, driver.IntentJoin) }); err != nil {
		s.log.Warn("join button not clicked", zap.Error(err))
	}

	if err := s.waitInMeeting(ctx, client); err != nil {
		return err
	}
	s.setState(models.StateJoined, "")

	for _, intent := range []driver.Intent{driver.IntentMute, driver.IntentStopVideo} {
		intent := intent
		if err := s.step(ctx, func(ctx context.Context) error { return client.ClickByIntent(ctx, intent) }); err != nil {
			s.log.Debug("join hygiene skipped", zap.String("intent", string(intent)), zap.Error(err))
		}
	}
	return nil
}

func (s *Session) waitInMeeting(ctx context.Context, client driver.Client) error {
	deadline := time.NewTimer(s.cfg.JoinTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.JoinPollInterval)
	defer ticker.Stop()

	for {
		var state driver.UIState
		err := s.step(ctx, func(ctx context.Context) error {
			var err error
			state, err = client.QueryUIState(ctx)
			return err
		})
		if err == nil && state.InMeeting {
			return nil
		}

		select {
		case <-s.stopCh:
			return errStopped
		case <-ctx.Done():
			return &JoinError{Step: "admit", Err: ctx.Err()}
		case <-deadline.C:
			if err == nil {
				err = errors.New("no meeting indicators found")
			}
			return &JoinError{Step: "admit", Err: err}
		case <-ticker.C:
		}
	}
}

// record waits for the stop signal while draining chunks, then hands the
// recording to transcription.
func (s *Session) record(ctx context.Context, source driver.AudioSource) {
	s.mu.Lock()
	s.source = source
	client := s.client
	s.mu.Unlock()

	s.setState(models.StateRecording, "source="+string(source))
	metrics.AudioSources.WithLabelValues(string(source)).Inc()

	started := s.now().UTC()
	if err := s.deps.Control.SetCache(ctx, recordingStartKey(s.params.MeetingID), map[string]interface{}{
		"startedAt": started,
		"source":    source,
		"workerId":  s.cfg.WorkerID,
	}, recordingStartTTL); err != nil {
		s.log.Debug("recording start not cached", zap.Error(err))
	}
	if err := s.deps.Control.Publish(ctx, models.ChannelMeetingStarted, models.ControlMessage{
		MeetingID: s.params.MeetingID,
		Payload:   map[string]interface{}{"source": string(source)},
	}); err != nil {
		s.log.Debug("meeting_started not published", zap.Error(err))
	}

	s.announce(ctx, client)

	drain := time.NewTicker(s.cfg.ChunkDrainInterval)
	defer drain.Stop()
	var endCheck <-chan time.Time
	if s.cfg.EndCheckInterval > 0 {
		t := time.NewTicker(s.cfg.EndCheckInterval)
		defer t.Stop()
		endCheck = t.C
	}

	for waiting := true; waiting; {
		select {
		case <-s.stopCh:
			if s.cleaningUp() {
				return
			}
			waiting = false
		case <-ctx.Done():
			return
		case <-drain.C:
			s.drain(ctx, client)
		case <-endCheck:
			s.checkMeetingEnded(ctx, client)
		}
	}

	s.setState(models.StateTranscribing, "stop: "+s.StopReason())

	rec, err := s.finishRecording(ctx, client)
	if err != nil {
		s.setState(models.StateRecordingFailed, err.Error())
		return
	}
	s.transcribe(ctx, rec)
}

// announce unmutes the bot, tells participants they are recorded, holds
// while the speech plays and mutes again. Failures are only logged.
func (s *Session) announce(ctx context.Context, client driver.Client) {
	if s.cfg.AnnounceMessage == "" {
		return
	}
	if err := s.step(ctx, func(ctx context.Context) error { return client.ClickByIntent(ctx, driver.IntentUnmute) }); err != nil {
		s.log.Debug("unmute before announcement skipped", zap.Error(err))
	}

	var sent []string
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		sent, err = client.Announce(ctx, s.cfg.AnnounceMessage)
		return err
	})
	if err != nil {
		s.log.Warn("recording announcement failed", zap.Error(err))
	} else {
		s.log.Info("recording announced", zap.Strings("channels", sent))
	}

	if s.cfg.AnnounceHold > 0 {
		hold := time.NewTimer(s.cfg.AnnounceHold)
		select {
		case <-hold.C:
		case <-s.stopCh:
		case <-ctx.Done():
		}
		hold.Stop()
	}

	if err := s.step(ctx, func(ctx context.Context) error { return client.ClickByIntent(ctx, driver.IntentMute) }); err != nil {
		s.log.Debug("mute after announcement skipped", zap.Error(err))
	}
}

func (s *Session) drain(ctx context.Context, client driver.Client) {
	var chunks []driver.Chunk
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		chunks, err = client.DrainChunks(ctx)
		return err
	})
	if err != nil {
		s.log.Warn("chunk drain failed", zap.Error(err))
		return
	}
	s.rec.add(chunks)
}

// checkMeetingEnded is advisory: it only feeds the regular stop path.
func (s *Session) checkMeetingEnded(ctx context.Context, client driver.Client) {
	var state driver.UIState
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		state, err = client.QueryUIState(ctx)
		return err
	})
	if err != nil {
		s.log.Debug("meeting status check failed", zap.Error(err))
		return
	}

	s.log.Debug("meeting status check",
		zap.Bool("ended_banner", state.EndedBanner),
		zap.Bool("ended_page", state.OnEndedPage),
		zap.Int("controls", state.ActiveControls),
	)
	if !state.MeetingEnded() {
		return
	}

	if s.SignalStop("meeting ended (ui)") {
		s.notify(ctx, models.EventMeetingEnded, map[string]interface{}{
			"meetingId": s.params.MeetingID,
			"source":    "ui",
			"url":       state.URL,
		})
	}
}

// finishRecording stops capture and writes the assembled audio to storage
// before any transcription is attempted.
func (s *Session) finishRecording(ctx context.Context, client driver.Client) (models.Recording, error) {
	var tailChunks []driver.Chunk
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		tailChunks, err = client.StopCapture(ctx)
		return err
	})
	s.mu.Lock()
	s.capturing = false
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("stop capture failed, using drained chunks", zap.Error(err))
	}
	s.rec.add(tailChunks)

	data, failed := s.rec.assemble(s.log)
	if len(data) == 0 {
		return models.Recording{}, fmt.Errorf("%w: no audio captured (%d chunks failed)", ErrRecording, failed)
	}

	rec, err := s.deps.Artifacts.Write(s.params.MeetingID, data)
	if err != nil {
		return models.Recording{}, fmt.Errorf("%w: %v", ErrRecording, err)
	}

	s.mu.Lock()
	s.recording = &rec
	s.mu.Unlock()
	chunks, span := s.rec.span()
	s.log.Info("recording stored",
		zap.String("file", rec.Name),
		zap.Int64("bytes", rec.Size),
		zap.Int("chunks", chunks),
		zap.Int("failed_chunks", failed),
		zap.Duration("span", span),
	)
	return rec, nil
}

func (s *Session) cleaningUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupStarted
}

// Cleanup tears the session down. Every caller after the first waits for
// the first to finish and has no further effect.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(s.cleanup)
	<-s.done
}

func (s *Session) cleanup() {
	defer close(s.done)

	s.mu.Lock()
	s.cleanupStarted = true
	cancelRun := s.cancel
	s.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}
	s.SignalStop("cleanup")

	s.mu.Lock()
	client := s.client
	capturing := s.capturing
	s.capturing = false
	handle := s.handle
	release := handle != nil && !s.handleReleased
	s.handleReleased = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()

	if client != nil {
		if capturing {
			if _, err := client.StopCapture(ctx); err != nil {
				s.log.Debug("stop capture during cleanup", zap.Error(err))
			}
		}
		if err := client.Close(ctx); err != nil {
			s.log.Debug("close page", zap.Error(err))
		}
	}

	if release && s.deps.Pool != nil {
		if !s.deps.Pool.Release(handle) {
			s.log.Warn("browser handle was not in use", zap.String("browser_id", handle.ID))
		}
	}

	s.notify(ctx, models.EventBotCleanup, map[string]interface{}{
		"meetingId":  s.params.MeetingID,
		"finalState": s.State(),
	})

	s.setState(models.StateCleanedUp, "")

	if err := s.deps.Control.SetCache(ctx, StatusKey(s.params.MeetingID), s.Status(), StatusTTL); err != nil {
		s.log.Debug("final status not cached", zap.Error(err))
	}

	if s.deps.OnCleanedUp != nil {
		s.deps.OnCleanedUp(s)
	}
	s.log.Info("session cleaned up")
}

// setState records a transition. Nothing moves a session out of cleaned_up.
func (s *Session) setState(state models.BotState, detail string) {
	s.mu.Lock()
	if s.state == models.StateCleanedUp {
		s.mu.Unlock()
		return
	}
	at := s.now()
	s.state = state
	s.lastUpdateAt = at
	s.tail.add(models.LogEntry{State: state, Detail: detail, Timestamp: at})
	s.mu.Unlock()

	metrics.StateTransitions.WithLabelValues(string(state)).Inc()
	if detail != "" {
		s.log.Info("state changed", zap.String("state", string(state)), zap.String("detail", detail))
	} else {
		s.log.Info("state changed", zap.String("state", string(state)))
	}

	if s.deps.Control != nil {
		s.deps.Control.RecordMetric(context.Background(), "bot_state", 1, map[string]string{
			"meetingId": s.params.MeetingID,
			"state":     string(state),
		})
	}
}

func (s *Session) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Session) notify(ctx context.Context, event string, data interface{}) {
	if s.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()
	s.deps.Notifier.Notify(ctx, event, data)
}
