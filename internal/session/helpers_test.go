package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/meetbot/internal/artifact"
	"github.com/shehryarbajwa/meetbot/internal/browser"
	"github.com/shehryarbajwa/meetbot/internal/controlplane"
	"github.com/shehryarbajwa/meetbot/internal/driver"
	"github.com/shehryarbajwa/meetbot/internal/driver/drivertest"
	"github.com/shehryarbajwa/meetbot/internal/transcribe"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

type fakePool struct {
	mu       sync.Mutex
	released map[string]int
}

func (p *fakePool) Release(h *browser.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released == nil {
		p.released = map[string]int{}
	}
	p.released[h.ID]++
	return p.released[h.ID] == 1
}

func (p *fakePool) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released[id]
}

type fakeTranscriber struct {
	mu     sync.Mutex
	calls  int
	result transcribe.Result
	err    error
}

func (f *fakeTranscriber) Transcribe(context.Context, string, []byte) (transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeTranscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu    sync.Mutex
	err   error
	saved []models.Transcript
}

func (f *fakeSink) SaveTranscript(_ context.Context, t models.Transcript) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, t)
	return "transcript-1", nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	session     *Session
	driver      *drivertest.Fake
	pool        *fakePool
	transcriber *fakeTranscriber
	sink        *fakeSink
	notifier    *fakeNotifier
	control     *controlplane.ControlPlane
	store       *artifact.Store
	handle      *browser.Handle
	cleanedUp   chan *Session
}

func testConfig() Config {
	return Config{
		WorkerID:           "worker-test",
		BotName:            "Meeting Notes Bot",
		StepTimeout:        time.Second,
		JoinTimeout:        time.Second,
		JoinPollInterval:   5 * time.Millisecond,
		AudioRetryInterval: 20 * time.Millisecond,
		AudioMaxAttempts:   15,
		MinTranscriptChars: 3,
		ChunkDrainInterval: 10 * time.Millisecond,
		CleanupTimeout:     time.Second,
		TranscribeTimeout:  time.Second,
	}
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()

	cfg := testConfig()
	if tweak != nil {
		tweak(&cfg)
	}

	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	control := controlplane.NewMemory(controlplane.Options{})
	t.Cleanup(func() { _ = control.Close() })

	h := &harness{
		driver:      drivertest.New(),
		pool:        &fakePool{},
		transcriber: &fakeTranscriber{result: transcribe.Result{Text: "hello everyone, welcome", DurationSeconds: 12}},
		sink:        &fakeSink{},
		notifier:    &fakeNotifier{},
		control:     control,
		store:       store,
		handle:      &browser.Handle{ID: "browser-1"},
		cleanedUp:   make(chan *Session, 2),
	}

	h.session = New(Params{
		MeetingID: "123456789",
		UserID:    "user-1",
		JoinURL:   "https://zoom.us/wc/join/123456789",
		Password:  "secret",
	}, cfg, Deps{
		OpenDriver: func(context.Context, *browser.Handle) (driver.Client, error) {
			return h.driver, nil
		},
		Pool:        h.pool,
		Transcriber: h.transcriber,
		Sink:        h.sink,
		Notifier:    h.notifier,
		Control:     control,
		Artifacts:   store,
		OnCleanedUp: func(s *Session) { h.cleanedUp <- s },
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.True(t, h.session.Attach(h.handle))
	go h.session.Run(context.Background())
}

func (h *harness) waitState(t *testing.T, state models.BotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session.State() == state
	}, 3*time.Second, 5*time.Millisecond, "never reached %s", state)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish, state %s", h.session.State())
	}
}

func states(entries []models.LogEntry) []models.BotState {
	out := make([]models.BotState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.State)
	}
	return out
}

func detailOf(entries []models.LogEntry, state models.BotState) string {
	for _, e := range entries {
		if e.State == state {
			return e.Detail
		}
	}
	return ""
}

var errBoom = errors.New("boom")
