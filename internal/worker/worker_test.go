package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/meetbot/internal/admission"
	"github.com/shehryarbajwa/meetbot/internal/artifact"
	"github.com/shehryarbajwa/meetbot/internal/browser"
	"github.com/shehryarbajwa/meetbot/internal/controlplane"
	"github.com/shehryarbajwa/meetbot/internal/driver"
	"github.com/shehryarbajwa/meetbot/internal/driver/drivertest"
	"github.com/shehryarbajwa/meetbot/internal/session"
	"github.com/shehryarbajwa/meetbot/internal/transcribe"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

type stubInstance struct {
	id     string
	closed atomic.Bool
}

func (s *stubInstance) ControlURL() string { return "ws://127.0.0.1:9222/devtools/browser/" + s.id }

func (s *stubInstance) Rod() *rod.Browser { return nil }

func (s *stubInstance) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type stubLauncher struct {
	mu        sync.Mutex
	instances []*stubInstance
}

func (l *stubLauncher) Launch(_ context.Context, id string) (browser.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst := &stubInstance{id: id}
	l.instances = append(l.instances, inst)
	return inst, nil
}

func (l *stubLauncher) allClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, inst := range l.instances {
		if !inst.closed.Load() {
			return false
		}
	}
	return true
}

type zeroMemory struct{}

func (zeroMemory) Sample() (uint64, error) { return 0, nil }

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, string, []byte) (transcribe.Result, error) {
	return transcribe.Result{Text: "notes from the meeting", DurationSeconds: 4}, nil
}

type stubSink struct{}

func (stubSink) SaveTranscript(context.Context, models.Transcript) (string, error) {
	return "transcript-1", nil
}

type fixture struct {
	worker   *Worker
	pool     *browser.Pool
	launcher *stubLauncher
	control  *controlplane.ControlPlane

	mu      sync.Mutex
	drivers map[string]*drivertest.Fake
	opened  int
}

type fixtureOpts struct {
	maxConcurrent   int
	maxInstances    int
	acquireTimeout  time.Duration
	shutdownTimeout time.Duration
	// wrap decorates every opened driver.
	wrap func(*drivertest.Fake) driver.Client
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()

	if o.maxConcurrent == 0 {
		o.maxConcurrent = 5
	}
	if o.maxInstances == 0 {
		o.maxInstances = 5
	}
	if o.acquireTimeout == 0 {
		o.acquireTimeout = 2 * time.Second
	}
	if o.shutdownTimeout == 0 {
		o.shutdownTimeout = 2 * time.Second
	}

	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		launcher: &stubLauncher{},
		control:  controlplane.NewMemory(controlplane.Options{WorkerID: "worker-test"}),
		drivers:  map[string]*drivertest.Fake{},
	}
	f.pool = browser.NewPool(f.launcher, browser.Options{
		MaxInstances:   o.maxInstances,
		AcquireTimeout: o.acquireTimeout,
		PollInterval:   5 * time.Millisecond,
		MinIdle:        1,
	})

	cfg := session.DefaultConfig()
	cfg.StepTimeout = time.Second
	cfg.JoinTimeout = time.Second
	cfg.JoinPollInterval = 5 * time.Millisecond
	cfg.AudioRetryInterval = 10 * time.Millisecond
	cfg.AudioMaxAttempts = 5
	cfg.ChunkDrainInterval = 10 * time.Millisecond
	cfg.EndCheckInterval = 0
	cfg.CleanupTimeout = time.Second
	cfg.TranscribeTimeout = time.Second
	cfg.AnnounceHold = 0

	f.worker = New(Options{
		WorkerID:         "worker-test",
		MaxConcurrent:    o.maxConcurrent,
		MemoryLimitBytes: 1 << 30,
		StaleAge:         time.Hour,
		ShutdownTimeout:  o.shutdownTimeout,
		Session:          cfg,
	}, Deps{
		Pool:    f.pool,
		Control: f.control,
		OpenDriver: func(_ context.Context, h *browser.Handle) (driver.Client, error) {
			d := drivertest.New()
			d.Live[driver.SourceAudio] = true
			d.AddChunks([]byte("audio"))
			f.mu.Lock()
			f.drivers[h.ID] = d
			f.opened++
			f.mu.Unlock()
			if o.wrap != nil {
				return o.wrap(d), nil
			}
			return d, nil
		},
		Transcriber: stubTranscriber{},
		Sink:        stubSink{},
		Artifacts:   store,
		Sampler:     zeroMemory{},
	})
	t.Cleanup(func() { _ = f.worker.Shutdown(context.Background()) })
	return f
}

func (f *fixture) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fixture) waitState(t *testing.T, meetingID string, state models.BotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.worker.GetStatus(context.Background(), meetingID)
		return err == nil && st.State == state
	}, 3*time.Second, 5*time.Millisecond, "%s never reached %s", meetingID, state)
}

func (f *fixture) waitGone(t *testing.T, meetingID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, live := f.worker.registry.Get(meetingID)
		return !live
	}, 3*time.Second, 5*time.Millisecond, "%s still registered", meetingID)
}

func TestJoinDeniedAtConcurrencyLimitUntilStop(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxConcurrent: 1})
	ctx := context.Background()

	resp, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "https://zoom.us/j/111111111"})
	require.NoError(t, err)
	require.Equal(t, "111111111", resp.MeetingID)
	require.False(t, resp.AlreadyActive)

	_, err = f.worker.RequestJoin(ctx, JoinRequest{Link: "222222222"})
	var denied *admission.Error
	require.ErrorAs(t, err, &denied)
	require.Equal(t, admission.ReasonConcurrencyLimit, denied.Reason)

	f.waitState(t, "111111111", models.StateRecording)
	require.NoError(t, f.worker.RequestStop("111111111", "manual"))
	f.waitGone(t, "111111111")

	resp, err = f.worker.RequestJoin(ctx, JoinRequest{Link: "222222222"})
	require.NoError(t, err)
	require.Equal(t, "222222222", resp.MeetingID)
}

func TestDuplicateJoinsCreateOneSession(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	const callers = 20
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		dupes   atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.worker.RequestJoin(context.Background(), JoinRequest{Link: "333333333"})
			if err != nil {
				return
			}
			if resp.AlreadyActive {
				dupes.Add(1)
			} else {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, created.Load())
	require.EqualValues(t, callers-1, dupes.Load())
	require.Len(t, f.worker.ListActive(), 1)
	require.Equal(t, 1, f.opens())
}

func TestSecondJoinWaitsForReleasedBrowser(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxInstances: 1, acquireTimeout: 3 * time.Second})
	ctx := context.Background()

	_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "444444444"})
	require.NoError(t, err)
	f.waitState(t, "444444444", models.StateRecording)

	type result struct {
		resp models.JoinResponse
		err  error
	}
	second := make(chan result, 1)
	go func() {
		resp, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "555555555"})
		second <- result{resp, err}
	}()

	select {
	case <-second:
		t.Fatal("second join should wait for a browser")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, f.worker.RequestStop("444444444", "done"))

	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.Equal(t, "555555555", r.resp.MeetingID)
	case <-time.After(3 * time.Second):
		t.Fatal("second join never got the released browser")
	}
	require.Equal(t, 1, f.pool.Stats().Total)
}

func TestJoinFailsWhenPoolStaysExhausted(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxInstances: 1, acquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "444444444"})
	require.NoError(t, err)

	_, err = f.worker.RequestJoin(ctx, JoinRequest{Link: "555555555"})
	require.ErrorIs(t, err, browser.ErrPoolExhausted)

	f.waitGone(t, "555555555")
	st, err := f.worker.GetStatus(ctx, "555555555")
	require.NoError(t, err)
	require.Equal(t, models.StateCleanedUp, st.State)
	require.Equal(t, 1, f.pool.Stats().InUse)
}

func TestInvalidMeetingIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.worker.RequestJoin(context.Background(), JoinRequest{Link: "https://example.com/no-id-here"})
	require.ErrorIs(t, err, ErrInvalidMeeting)
	require.Empty(t, f.worker.ListActive())
}

func TestAutoJoinKeepsMeetingID(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp, err := f.worker.RequestJoin(context.Background(), JoinRequest{
		MeetingID: "987654321",
		Link:      "https://us02web.zoom.us/j/987654321?pwd=abc",
		UserID:    "host-1",
	})
	require.NoError(t, err)
	require.Equal(t, "987654321", resp.MeetingID)
	require.Equal(t, "us02web.zoom.us", resp.Domain)

	f.waitState(t, "987654321", models.StateRecording)
	f.mu.Lock()
	var visited []string
	for _, d := range f.drivers {
		visited = append(visited, d.Visited()...)
	}
	f.mu.Unlock()
	require.Equal(t, []string{"https://us02web.zoom.us/wc/join/987654321?pwd=abc"}, visited)
}

func TestStopUnknownMeeting(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.ErrorIs(t, f.worker.RequestStop("000000000", "x"), ErrNotFound)

	_, err := f.worker.GetStatus(context.Background(), "000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusSurvivesCleanup(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "666666666", UserID: "user-9"})
	require.NoError(t, err)
	f.waitState(t, "666666666", models.StateRecording)

	require.NoError(t, f.worker.RequestStop("666666666", "meeting over"))
	require.NoError(t, f.worker.RequestStop("666666666", "again"))
	f.waitGone(t, "666666666")

	st, err := f.worker.GetStatus(ctx, "666666666")
	require.NoError(t, err)
	require.Equal(t, models.StateCleanedUp, st.State)
	require.Equal(t, "meeting over", st.StopReason)
	require.Contains(t, statesOf(st.RecentLog), models.StateCompleted)
}

func TestControlMessagesStopLocalBots(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	for _, id := range []string{"777777777", "888888888"} {
		_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: id})
		require.NoError(t, err)
		f.waitState(t, id, models.StateRecording)
	}

	f.worker.HandleCommand(ctx, models.ControlMessage{
		Channel:   models.ChannelBotCommands,
		MeetingID: "777777777",
		Command:   models.CommandStopRecording,
	})
	f.worker.HandleCommand(ctx, models.ControlMessage{
		Channel:   models.ChannelMeetingEnded,
		MeetingID: "888888888",
	})
	f.worker.HandleCommand(ctx, models.ControlMessage{
		Channel:   models.ChannelBotCommands,
		MeetingID: "not-here",
		Command:   models.CommandEndMeeting,
	})

	f.waitGone(t, "777777777")
	f.waitGone(t, "888888888")
}

func TestEndMeetingStopsLocallyInMemoryMode(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "121212121"})
	require.NoError(t, err)

	local, err := f.worker.EndMeeting(ctx, "121212121", "")
	require.NoError(t, err)
	require.True(t, local)
	f.waitGone(t, "121212121")

	local, err = f.worker.SendCommand(ctx, "121212121", models.CommandEndMeeting)
	require.NoError(t, err)
	require.False(t, local)
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxInstances: 3})

	_, err := f.worker.RequestJoin(context.Background(), JoinRequest{Link: "131313131"})
	require.NoError(t, err)

	h := f.worker.HealthSnapshot()
	require.Equal(t, "worker-test", h.WorkerID)
	require.Equal(t, 1, h.ActiveCount)
	require.Equal(t, 1, h.PoolInUse)
	require.Equal(t, 3, h.PoolMax)
	require.Equal(t, string(controlplane.ModeMemory), h.ControlPlaneMode)
	require.EqualValues(t, 1<<30, h.MemoryLimitBytes)
}

func TestReclaimCleansUpStaleSession(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "141414141"})
	require.NoError(t, err)

	cands := f.worker.Candidates()
	require.Len(t, cands, 1)
	require.Equal(t, "141414141", cands[0].MeetingID)

	f.worker.Reclaim(ctx, "141414141", "memory pressure")
	f.waitGone(t, "141414141")
	require.Zero(t, f.worker.ActiveCount())
}

func TestShutdownDrainsSessionsAndPool(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	for _, id := range []string{"151515151", "161616161"} {
		_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: id})
		require.NoError(t, err)
	}

	require.NoError(t, f.worker.Shutdown(ctx))
	f.worker.Wait()

	require.Zero(t, f.worker.ActiveCount())
	require.True(t, f.launcher.allClosed())

	_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: "171717171"})
	require.True(t, errors.Is(err, ErrShuttingDown))

	require.NoError(t, f.worker.Shutdown(ctx))
}

// stuckDriver hangs in StopCapture and Close until released, ignoring its
// context.
type stuckDriver struct {
	*drivertest.Fake
	release <-chan struct{}
}

func (d *stuckDriver) StopCapture(ctx context.Context) ([]driver.Chunk, error) {
	<-d.release
	return d.Fake.StopCapture(ctx)
}

func (d *stuckDriver) Close(ctx context.Context) error {
	<-d.release
	return d.Fake.Close(ctx)
}

func TestShutdownAbandonsStuckSessions(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, fixtureOpts{
		shutdownTimeout: 200 * time.Millisecond,
		wrap: func(d *drivertest.Fake) driver.Client {
			return &stuckDriver{Fake: d, release: release}
		},
	})
	t.Cleanup(func() {
		close(release)
		f.worker.Wait()
	})
	ctx := context.Background()

	for _, id := range []string{"181818181", "191919191"} {
		_, err := f.worker.RequestJoin(ctx, JoinRequest{Link: id})
		require.NoError(t, err)
		f.waitState(t, id, models.StateRecording)
	}

	start := time.Now()
	err := f.worker.Shutdown(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Contains(t, err.Error(), "181818181")
	require.Contains(t, err.Error(), "191919191")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, elapsed, 2*time.Second)

	require.True(t, f.launcher.allClosed())
	require.Zero(t, f.pool.Stats().Total)
}

func statesOf(entries []models.LogEntry) []models.BotState {
	out := make([]models.BotState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.State)
	}
	return out
}
