package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu         sync.Mutex
	count      int
	candidates []Candidate
	reclaimed  []string
}

func (f *fakeSessions) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeSessions) Candidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Candidate(nil), f.candidates...)
}

func (f *fakeSessions) Reclaim(_ context.Context, meetingID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimed = append(f.reclaimed, meetingID)
}

type fixedMemory struct {
	bytes uint64
	err   error
}

func (f *fixedMemory) Sample() (uint64, error) { return f.bytes, f.err }

const mb = 1024 * 1024

func newController(sessions *fakeSessions, mem *fixedMemory) *Controller {
	return NewController(Options{
		MaxConcurrent:    2,
		MemoryLimitBytes: 1000 * mb,
		StaleAge:         30 * time.Minute,
	}, sessions, mem)
}

func TestCanAdmit(t *testing.T) {
	tests := []struct {
		name   string
		count  int
		memory uint64
		want   Decision
	}{
		{name: "idle", count: 0, memory: 100 * mb, want: Decision{Allowed: true, Reason: ReasonOK}},
		{name: "one below limit", count: 1, memory: 899 * mb, want: Decision{Allowed: true, Reason: ReasonOK}},
		{name: "at concurrency limit", count: 2, memory: 0, want: Decision{Reason: ReasonConcurrencyLimit}},
		{name: "over concurrency limit", count: 5, memory: 0, want: Decision{Reason: ReasonConcurrencyLimit}},
		{name: "memory at 90 percent", count: 0, memory: 900 * mb, want: Decision{Reason: ReasonMemoryLimit}},
		{name: "concurrency wins over memory", count: 2, memory: 950 * mb, want: Decision{Reason: ReasonConcurrencyLimit}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(&fakeSessions{count: tt.count}, &fixedMemory{bytes: tt.memory})
			c.RecordMemorySample()
			require.Equal(t, tt.want, c.CanAdmit())
		})
	}
}

func TestCanAdmitNeverAllowsAtLimit(t *testing.T) {
	sessions := &fakeSessions{}
	c := newController(sessions, &fixedMemory{})

	for count := 0; count <= 4; count++ {
		sessions.mu.Lock()
		sessions.count = count
		sessions.mu.Unlock()

		decision := c.CanAdmit()
		if count >= 2 {
			require.False(t, decision.Allowed, "count %d", count)
		} else {
			require.True(t, decision.Allowed, "count %d", count)
		}
	}
}

func TestRecordMemorySampleKeepsLastOnError(t *testing.T) {
	mem := &fixedMemory{bytes: 10 * mb}
	c := newController(&fakeSessions{}, mem)

	require.EqualValues(t, 10*mb, c.RecordMemorySample())
	mem.err = errors.New("proc unavailable")
	require.EqualValues(t, 10*mb, c.RecordMemorySample())
	require.EqualValues(t, 10*mb, c.MemoryUsage())
}

func TestCheckReclaimsOnlyUnderPressure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{
		count: 3,
		candidates: []Candidate{
			{MeetingID: "fresh", StartedAt: now.Add(-5 * time.Minute)},
			{MeetingID: "old", StartedAt: now.Add(-45 * time.Minute)},
			{MeetingID: "oldest", StartedAt: now.Add(-2 * time.Hour)},
		},
	}
	mem := &fixedMemory{bytes: 700 * mb}
	c := newController(sessions, mem)
	c.now = func() time.Time { return now }

	require.Zero(t, c.Check(context.Background()))
	require.Empty(t, sessions.reclaimed)

	mem.bytes = 850 * mb
	require.Equal(t, 2, c.Check(context.Background()))
	require.Equal(t, []string{"oldest", "old"}, sessions.reclaimed)
}

func TestNoMemoryLimitDisablesMemoryChecks(t *testing.T) {
	c := NewController(Options{MaxConcurrent: 1}, &fakeSessions{}, &fixedMemory{bytes: 1 << 40})
	c.RecordMemorySample()
	require.True(t, c.CanAdmit().Allowed)
	require.Zero(t, c.Check(context.Background()))
}

func TestProcessMemorySample(t *testing.T) {
	usage, err := ProcessMemory{}.Sample()
	require.NoError(t, err)
	require.Positive(t, usage)
}

func TestErrorMessage(t *testing.T) {
	err := error(&Error{Reason: ReasonMemoryLimit})
	var admissionErr *Error
	require.ErrorAs(t, err, &admissionErr)
	require.Equal(t, "admission denied: memory_limit", err.Error())
}
