// Package drivertest provides an in-memory driver.Client for tests.
package drivertest

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/shehryarbajwa/meetbot/internal/driver"
)

// Fake is a scriptable driver.Client. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	// NavigateErr fails Navigate.
	NavigateErr error
	// FillErr and ClickErr fail the matching role or intent.
	FillErr  map[driver.Role]error
	ClickErr map[driver.Intent]error
	// JoinAdmits makes a join click put the page in the meeting.
	JoinAdmits bool
	// Live marks sources that probe positive.
	Live map[driver.AudioSource]bool
	// OnProbe runs before every probe, outside the lock.
	OnProbe     func(source driver.AudioSource)
	StartErr    error
	AnnounceErr error
	UI          driver.UIState

	joined    bool
	pending   []driver.Chunk
	seq       int
	fields    map[driver.Role]string
	clicks    []driver.Intent
	probes    int
	started   []driver.AudioSource
	stops     int
	closes    int
	visited   []string
	announced []string
	capturing bool
}

var _ driver.Client = (*Fake)(nil)

// New returns a Fake whose join succeeds and which finds no audio source.
func New() *Fake {
	return &Fake{
		FillErr:    map[driver.Role]error{},
		ClickErr:   map[driver.Intent]error{},
		JoinAdmits: true,
		Live:       map[driver.AudioSource]bool{},
		fields:     map[driver.Role]string{},
	}
}

// AddChunks queues raw audio to be returned by the next drain or stop.
func (f *Fake) AddChunks(payloads ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range payloads {
		f.pending = append(f.pending, driver.Chunk{
			Seq:  f.seq,
			At:   time.Now().UnixMilli(),
			Data: base64.StdEncoding.EncodeToString(p),
		})
		f.seq++
	}
}

// AddRawChunk queues a chunk as-is, including malformed payloads.
func (f *Fake) AddRawChunk(chunk driver.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, chunk)
}

// SetUI replaces the UI snapshot returned by QueryUIState.
func (f *Fake) SetUI(state driver.UIState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UI = state
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visited = append(f.visited, url)
	return f.NavigateErr
}

func (f *Fake) FillField(_ context.Context, role driver.Role, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FillErr[role]; err != nil {
		return err
	}
	f.fields[role] = value
	return nil
}

func (f *Fake) ClickByIntent(_ context.Context, intent driver.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, intent)
	if err := f.ClickErr[intent]; err != nil {
		return err
	}
	if intent == driver.IntentJoin && f.JoinAdmits {
		f.joined = true
	}
	return nil
}

func (f *Fake) QueryUIState(context.Context) (driver.UIState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.UI
	state.InMeeting = state.InMeeting || f.joined
	return state, nil
}

func (f *Fake) Probe(_ context.Context, source driver.AudioSource) (bool, error) {
	f.mu.Lock()
	hook := f.OnProbe
	f.mu.Unlock()
	if hook != nil {
		hook(source)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.Live[source], nil
}

func (f *Fake) StartCapture(_ context.Context, source driver.AudioSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.started = append(f.started, source)
	f.capturing = true
	return nil
}

func (f *Fake) DrainChunks(context.Context) ([]driver.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *Fake) StopCapture(context.Context) ([]driver.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.capturing = false
	out := f.pending
	f.pending = nil
	return out, nil
}

// Announce records the message and reports both channels as sent.
func (f *Fake) Announce(_ context.Context, message string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AnnounceErr != nil {
		return nil, f.AnnounceErr
	}
	f.announced = append(f.announced, message)
	return []string{"speech", "chat"}, nil
}

// Announced returns the messages announced so far.
func (f *Fake) Announced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.announced...)
}

// Screenshot returns a fixed PNG signature.
func (f *Fake) Screenshot(context.Context) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Probes returns how many probes ran.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// Started returns the sources capture was started from.
func (f *Fake) Started() []driver.AudioSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.AudioSource(nil), f.started...)
}

// Capturing reports whether a capture is running.
func (f *Fake) Capturing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capturing
}

// Clicks returns the intents clicked so far.
func (f *Fake) Clicks() []driver.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Intent(nil), f.clicks...)
}

// Field returns the value typed into role.
func (f *Fake) Field(role driver.Role) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[role]
}

// Visited returns the navigated URLs.
func (f *Fake) Visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.visited...)
}

// Stops and Closes count StopCapture and Close calls.
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}
