// Package driver isolates every meeting-provider UI detail behind a small
// capability interface. Sessions only talk to Client; the rod-backed
// implementation and its selector table are the only code that knows what
// the provider's web client looks like.
package driver

import (
	"context"
	"errors"
	"time"
)

// ErrElementNotFound is returned when no selector for a role or intent matches.
var ErrElementNotFound = errors.New("element not found")

// Role names an input field on the join form.
type Role string

const (
	RoleName     Role = "name"
	RolePassword Role = "password"
)

// Intent names a UI action independent of how the provider renders it.
type Intent string

const (
	IntentJoin      Intent = "join"
	IntentMute      Intent = "mute"
	IntentUnmute    Intent = "unmute"
	IntentStopVideo Intent = "stop_video"
	IntentLeave     Intent = "leave"
)

// AudioSource identifies which capture strategy produced the recording.
type AudioSource string

const (
	SourceVideo         AudioSource = "video"
	SourceAudio         AudioSource = "audio"
	SourceGlobalHandle  AudioSource = "global_handle"
	SourceScreenCapture AudioSource = "screen_capture"
	SourceSynthetic     AudioSource = "synthetic"
)

// ProbeOrder is the priority order in which real sources are tried.
var ProbeOrder = []AudioSource{
	SourceVideo,
	SourceAudio,
	SourceGlobalHandle,
	SourceScreenCapture,
}

// UIState is a snapshot of the meeting page.
type UIState struct {
	InMeeting      bool   `json:"inMeeting"`
	EndedBanner    bool   `json:"endedBanner"`
	OnEndedPage    bool   `json:"onEndedPage"`
	ActiveControls int    `json:"activeControls"`
	URL            string `json:"url"`
	Title          string `json:"title"`
}

// MeetingEnded requires all three signals: an end banner, an ended page and
// at most one remaining meeting control.
func (s UIState) MeetingEnded() bool {
	return s.EndedBanner && s.OnEndedPage && s.ActiveControls <= 1
}

// Chunk is one recorded slice of audio as produced by the page.
type Chunk struct {
	Seq  int    `json:"seq"`
	At   int64  `json:"at"`
	Data string `json:"data"` // base64
}

// Time returns when the page produced the chunk.
func (c Chunk) Time() time.Time {
	return time.UnixMilli(c.At)
}

// Client drives one meeting page.
type Client interface {
	Navigate(ctx context.Context, url string) error
	FillField(ctx context.Context, role Role, value string) error
	ClickByIntent(ctx context.Context, intent Intent) error
	QueryUIState(ctx context.Context) (UIState, error)

	// Probe reports whether source currently yields a live audio stream.
	Probe(ctx context.Context, source AudioSource) (bool, error)
	StartCapture(ctx context.Context, source AudioSource) error
	// DrainChunks returns and forgets the chunks produced since the last drain.
	DrainChunks(ctx context.Context) ([]Chunk, error)
	// StopCapture stops the recorder and returns the chunks not yet drained.
	StopCapture(ctx context.Context) ([]Chunk, error)

	// Announce tells participants the meeting is recorded, by speech and chat
	// where the page allows. It reports which channels went out.
	Announce(ctx context.Context, message string) ([]string, error)

	// Screenshot returns a PNG of the visible page.
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}
