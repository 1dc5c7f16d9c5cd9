package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRecording means no audio could be captured, not even the synthetic fallback.
	ErrRecording = errors.New("audio recording failed")
	// ErrTranscription covers failed or discarded transcriptions.
	ErrTranscription = errors.New("transcription failed")
	// ErrPersistence means the transcript could not be saved.
	ErrPersistence = errors.New("transcript persistence failed")

	// ErrNoPage means the bot has no open meeting page.
	ErrNoPage = errors.New("no meeting page open")

	errStopped = errors.New("stop requested")
)

// JoinError is a setup failure against the meeting client. It is terminal
// for the session; a retry needs a fresh session.
type JoinError struct {
	Step string
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed at %s: %v", e.Step, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}
