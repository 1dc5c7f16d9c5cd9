package models

import "time"

// Recording is an audio artifact written to local storage.
type Recording struct {
	Name      string    `json:"name"`
	MeetingID string    `json:"meetingId"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	Path      string    `json:"-"`
}

// Transcript is handed to the persistence sink.
type Transcript struct {
	MeetingID      string  `json:"meetingId"`
	UserID         string  `json:"userId,omitempty"`
	FullText       string  `json:"fullText"`
	AudioDuration  float64 `json:"audioDuration"`
	AudioSize      int64   `json:"audioSize"`
	WordCount      int     `json:"wordCount"`
	ProcessingTime float64 `json:"processingTime"`
	AudioSource    string  `json:"audioSource,omitempty"`
	RecordingFile  string  `json:"recordingFile,omitempty"`
	WorkerID       string  `json:"workerId,omitempty"`
}
