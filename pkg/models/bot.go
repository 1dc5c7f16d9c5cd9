package models

import "time"

// BotState is the lifecycle state of a meeting bot.
type BotState string

const (
	StateInitializing        BotState = "initializing"
	StateNavigating          BotState = "navigating"
	StateJoining             BotState = "joining"
	StateJoined              BotState = "joined"
	StateRecording           BotState = "recording"
	StateTranscribing        BotState = "transcribing"
	StateCompleted           BotState = "completed"
	StateSaveFailed          BotState = "save_failed"
	StateTranscriptionFailed BotState = "transcription_failed"
	StateRecordingFailed     BotState = "recording_failed"
	StateFailed              BotState = "failed"
	StateCleanedUp           BotState = "cleaned_up"
)

// LogEntry is one recorded state transition.
type LogEntry struct {
	State     BotState  `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BotStatus is the full view of one bot.
type BotStatus struct {
	MeetingID    string     `json:"meetingId"`
	UserID       string     `json:"userId,omitempty"`
	State        BotState   `json:"state"`
	StartedAt    time.Time  `json:"startedAt"`
	LastUpdateAt time.Time  `json:"lastUpdateAt"`
	StopReason   string     `json:"stopReason,omitempty"`
	AudioSource  string     `json:"audioSource,omitempty"`
	RecentLog    []LogEntry `json:"recentLog"`
}

// BotSummary is the list view of one active bot.
type BotSummary struct {
	MeetingID     string   `json:"meetingId"`
	State         BotState `json:"state"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
}

// JoinRequest launches a bot into a meeting. MeetingURL may be a full join
// link or a bare meeting id.
type JoinRequest struct {
	MeetingURL string `json:"meetingUrl" validate:"required"`
	Password   string `json:"password,omitempty"`
	UserID     string `json:"userId,omitempty"`
	BotName    string `json:"botName,omitempty" validate:"omitempty,max=64"`
}

// AutoJoinRequest is sent by the main server when a scheduled meeting starts.
// HostID stands in for UserID when the latter is missing.
type AutoJoinRequest struct {
	MeetingID string `json:"meetingId" validate:"required"`
	JoinURL   string `json:"joinUrl,omitempty" validate:"omitempty,url"`
	Password  string `json:"password,omitempty"`
	UserID    string `json:"userId,omitempty"`
	HostID    string `json:"hostId,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// JoinResponse reports the outcome of a join request.
type JoinResponse struct {
	MeetingID     string   `json:"meetingId"`
	State         BotState `json:"state"`
	AlreadyActive bool     `json:"alreadyActive,omitempty"`
	Domain        string   `json:"domain,omitempty"`
}

// StopRequest stops a running bot.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Health is the worker's health snapshot.
type Health struct {
	WorkerID         string    `json:"workerId"`
	ActiveCount      int       `json:"activeCount"`
	PoolAvailable    int       `json:"poolAvailable"`
	PoolInUse        int       `json:"poolInUse"`
	PoolTotal        int       `json:"poolTotal"`
	PoolMax          int       `json:"poolMax"`
	MemoryUsageBytes uint64    `json:"memoryUsageBytes"`
	MemoryLimitBytes uint64    `json:"memoryLimitBytes"`
	ControlPlaneMode string    `json:"controlPlaneMode"`
	Timestamp        time.Time `json:"timestamp"`
}
