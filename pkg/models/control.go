package models

import "time"

// Control plane channels.
const (
	ChannelBotCommands           = "bot_commands"
	ChannelMeetingEnded          = "meeting_ended"
	ChannelMeetingStarted        = "meeting_started"
	ChannelTranscriptionComplete = "transcription_complete"
)

// Commands carried on ChannelBotCommands.
const (
	CommandStopRecording = "stop_recording"
	CommandEndMeeting    = "end_meeting"
)

// ControlMessage is published on the control plane. Delivery is at most once
// per subscriber.
type ControlMessage struct {
	ID        string                 `json:"id"`
	Channel   string                 `json:"channel"`
	MeetingID string                 `json:"meetingId"`
	Command   string                 `json:"command,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	WorkerID  string                 `json:"workerId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// MeetingEndedWebhook is posted by the main server when a meeting ends.
type MeetingEndedWebhook struct {
	MeetingID string `json:"meetingId" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// BotCommandWebhook carries a command for a bot.
type BotCommandWebhook struct {
	MeetingID string `json:"meetingId" validate:"required"`
	Command   string `json:"command" validate:"required,oneof=stop_recording end_meeting"`
}

// Lifecycle notification events.
const (
	EventMeetingJoined          = "meeting.joined"
	EventMeetingEnded           = "meeting.ended"
	EventBotCleanup             = "bot.cleanup"
	EventTranscriptionCompleted = "transcription.completed"
)

// Notification is the body posted to the webhook sink.
type Notification struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	WorkerID  string      `json:"worker_id"`
}
