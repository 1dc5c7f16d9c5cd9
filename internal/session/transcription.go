package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/metrics"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

// transcribe hands the stored recording to the transcriber at most once and
// persists a non-trivial result. The artifact is removed only after a
// successful save.
func (s *Session) transcribe(ctx context.Context, rec models.Recording) {
	s.mu.Lock()
	if s.transcriptionAttempted {
		s.mu.Unlock()
		s.log.Warn("transcription already attempted, skipping")
		return
	}
	s.transcriptionAttempted = true
	source := s.source
	s.mu.Unlock()

	audio, err := s.deps.Artifacts.Read(rec)
	if err != nil {
		metrics.Transcriptions.WithLabelValues("error").Inc()
		s.setState(models.StateTranscriptionFailed, fmt.Sprintf("%v: read recording: %v", ErrTranscription, err))
		return
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TranscribeTimeout)
	result, err := s.deps.Transcriber.Transcribe(tctx, rec.Name, audio)
	cancel()
	if err != nil {
		metrics.Transcriptions.WithLabelValues("error").Inc()
		s.setState(models.StateTranscriptionFailed, fmt.Sprintf("%v: %v", ErrTranscription, err))
		return
	}

	text := strings.TrimSpace(result.Text)
	if utf8.RuneCountInString(text) < s.cfg.MinTranscriptChars {
		metrics.Transcriptions.WithLabelValues("discarded").Inc()
		s.log.Info("transcript discarded", zap.Int("chars", len(text)), zap.String("source", string(source)))
		s.setState(models.StateTranscriptionFailed, "reason=no_meaningful_audio")
		return
	}

	transcript := models.Transcript{
		MeetingID:      s.params.MeetingID,
		UserID:         s.params.UserID,
		FullText:       text,
		AudioDuration:  result.DurationSeconds,
		AudioSize:      rec.Size,
		WordCount:      len(strings.Fields(text)),
		ProcessingTime: s.now().Sub(s.startedAt).Seconds(),
		AudioSource:    string(source),
		RecordingFile:  rec.Name,
		WorkerID:       s.cfg.WorkerID,
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	transcriptID, err := s.deps.Sink.SaveTranscript(sctx, transcript)
	cancel()
	if err != nil {
		metrics.Transcriptions.WithLabelValues("save_failed").Inc()
		s.setState(models.StateSaveFailed, fmt.Sprintf("%v: %v (recording kept: %s)", ErrPersistence, err, rec.Name))
		return
	}
	metrics.Transcriptions.WithLabelValues("completed").Inc()

	if err := s.deps.Control.Publish(ctx, models.ChannelTranscriptionComplete, models.ControlMessage{
		MeetingID: s.params.MeetingID,
		Payload: map[string]interface{}{
			"transcriptId": transcriptID,
			"wordCount":    transcript.WordCount,
		},
	}); err != nil {
		s.log.Debug("transcription_complete not published", zap.Error(err))
	}
	if err := s.deps.Control.SetCache(ctx, transcriptKey(s.params.MeetingID), map[string]interface{}{
		"transcriptId": transcriptID,
		"text":         text,
		"duration":     result.DurationSeconds,
	}, transcriptTTL); err != nil {
		s.log.Debug("transcript not cached", zap.Error(err))
	}

	if err := s.deps.Artifacts.Remove(rec); err != nil {
		s.log.Warn("recording not removed after save", zap.String("file", rec.Name), zap.Error(err))
	}

	s.notify(ctx, models.EventTranscriptionCompleted, map[string]interface{}{
		"meetingId":    s.params.MeetingID,
		"transcriptId": transcriptID,
		"wordCount":    transcript.WordCount,
	})
	s.setState(models.StateCompleted, "transcriptId="+transcriptID)
}
