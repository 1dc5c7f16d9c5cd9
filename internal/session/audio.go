package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/internal/driver"
)

// acquireAudio probes the real sources in priority order on every attempt
// and starts capture from the first live one. After the last attempt it
// falls back to a near-silent synthetic stream so the pipeline still
// produces a recording. A stop signal aborts between attempts.
func (s *Session) acquireAudio(ctx context.Context) (driver.AudioSource, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	for attempt := 1; attempt <= s.cfg.AudioMaxAttempts; attempt++ {
		if s.StopRequested() {
			return "", errStopped
		}

		if source, ok := s.probeSources(ctx, client); ok {
			s.log.Info("audio source found", zap.String("source", string(source)), zap.Int("attempt", attempt))
			return source, nil
		}

		s.log.Debug("no live audio source yet", zap.Int("attempt", attempt), zap.Int("max_attempts", s.cfg.AudioMaxAttempts))
		if attempt == s.cfg.AudioMaxAttempts {
			break
		}

		timer := time.NewTimer(s.cfg.AudioRetryInterval)
		select {
		case <-s.stopCh:
			timer.Stop()
			return "", errStopped
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if s.StopRequested() {
		return "", errStopped
	}

	s.log.Warn("no live audio source found, using synthetic fallback", zap.Int("attempts", s.cfg.AudioMaxAttempts))
	if err := s.step(ctx, func(ctx context.Context) error {
		return client.StartCapture(ctx, driver.SourceSynthetic)
	}); err != nil {
		return "", fmt.Errorf("%w: synthetic fallback: %v", ErrRecording, err)
	}
	s.markCapturing()
	return driver.SourceSynthetic, nil
}

func (s *Session) probeSources(ctx context.Context, client driver.Client) (driver.AudioSource, bool) {
	for _, source := range driver.ProbeOrder {
		if s.StopRequested() {
			return "", false
		}

		var found bool
		err := s.step(ctx, func(ctx context.Context) error {
			var err error
			found, err = client.Probe(ctx, source)
			return err
		})
		if err != nil {
			s.log.Debug("audio probe failed", zap.String("source", string(source)), zap.Error(err))
			continue
		}
		if !found {
			continue
		}

		if err := s.step(ctx, func(ctx context.Context) error {
			return client.StartCapture(ctx, source)
		}); err != nil {
			s.log.Warn("capture start failed", zap.String("source", string(source)), zap.Error(err))
			continue
		}
		s.markCapturing()
		return source, true
	}
	return "", false
}

func (s *Session) markCapturing() {
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
}
