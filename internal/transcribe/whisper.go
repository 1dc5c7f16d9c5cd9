// Package transcribe turns recorded meeting audio into text with OpenAI Whisper.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 5 * time.Minute
	audioMimeType   = "audio/webm"
)

// Result is the transcription of one recording.
type Result struct {
	Text            string
	DurationSeconds float64
}

// Option configures a Whisper client.
type Option func(*Whisper)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) Option {
	return func(w *Whisper) { w.requestOpts = append(w.requestOpts, option.WithBaseURL(url)) }
}

// WithTimeout bounds each transcription call.
func WithTimeout(d time.Duration) Option {
	return func(w *Whisper) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithMaxRetries sets the API client's retry count.
func WithMaxRetries(n int) Option {
	return func(w *Whisper) { w.requestOpts = append(w.requestOpts, option.WithMaxRetries(n)) }
}

// Whisper calls the OpenAI audio transcription endpoint.
type Whisper struct {
	api         openai.Client
	requestOpts []option.RequestOption
	timeout     time.Duration
	language    string
	log         *zap.Logger
}

// New builds a client. The API key is required.
func New(apiKey string, opts ...Option) (*Whisper, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is required")
	}

	w := &Whisper{
		timeout:  defaultTimeout,
		language: defaultLanguage,
		log:      logger.WithModule("transcribe"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.api = openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, w.requestOpts...)...)
	return w, nil
}

// Transcribe sends audio as a webm file and returns the text with the
// duration reported by the API.
func (w *Whisper) Transcribe(ctx context.Context, filename string, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, errors.New("empty audio")
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	resp, err := w.api.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(audio), filename, audioMimeType),
		Model:          openai.AudioModelWhisper1,
		Language:       openai.String(w.language),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("whisper transcription: %w", err)
	}

	result := Result{
		Text:            strings.TrimSpace(resp.Text),
		DurationSeconds: gjson.Get(resp.RawJSON(), "duration").Float(),
	}

	w.log.Info("transcription finished",
		zap.String("file", filename),
		zap.Int("audio_bytes", len(audio)),
		zap.Int("chars", len(result.Text)),
		zap.Float64("audio_seconds", result.DurationSeconds),
		zap.Duration("took", time.Since(started)),
	)
	return result, nil
}
