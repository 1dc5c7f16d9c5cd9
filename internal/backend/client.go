// Package backend talks to the main application server: it persists
// transcripts and delivers lifecycle webhooks.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

const (
	saveTranscriptPath = "/api/recordings/transcripts/save"
	secretHeader       = "x-worker-secret"
)

// ErrNotConfigured is returned by SaveTranscript when no main server is set.
var ErrNotConfigured = errors.New("main server url not configured")

// Options configure a Client.
type Options struct {
	MainServerURL string
	Secret        string
	WebhookURL    string
	WorkerID      string
	Timeout       time.Duration
}

// Client is both the persistence sink and the notification sink.
type Client struct {
	main       *resty.Client
	hasMain    bool
	hooks      *resty.Client
	webhookURL string
	workerID   string
	now        func() time.Time
	log        *zap.Logger
}

// New builds a client. A trailing /api on the main server URL is ignored.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	base := strings.TrimSuffix(strings.TrimRight(opts.MainServerURL, "/"), "/api")

	main := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader(secretHeader, opts.Secret)
	if base != "" {
		main.SetBaseURL(base)
	}

	hooks := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		main:       main,
		hasMain:    base != "",
		hooks:      hooks,
		webhookURL: opts.WebhookURL,
		workerID:   opts.WorkerID,
		now:        time.Now,
		log:        logger.WithModule("backend"),
	}
}

// SaveTranscript persists a transcript and returns its id on the main server.
func (c *Client) SaveTranscript(ctx context.Context, t models.Transcript) (string, error) {
	if !c.hasMain {
		return "", ErrNotConfigured
	}
	if t.WorkerID == "" {
		t.WorkerID = c.workerID
	}

	resp, err := c.main.R().
		SetContext(ctx).
		SetBody(t).
		Post(saveTranscriptPath)
	if err != nil {
		return "", fmt.Errorf("save transcript: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("save transcript: backend returned status %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}

	id := gjson.GetBytes(resp.Body(), "transcriptId").String()
	c.log.Info("transcript saved",
		zap.String("meeting_id", t.MeetingID),
		zap.String("transcript_id", id),
		zap.Int("words", t.WordCount),
	)
	return id, nil
}

// Notify posts a lifecycle event to the webhook URL. Delivery is best
// effort: failures are logged and never returned.
func (c *Client) Notify(ctx context.Context, event string, data interface{}) {
	if c.webhookURL == "" {
		c.log.Debug("no webhook url configured, skipping", zap.String("event", event))
		return
	}

	resp, err := c.hooks.R().
		SetContext(ctx).
		SetBody(models.Notification{
			Event:     event,
			Data:      data,
			Timestamp: c.now().UTC(),
			WorkerID:  c.workerID,
		}).
		Post(c.webhookURL)
	if err != nil {
		c.log.Warn("webhook error", zap.String("event", event), zap.Error(err))
		return
	}
	if resp.IsError() {
		c.log.Warn("webhook failed", zap.String("event", event), zap.Int("status", resp.StatusCode()))
		return
	}
	c.log.Debug("webhook sent", zap.String("event", event))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
