package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/internal/worker"
	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

const maxBodyBytes = 1 << 20

// Bots is the orchestrator as seen by the HTTP layer.
type Bots interface {
	RequestJoin(ctx context.Context, req worker.JoinRequest) (models.JoinResponse, error)
	RequestStop(meetingID, reason string) error
	EndMeeting(ctx context.Context, meetingID, reason string) (bool, error)
	SendCommand(ctx context.Context, meetingID, command string) (bool, error)
	GetStatus(ctx context.Context, meetingID string) (models.BotStatus, error)
	ListActive() []models.BotSummary
	HealthSnapshot() models.Health
	Screenshot(ctx context.Context, meetingID string) ([]byte, error)
	DebugTarget(meetingID string) (string, error)
}

// Recordings lists and exports retained recordings.
type Recordings interface {
	List() ([]models.Recording, error)
	Archive(w io.Writer) (int, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	bots       Bots
	recordings Recordings
	secret     string
	log        *zap.Logger
}

// NewHandler creates a new HTTP handler. An empty secret leaves the API open.
func NewHandler(bots Bots, recordings Recordings, secret string) *Handler {
	return &Handler{
		bots:       bots,
		recordings: recordings,
		secret:     secret,
		log:        logger.WithModule("api"),
	}
}

// decode reads an optional JSON body and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return validateStruct(dst)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.bots.HealthSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"workerId":     snap.WorkerID,
		"activeBots":   snap.ActiveCount,
		"controlPlane": snap.ControlPlaneMode,
		"timestamp":    time.Now().UTC(),
	})
}

// HealthDetailed handles GET /health/detailed
func (h *Handler) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	success(w, http.StatusOK, h.bots.HealthSnapshot())
}

// LaunchBot handles POST /v1/bots
func (h *Handler) LaunchBot(w http.ResponseWriter, r *http.Request) {
	var req models.JoinRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	h.join(w, r, worker.JoinRequest{
		Link:     req.MeetingURL,
		Password: req.Password,
		UserID:   req.UserID,
		BotName:  req.BotName,
	})
}

// AutoJoin handles POST /v1/bots/auto-join, sent when a scheduled meeting starts.
func (h *Handler) AutoJoin(w http.ResponseWriter, r *http.Request) {
	var req models.AutoJoinRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = req.HostID
	}
	h.log.Info("auto-join requested",
		zap.String("meeting_id", req.MeetingID),
		zap.String("topic", req.Topic),
	)

	h.join(w, r, worker.JoinRequest{
		MeetingID: req.MeetingID,
		Link:      req.JoinURL,
		Password:  req.Password,
		UserID:    userID,
	})
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, req worker.JoinRequest) {
	resp, err := h.bots.RequestJoin(r.Context(), req)
	if err != nil {
		h.log.Warn("join failed", zap.String("meeting_id", req.MeetingID), zap.Error(err))
		writeError(w, err)
		return
	}
	if resp.AlreadyActive {
		success(w, http.StatusOK, resp)
		return
	}
	success(w, http.StatusAccepted, resp)
}

// ListBots handles GET /v1/bots
func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	bots := h.bots.ListActive()
	success(w, http.StatusOK, map[string]interface{}{
		"bots":  bots,
		"count": len(bots),
	})
}

// GetBot handles GET /v1/bots/{meetingId}
func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	status, err := h.bots.GetStatus(r.Context(), mux.Vars(r)["meetingId"])
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, status)
}

// StopBot handles POST /v1/bots/{meetingId}/stop
func (h *Handler) StopBot(w http.ResponseWriter, r *http.Request) {
	meetingID := mux.Vars(r)["meetingId"]

	var req models.StopRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.bots.RequestStop(meetingID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusAccepted, map[string]interface{}{
		"meetingId": meetingID,
		"stopping":  true,
	})
}

// Screenshot handles GET /v1/bots/{meetingId}/screenshot
func (h *Handler) Screenshot(w http.ResponseWriter, r *http.Request) {
	img, err := h.bots.Screenshot(r.Context(), mux.Vars(r)["meetingId"])
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(img)
}

// GetDebugURL handles GET /v1/bots/{meetingId}/debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	meetingID := mux.Vars(r)["meetingId"]
	if _, err := h.bots.DebugTarget(meetingID); err != nil {
		writeError(w, err)
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	success(w, http.StatusOK, map[string]string{
		"meetingId":   meetingID,
		"debuggerUrl": fmt.Sprintf("%s://%s/v1/bots/%s/debug/ws", scheme, r.Host, meetingID),
	})
}

// MeetingEnded handles POST /webhook/meeting-ended
func (h *Handler) MeetingEnded(w http.ResponseWriter, r *http.Request) {
	var req models.MeetingEndedWebhook
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "webhook"
	}

	local, err := h.bots.EndMeeting(r.Context(), req.MeetingID, req.Reason)
	if err != nil {
		h.log.Warn("meeting ended not published", zap.String("meeting_id", req.MeetingID), zap.Error(err))
	}
	success(w, http.StatusOK, map[string]interface{}{
		"meetingId":        req.MeetingID,
		"recordingStopped": local,
	})
}

// BotCommand handles POST /webhook/bot-command
func (h *Handler) BotCommand(w http.ResponseWriter, r *http.Request) {
	var req models.BotCommandWebhook
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.Command = strings.ToLower(strings.TrimSpace(req.Command))
	if req.Command == "stop" {
		req.Command = models.CommandStopRecording
	}
	if err := validateStruct(&req); err != nil {
		h.badRequest(w, err)
		return
	}

	local, err := h.bots.SendCommand(r.Context(), req.MeetingID, req.Command)
	if err != nil {
		h.log.Warn("bot command not published", zap.String("meeting_id", req.MeetingID), zap.Error(err))
	}
	success(w, http.StatusOK, map[string]interface{}{
		"meetingId": req.MeetingID,
		"command":   req.Command,
		"applied":   local,
	})
}

// ListRecordings handles GET /v1/recordings
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.recordings.List()
	if err != nil {
		h.log.Error("list recordings", zap.Error(err))
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, map[string]interface{}{
		"recordings": recs,
		"count":      len(recs),
	})
}

// ArchiveRecordings handles GET /v1/recordings/archive
func (h *Handler) ArchiveRecordings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="recordings.tar.gz"`)

	n, err := h.recordings.Archive(w)
	if err != nil {
		// Headers are gone; the truncated archive is the only signal.
		h.log.Error("archive recordings", zap.Int("files", n), zap.Error(err))
		return
	}
	h.log.Info("recordings archived", zap.Int("files", n))
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	var validation ValidationErrors
	if errors.As(err, &validation) {
		writeError(w, err)
		return
	}
	failure(w, http.StatusBadRequest, "bad_request", err.Error())
}
