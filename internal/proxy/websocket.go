// Package proxy relays a debugger's websocket to the CDP endpoint of the
// browser a bot is using.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Targets resolves a meeting to the CDP endpoint of its bot's browser.
type Targets interface {
	DebugTarget(meetingID string) (string, error)
}

type Server struct {
	targets Targets
	dialer  *websocket.Dialer
	log     *zap.Logger
}

// NewServer creates a debug proxy resolving bots through targets.
func NewServer(targets Targets) *Server {
	return &Server{
		targets: targets,
		dialer:  websocket.DefaultDialer,
		log:     logger.WithModule("debug-proxy"),
	}
}

// HandleDebugConnection upgrades the request and pipes frames both ways
// until either side closes.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, meetingID string) {
	target, err := s.targets.DebugTarget(meetingID)
	if err != nil {
		http.Error(w, "bot not found", http.StatusNotFound)
		return
	}
	log := s.log.With(zap.String("meeting_id", meetingID))

	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()

	chromeConn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		log.Warn("connect to browser failed", zap.Error(err))
		http.Error(w, "browser unreachable", http.StatusBadGateway)
		return
	}
	defer chromeConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	log.Info("debugger attached")

	errChan := make(chan error, 2)
	go func() {
		errChan <- relay(clientConn, chromeConn)
	}()
	go func() {
		errChan <- relay(chromeConn, clientConn)
	}()

	err = <-errChan
	var closeErr *websocket.CloseError
	if err != nil && !errors.As(err, &closeErr) {
		log.Debug("debug relay ended", zap.Error(err))
	}
	log.Info("debugger detached")
}

func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
