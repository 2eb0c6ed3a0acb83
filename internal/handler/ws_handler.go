package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ClockSource resolves the server-side clock of a student's active attempt.
type ClockSource interface {
	ActiveClock(ctx context.Context, examID uuid.UUID, studentID int) (*service.AttemptClock, error)
}

// EventWatcher delivers the raw lifecycle events of one attempt.
type EventWatcher interface {
	WatchAttemptEvents(ctx context.Context, attemptID uuid.UUID) (<-chan []byte, func() error)
}

// WSHandler streams the server clock of an attempt over WebSocket.
type WSHandler struct {
	clocks   ClockSource
	events   EventWatcher
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(clocks ClockSource, events EventWatcher, interval time.Duration, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		clocks:   clocks,
		events:   events,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ClockStream godoc
// WS /ws/v1/examenes/:id/reloj?token=...
// Sends {"event":"reloj"} with the seconds left every interval and
// {"event":"finalizado"} once the attempt is closed, then hangs up.
func (h *WSHandler) ClockStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	// Resolve before upgrading so a missing attempt is a plain HTTP error.
	clock, err := h.clocks.ActiveClock(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAttemptNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		case errors.Is(err, service.ErrExamNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			h.log.Error().Err(err).Msg("Resolve attempt clock failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("attempt_id", clock.AttemptID.String()).
		Logger()
	wsLog.Info().Msg("Clock stream connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop := h.events.WatchAttemptEvents(ctx, clock.AttemptID)
	defer stop()

	actions := make(chan ws.Action, 1)
	readerDone := make(chan struct{})
	go h.readLoop(conn, wsLog, actions, readerDone)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.writeClock(conn, clock); err != nil {
		return
	}

	for {
		select {
		case <-readerDone:
			wsLog.Debug().Msg("Clock stream closed by client")
			return

		case <-ticker.C:
			if err := h.writeClock(conn, clock); err != nil {
				wsLog.Debug().Err(err).Msg("Clock write failed")
				return
			}

		case action := <-actions:
			var err error
			if action == ws.ActionPing {
				err = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
			} else {
				err = ws.WriteError(conn, "acción desconocida: "+string(action))
			}
			if err != nil {
				return
			}

		case payload, ok := <-events:
			if !ok {
				return
			}
			var msg ws.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				wsLog.Warn().Err(err).Msg("Invalid attempt event")
				if err := ws.WriteError(conn, "evento de intento inválido"); err != nil {
					return
				}
				continue
			}
			if err := ws.WriteTyped(conn, json.RawMessage(payload)); err != nil {
				return
			}
			if msg.Event == ws.EventFinished {
				wsLog.Info().Bool("expired", msg.Expired).Msg("Attempt finished, closing clock stream")
				_ = ws.WriteClose(conn, string(ws.EventFinished))
				return
			}
		}
	}
}

func (h *WSHandler) writeClock(conn *websocket.Conn, clock *service.AttemptClock) error {
	return ws.WriteTyped(conn, ws.ClockResponse{
		Event:     ws.EventClock,
		AttemptID: clock.AttemptID.String(),
		Remaining: clock.Remaining(h.now()),
	})
}

// readLoop consumes client frames so control messages are processed and a
// hang-up is noticed. Actions are answered by the writer loop.
func (h *WSHandler) readLoop(conn *websocket.Conn, log zerolog.Logger, actions chan<- ws.Action, done chan<- struct{}) {
	defer close(done)
	for {
		var req ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}
		select {
		case actions <- req.Action:
		default:
		}
	}
}
