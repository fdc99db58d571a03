package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
)

// wsSender adapts a websocket connection to the job manager's Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) Send(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// wsHandler handles GET /ws/progress/:job_id. Per-connection state machine:
// validate job id, check origin and connection cap (1008 on failure), send
// the initial snapshot, then echo frames until disconnect, timeout (1001),
// the message cap (1001), or an internal error (1011).
func (s *Server) wsHandler(c *echo.Context) error {
	jobID := c.Param("job_id")

	// Origin enforcement is done here with the configured prefix allow-list,
	// so the library check is disabled.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(int64(s.cfg.WebSocket.MaxMessageSize))

	if res := s.sanitizer.JobID(jobID); !res.Valid {
		conn.Close(websocket.StatusPolicyViolation, "Invalid job ID")
		return nil
	}
	if origin := c.Request().Header.Get("Origin"); !s.originAllowed(origin) {
		s.log.Warn("WebSocket origin refused", "origin", origin, "job_id", jobID)
		conn.Close(websocket.StatusPolicyViolation, "Unauthorized origin")
		return nil
	}
	if count := s.connCount.Add(1); count > int64(s.cfg.WebSocket.MaxConcurrentConnections) {
		s.connCount.Add(-1)
		conn.Close(websocket.StatusPolicyViolation, "Connection limit reached")
		return nil
	}
	defer s.connCount.Add(-1)

	sender := &wsSender{conn: conn}
	s.jobs.AddConnection(jobID, sender)
	defer s.jobs.RemoveConnection(jobID, sender)

	log := s.log.With("job_id", jobID)
	log.Info("WebSocket connected")

	connCtx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.WebSocket.ConnectionTimeout)
	defer cancel()

	if err := s.sendInitial(connCtx, sender, jobID); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send initial state")
		return nil
	}

	s.messageLoop(connCtx, conn, sender, jobID, log)
	return nil
}

// originAllowed accepts empty origins (local tooling) and any origin that
// prefix-matches the allow-list.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.WebSocket.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// sendInitial delivers the job's current snapshot, or a synthetic waiting
// snapshot when the job has no progress file yet.
func (s *Server) sendInitial(ctx context.Context, sender *wsSender, jobID string) error {
	snap, err := s.jobs.Progress(jobID)
	if err != nil {
		if !errors.Is(err, progress.ErrNotFound) {
			return err
		}
		waiting := progress.NewWaiting(jobID)
		snap = &waiting
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.WebSocket.SendTimeout)
	defer cancel()
	return sender.Send(sendCtx, data)
}

// messageLoop echoes inbound frames until one of the exit conditions hits.
func (s *Server) messageLoop(ctx context.Context, conn *websocket.Conn, sender *wsSender, jobID string, log *slog.Logger) {
	messageCount := 0
	windowStart := time.Now()
	windowCount := 0

	for {
		if messageCount >= s.cfg.WebSocket.MaxMessagesPerConnection {
			conn.Close(websocket.StatusGoingAway, "Message limit reached, please reconnect")
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.WebSocket.ReceiveTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				log.Info("WebSocket closed by peer", "messages", messageCount)
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
				log.Info("WebSocket timed out", "messages", messageCount)
				conn.Close(websocket.StatusGoingAway, "Timeout")
			case ctx.Err() != nil:
				conn.Close(websocket.StatusGoingAway, "Server shutting down")
			default:
				log.Warn("WebSocket read error", "error", err)
				conn.Close(websocket.StatusInternalError, "Internal error")
			}
			return
		}

		// Per-second rate guard.
		if limit := s.cfg.WebSocket.MessagesPerSecond; limit > 0 {
			if time.Since(windowStart) >= time.Second {
				windowStart = time.Now()
				windowCount = 0
			}
			windowCount++
			if windowCount > limit {
				conn.Close(websocket.StatusPolicyViolation, "Message rate exceeded")
				return
			}
		}

		messageCount++
		echoFrame, err := json.Marshal(map[string]any{
			"type":          "echo",
			"message":       string(data),
			"job_id":        jobID,
			"message_count": messageCount,
		})
		if err != nil {
			conn.Close(websocket.StatusInternalError, "Internal error")
			return
		}

		sendCtx, sendCancel := context.WithTimeout(ctx, s.cfg.WebSocket.SendTimeout)
		err = sender.Send(sendCtx, echoFrame)
		sendCancel()
		if err != nil {
			log.Warn("WebSocket echo failed", "error", err)
			conn.Close(websocket.StatusInternalError, "Internal error")
			return
		}
	}
}
