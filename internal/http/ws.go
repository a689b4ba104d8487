package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/core"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// wsSession is the registry's handle on a websocket. Close only fails the
// pending read; the write pump owns the socket and closes it once the
// frames queued before eviction are flushed.
type wsSession struct {
	conn *websocket.Conn
}

func (s wsSession) Close() error { return s.conn.SetReadDeadline(time.Now()) }

// handleWS authenticates before upgrading; a bad credential never gets a
// websocket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		s.logger.Info("ws_auth_rejected", "remote_addr", remoteIP(r), "error", err)
		writeError(w, err)
		return
	}
	if sc := scopeOf(r.Context()); sc != nil {
		sc.caller = &id
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "participant_id", id.ParticipantID, "error", err)
		return
	}
	c := s.core.Connect(id, wsSession{conn: conn})
	s.logger.Info("ws_connected", "participant_id", id.ParticipantID, "role", id.Role, "session_id", c.SessionID)

	go s.writePump(c, conn)
	s.readPump(r.Context(), c, conn)
}

func (s *Server) readPump(ctx context.Context, c *registry.Connection, conn *websocket.Conn) {
	defer func() {
		s.core.Disconnect(c)
		s.logger.Info("ws_disconnected", "participant_id", c.ID(), "session_id", c.SessionID)
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("ws_read_failed", "participant_id", c.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var env models.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			_ = s.core.Broadcaster().Reply(c, models.EventError, "", models.ErrorPayload{
				Code:    core.ErrorCode(core.ErrBadRequest),
				Message: fmt.Sprintf("malformed frame: %v", err),
			})
			continue
		}
		s.core.Handle(ctx, c, env)
	}
}

// writePump is the only writer on conn and the one that closes it. After
// eviction it flushes what is already queued, sends a close frame and hangs
// up; every write is bounded by writeWait.
func (s *Server) writePump(c *registry.Connection, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case env := <-c.Outbound():
			if err := write(conn, env); err != nil {
				s.core.Disconnect(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.core.Disconnect(c)
				return
			}
		case <-c.Done():
			for {
				select {
				case env := <-c.Outbound():
					if write(conn, env) != nil {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func write(conn *websocket.Conn, env models.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
