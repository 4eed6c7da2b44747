package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"collabtext/internal/ot"
	"collabtext/internal/room"
	"collabtext/internal/transport"
)

// Inbound client events.
const (
	eventJoinRoom   = "join-room"
	eventEdit       = "edit"
	eventCursorMove = "cursor-move"
	eventUndo       = "undo"
)

type joinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// edit carries either an operation or the whole edited content together
// with the version it was edited from.
type edit struct {
	Operation *ot.Operation `json:"operation"`
	Content   *string       `json:"content"`
	Version   int           `json:"version"`
}

type cursorMove struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (s *server) handleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := s.hub.Register(ws)
	logger := s.logger.With("conn", conn.ID())
	logger.Info("new connection", "remote", r.RemoteAddr)

	// Edits are committed on the coordinator's context; a disconnect only
	// ends the read loop.
	ctx := context.WithoutCancel(r.Context())
	defer func() {
		s.coord.Leave(ctx, conn.ID())
		s.hub.Unregister(conn.ID())
	}()

	for {
		env, err := conn.ReadEnvelope()
		if errors.Is(err, transport.ErrMalformedMessage) {
			s.sendError(conn.ID(), err)
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("client read failed", "error", err)
			} else {
				logger.Info("client disconnected")
			}
			return
		}
		if err := s.dispatch(ctx, conn.ID(), env); err != nil {
			logger.Debug("client event rejected", "event", env.Type, "error", err)
			s.sendError(conn.ID(), err)
		}
	}
}

func (s *server) dispatch(ctx context.Context, connID string, env transport.Envelope) error {
	switch env.Type {
	case eventJoinRoom:
		var msg joinRoom
		if err := decode(env, &msg); err != nil {
			return err
		}
		return s.coord.Join(ctx, connID, msg.RoomID, msg.UserID, msg.Username)
	case eventEdit:
		var msg edit
		if err := decode(env, &msg); err != nil {
			return err
		}
		switch {
		case msg.Operation != nil:
			return s.coord.Submit(ctx, connID, *msg.Operation)
		case msg.Content != nil:
			return s.coord.SubmitContent(ctx, connID, *msg.Content, msg.Version)
		default:
			return fmt.Errorf("%w: edit needs an operation or content", room.ErrValidation)
		}
	case eventCursorMove:
		var msg cursorMove
		if err := decode(env, &msg); err != nil {
			return err
		}
		return s.coord.MoveCursor(ctx, connID, msg.Line, msg.Column)
	case eventUndo:
		return s.coord.Undo(ctx, connID)
	default:
		return fmt.Errorf("%w: unknown event %q", room.ErrValidation, env.Type)
	}
}

func decode(env transport.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", room.ErrValidation, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %w", room.ErrValidation, env.Type, err)
	}
	return nil
}

func (s *server) sendError(connID string, err error) {
	if err := s.hub.SendTo(connID, room.EventError, room.ErrorEvent{Message: err.Error()}); err != nil {
		s.logger.Debug("sending error event failed", "conn", connID, "error", err)
	}
}
