package room

import "collabtext/internal/ot"

// Client-facing event names.
const (
	EventDocumentLoaded = "document-loaded"
	EventContentChanged = "content-changed"
	EventEditAck        = "edit-ack"
	EventRemoteCursor   = "remote-cursor"
	EventCursorRemoved  = "cursor-removed"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventError          = "error"
)

// Member is a connection's presence entry in a room.
type Member struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Color        string `json:"color"`

	roomID string
}

// Cursor is a connection's last reported caret position.
type Cursor struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Color        string `json:"color"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
}

type DocumentLoaded struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

// ContentChanged announces a committed operation. Operation applies to the
// document at Version-1.
type ContentChanged struct {
	Operation ot.Operation `json:"operation"`
	AuthorID  string       `json:"authorId"`
	Username  string       `json:"username"`
	Color     string       `json:"color"`
	Version   int          `json:"version"`
}

// EditAck tells the submitter how its operation was committed.
type EditAck struct {
	Operation ot.Operation `json:"operation"`
	Version   int          `json:"version"`
}

type UserJoined struct {
	Users []Member `json:"users"`
}

type UserLeft struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Users    []Member `json:"users"`
}

type CursorRemoved struct {
	ConnectionID string `json:"connectionId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

var palette = []string{"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4", "#46f0f0", "#f032e6"}

// UserColor picks a stable color for a user id.
func UserColor(userID string) string {
	sum := 0
	for _, r := range userID {
		sum += int(r)
	}
	return palette[sum%len(palette)]
}
