package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one client connection. Reads happen on the caller's goroutine via
// ReadEnvelope; writes are funneled through the send channel to a single
// writer goroutine.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// ErrMalformedMessage is returned by ReadEnvelope for a message that is not
// a JSON envelope. The connection stays usable.
var ErrMalformedMessage = errors.New("malformed message")

// ReadEnvelope blocks for the next client message.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformedMessage, truncate(data))
	}
	return env, nil
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
