package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"collabtext/internal/ot"
)

// Message is what a committing instance publishes on a room's channel.
type Message struct {
	OriginInstanceID string       `json:"originInstanceId"`
	RoomID           string       `json:"roomId"`
	Operation        ot.Operation `json:"operation"`
	AuthorID         string       `json:"authorId"`
	Username         string       `json:"username"`
	Color            string       `json:"color"`
	Version          int          `json:"version"`
}

// Codec encodes messages for the bus. All instances sharing a bus must use
// the same codec.
type Codec interface {
	Name() string
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte, *Message) error
}

// JSON is the default codec; messages stay readable with redis-cli MONITOR.
var JSON Codec = jsonCodec{}

// CBOR encodes messages with core deterministic CBOR.
var CBOR Codec = newCBORCodec()

// CodecByName returns the codec called name ("json" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown bus codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(m Message) ([]byte, error) { return json.Marshal(m) }

func (jsonCodec) Unmarshal(data []byte, m *Message) error { return json.Unmarshal(data, m) }

type cborCodec struct {
	enc cbor.EncMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fanout: CBOR encoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc}
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) Marshal(m Message) ([]byte, error) { return c.enc.Marshal(m) }

func (cborCodec) Unmarshal(data []byte, m *Message) error { return cbor.Unmarshal(data, m) }
