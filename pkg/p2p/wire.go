package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is the gossip envelope for one core event.
type EventWire struct {
	Origin string // peer ID of the publishing node
	Seq    uint64 // per-origin publish counter
	Event  []byte // JSON-encoded core.Event (events.Encode)
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
