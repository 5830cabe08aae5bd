package sync

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_collab/pkg/awareness"
)

// MsgType tags the frames exchanged between provider and relay.
type MsgType uint8

const (
	// MsgSyncRequest is the first frame a client sends after dialing: its
	// full encoded state. Exactly one per connect.
	MsgSyncRequest MsgType = 0x01
	// MsgSyncState is the relay's handshake answer: the room's merged state.
	MsgSyncState MsgType = 0x02
	// MsgUpdate carries an encoded document state to merge, either direction.
	MsgUpdate MsgType = 0x03
	// MsgAwareness carries one presence record, either direction.
	MsgAwareness MsgType = 0x04
)

// Message is one websocket frame, msgpack encoded in a binary message.
type Message struct {
	Type      MsgType             `msgpack:"type"`
	Room      string              `msgpack:"room,omitempty"`
	ClientID  string              `msgpack:"clientId,omitempty"`
	Payload   []byte              `msgpack:"payload,omitempty"`
	Presence  *awareness.Presence `msgpack:"presence,omitempty"`
	Timestamp int64               `msgpack:"ts,omitempty"`
}

// EncodeMessage serializes a frame, stamping the send time.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msgpack.Marshal(msg)
}

// DecodeMessage deserializes a frame.
func DecodeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == 0 {
		return nil, fmt.Errorf("frame without type")
	}
	return msg, nil
}
