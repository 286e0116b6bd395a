// Package wire implements the binary framing spoken over a page sync
// websocket. Frames follow the y-websocket layout: a varint message type,
// then for sync messages a varint subtype and a length-prefixed payload.
// Payloads are opaque here; the crdt package owns their encoding.
package wire

import (
	"encoding/binary"
	"errors"
)

// Message types.
const (
	MessageSync      = 0
	MessageAwareness = 1
)

// Sync subtypes. Step1 carries a state vector and asks for what the sender
// lacks; step2 answers with the missing update; update carries an
// incremental edit.
const (
	SyncStep1  = 0
	SyncStep2  = 1
	SyncUpdate = 2
)

// ErrMalformed reports a frame that cannot be parsed. The offending session
// is closed; the document is untouched.
var ErrMalformed = errors.New("wire: malformed frame")

// Message is a parsed inbound frame.
type Message struct {
	Type    uint8
	Sync    uint8 // valid when Type == MessageSync
	Payload []byte
}

// SyncStep1Frame frames an encoded state vector.
func SyncStep1Frame(stateVector []byte) []byte {
	return syncFrame(SyncStep1, stateVector)
}

// SyncStep2Frame frames an encoded update answering a step1.
func SyncStep2Frame(update []byte) []byte {
	return syncFrame(SyncStep2, update)
}

// SyncUpdateFrame frames an encoded incremental update.
func SyncUpdateFrame(update []byte) []byte {
	return syncFrame(SyncUpdate, update)
}

func syncFrame(sub uint64, payload []byte) []byte {
	b := binary.AppendUvarint(nil, MessageSync)
	b = binary.AppendUvarint(b, sub)
	b = binary.AppendUvarint(b, uint64(len(payload)))
	return append(b, payload...)
}

// AwarenessFrame frames a presence payload for relay.
func AwarenessFrame(payload []byte) []byte {
	b := binary.AppendUvarint(nil, MessageAwareness)
	b = binary.AppendUvarint(b, uint64(len(payload)))
	return append(b, payload...)
}

// Parse decodes one inbound frame. Unknown message types, unknown sync
// subtypes, short payloads, and trailing bytes all yield ErrMalformed.
func Parse(frame []byte) (Message, error) {
	typ, rest, err := uvarint(frame)
	if err != nil {
		return Message{}, err
	}
	switch typ {
	case MessageSync:
		sub, rest, err := uvarint(rest)
		if err != nil {
			return Message{}, err
		}
		if sub > SyncUpdate {
			return Message{}, ErrMalformed
		}
		payload, rest, err := blob(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, ErrMalformed
		}
		return Message{Type: MessageSync, Sync: uint8(sub), Payload: payload}, nil
	case MessageAwareness:
		payload, rest, err := blob(rest)
		if err != nil {
			return Message{}, err
		}
		if len(rest) != 0 {
			return Message{}, ErrMalformed
		}
		return Message{Type: MessageAwareness, Payload: payload}, nil
	}
	return Message{}, ErrMalformed
}

func uvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, ErrMalformed
	}
	return v, b[n:], nil
}

func blob(b []byte) ([]byte, []byte, error) {
	ln, rest, err := uvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < ln {
		return nil, nil, ErrMalformed
	}
	return rest[:ln], rest[ln:], nil
}
