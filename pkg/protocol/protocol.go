// Package protocol encodes and decodes the binary message envelope exchanged
// between clients and the message bus. Byte 0 tags the message class, sync
// messages carry a subtype in byte 1, and payloads are uvarint
// length-prefixed.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/ycrdt"
)

// Message classes (byte 0).
const (
	MessageSync           byte = 0
	MessageAwareness      byte = 1
	MessageAuth           byte = 2 // unused by this core
	MessageQueryAwareness byte = 3 // unused by this core
)

// Sync subtypes (byte 1 of a sync message).
const (
	MessageSyncStep1  byte = 0
	MessageSyncStep2  byte = 1
	MessageSyncUpdate byte = 2
)

// ErrUnexpectedMessageType is returned when an envelope carries a class this
// core cannot process.
var ErrUnexpectedMessageType = errors.New("unexpected message type")

// Message is a decoded envelope.
type Message struct {
	Class    byte
	SyncType byte // valid only when Class == MessageSync
	Payload  []byte
}

// EncodeSyncStep1 wraps a state vector as a sync step-1 envelope.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(MessageSyncStep1, stateVector)
}

// EncodeSyncStep2 wraps a diff as a sync step-2 envelope.
func EncodeSyncStep2(diff []byte) []byte {
	return encodeSync(MessageSyncStep2, diff)
}

// EncodeSyncUpdate wraps an update as a sync update envelope.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(MessageSyncUpdate, update)
}

func encodeSync(syncType byte, payload []byte) []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(payload))
	buf = append(buf, MessageSync, syncType)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeAwareness wraps a raw awareness-protocol payload.
func EncodeAwareness(payload []byte) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	buf = append(buf, MessageAwareness)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeAwarenessUpdate encodes the current awareness state of the given
// clients as an awareness envelope.
func EncodeAwarenessUpdate(awareness *ycrdt.Awareness, clients []uint64) ([]byte, error) {
	payload, err := awareness.Encode(clients)
	if err != nil {
		return nil, err
	}
	return EncodeAwareness(payload), nil
}

// EncodeAwarenessUserDisconnected encodes the removal of a client: a
// single-entry awareness change at lastClock+1 with the null state.
func EncodeAwarenessUserDisconnected(clientID, lastClock uint64) []byte {
	return EncodeAwareness(ycrdt.EncodeAwarenessRemoval(clientID, lastClock))
}

// DecodeMessage parses an envelope. The tag bytes are validated; the payload
// is the length-prefixed remainder.
func DecodeMessage(msg []byte) (Message, error) {
	if len(msg) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}
	m := Message{Class: msg[0]}
	rest := msg[1:]
	switch m.Class {
	case MessageSync:
		if len(rest) == 0 {
			return Message{}, fmt.Errorf("sync message without subtype")
		}
		m.SyncType = rest[0]
		if m.SyncType > MessageSyncUpdate {
			return Message{}, fmt.Errorf("unknown sync subtype %d", m.SyncType)
		}
		rest = rest[1:]
	case MessageAwareness, MessageAuth, MessageQueryAwareness:
	default:
		return Message{}, fmt.Errorf("%w: class %d", ErrUnexpectedMessageType, m.Class)
	}
	payload, err := readPayload(rest)
	if err != nil {
		return Message{}, err
	}
	m.Payload = payload
	return m, nil
}

func readPayload(rest []byte) ([]byte, error) {
	if len(rest) == 0 {
		return nil, nil
	}
	n, consumed := binary.Uvarint(rest)
	if consumed <= 0 || uint64(len(rest)-consumed) < n {
		return nil, fmt.Errorf("truncated message payload")
	}
	return rest[consumed : consumed+int(n)], nil
}

// MergeMessages folds buffered raw envelopes into at most two messages: one
// merged sync update (when at least one update was buffered) followed by one
// merged awareness update (when at least one client state survives). A
// single-message input is returned unchanged. Undecodable messages and sync
// subtypes that have no business sitting in a stream are dropped with a log
// line so one bad entry cannot abort compaction of the rest; an envelope
// class this core does not handle fails the whole call.
func MergeMessages(raw [][]byte) ([][]byte, error) {
	if len(raw) < 2 {
		return raw, nil
	}
	var updates [][]byte
	scratch := ycrdt.NewAwareness()
	for _, msg := range raw {
		m, err := DecodeMessage(msg)
		if err != nil {
			if errors.Is(err, ErrUnexpectedMessageType) {
				return nil, err
			}
			logger.Warn("merge_message_undecodable", "error", err)
			continue
		}
		switch m.Class {
		case MessageSync:
			switch m.SyncType {
			case MessageSyncUpdate:
				updates = append(updates, m.Payload)
			default:
				logger.Warn("merge_message_unexpected_sync_subtype", "subtype", m.SyncType)
			}
		case MessageAwareness:
			if err := scratch.ApplyUpdate(m.Payload); err != nil {
				logger.Warn("merge_awareness_apply_failed", "error", err)
			}
		default:
			return nil, fmt.Errorf("%w: class %d", ErrUnexpectedMessageType, m.Class)
		}
	}
	var out [][]byte
	if len(updates) > 0 {
		merged, err := ycrdt.MergeUpdates(updates)
		if err != nil {
			return nil, fmt.Errorf("merge sync updates: %w", err)
		}
		out = append(out, EncodeSyncUpdate(merged))
	}
	if clients := scratch.ClientIDs(); len(clients) > 0 {
		aw, err := EncodeAwarenessUpdate(scratch, clients)
		if err != nil {
			return nil, fmt.Errorf("merge awareness: %w", err)
		}
		out = append(out, aw)
	}
	return out, nil
}
