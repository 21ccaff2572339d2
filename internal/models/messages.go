package models

import (
	"encoding/json"
	"fmt"
)

// MessageKind is the one-byte prefix discriminating WebSocket frames.
type MessageKind byte

const (
	// KindContentDelta carries a binary CRDT delta.
	KindContentDelta MessageKind = 0x01
	// KindFullSyncRequest asks the relay for a full-state bootstrap.
	KindFullSyncRequest MessageKind = 0x02
	// KindFullSyncResponse carries the full encoded document state.
	KindFullSyncResponse MessageKind = 0x03
	// KindPresenceUpdate carries a JSON Presence record.
	KindPresenceUpdate MessageKind = 0x04
	// KindPresenceClear announces a participant's departure.
	KindPresenceClear MessageKind = 0x05
	// KindHeartbeat keeps a quiet connection alive.
	KindHeartbeat MessageKind = 0x06
	// KindError reports a rejected frame back to its sender only.
	KindError MessageKind = 0x07
)

// PresenceClear is the JSON payload of a KindPresenceClear frame.
type PresenceClear struct {
	ConnectionID string `json:"connection_id"`
}

// ErrorPayload is the JSON payload of a KindError frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Frame wraps a payload with its kind byte for transmission.
func Frame(kind MessageKind, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(kind))
	return append(out, payload...)
}

// FrameJSON marshals v and wraps it with the kind byte.
func FrameJSON(kind MessageKind, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %d frame: %w", kind, err)
	}
	return Frame(kind, payload), nil
}

// SplitFrame separates a received frame into kind and payload.
func SplitFrame(raw []byte) (MessageKind, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return MessageKind(raw[0]), raw[1:], nil
}
