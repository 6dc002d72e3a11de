// Package wire implements the two on-the-wire formats of the mesh core:
// JSON control envelopes (text, voice, reaction, file_start, receipt)
// and binary chunk frames used for file payload transfer.
//
// Envelope decoding is fail-closed: payloads whose type is unknown, or
// whose required fields for that type are missing, are rejected rather
// than partially interpreted.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeType identifies the kind of a control envelope.
type EnvelopeType string

const (
	// EnvelopeText is a plain text message.
	EnvelopeText EnvelopeType = "text"
	// EnvelopeVoice is a voice note carried as an opaque blob.
	EnvelopeVoice EnvelopeType = "voice"
	// EnvelopeReaction attaches an emoji reaction to an existing message.
	EnvelopeReaction EnvelopeType = "reaction"
	// EnvelopeFileStart announces a chunked file transfer.
	EnvelopeFileStart EnvelopeType = "file_start"
	// EnvelopeReceipt reports a delivery/read status transition to the sender.
	EnvelopeReceipt EnvelopeType = "receipt"
)

var (
	// ErrUnknownEnvelope indicates a payload with an unrecognized type tag.
	ErrUnknownEnvelope = errors.New("unknown envelope type")

	// ErrMalformedEnvelope indicates a recognized type missing required fields.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is the JSON control message exchanged between peers.
//
// Only the fields relevant to Type are populated; DecodeEnvelope enforces
// the per-type requirements.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	ID        string       `json:"id,omitempty"`
	Timestamp int64        `json:"timestamp"`
	GroupID   string       `json:"groupId,omitempty"`

	// Text message body.
	Text string `json:"text,omitempty"`

	// Voice note payload and duration in milliseconds.
	Blob     []byte `json:"blob,omitempty"`
	Duration int64  `json:"duration,omitempty"`

	// Reaction target and content.
	TargetMessageID string `json:"targetMessageId,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
	UserID          string `json:"userId,omitempty"`

	// File transfer announcement.
	FileName string `json:"name,omitempty"`
	FileSize int64  `json:"size,omitempty"`
	FileType string `json:"fileType,omitempty"`
	Content  []byte `json:"content,omitempty"`

	// Receipt status: "delivered" or "read".
	Status string `json:"status,omitempty"`
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a control envelope. It fails closed:
// an unrecognized type tag or a missing required field is an error, never
// a partially-filled envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

func (e *Envelope) validate() error {
	switch e.Type {
	case EnvelopeText:
		if e.Text == "" || e.Timestamp == 0 {
			return fmt.Errorf("%w: text requires text and timestamp", ErrMalformedEnvelope)
		}
	case EnvelopeVoice:
		if len(e.Blob) == 0 || e.Timestamp == 0 {
			return fmt.Errorf("%w: voice requires blob and timestamp", ErrMalformedEnvelope)
		}
	case EnvelopeReaction:
		if e.TargetMessageID == "" || e.Emoji == "" || e.UserID == "" {
			return fmt.Errorf("%w: reaction requires targetMessageId, emoji and userId", ErrMalformedEnvelope)
		}
	case EnvelopeFileStart:
		if e.ID == "" || e.FileName == "" || e.FileSize <= 0 {
			return fmt.Errorf("%w: file_start requires id, name and size", ErrMalformedEnvelope)
		}
	case EnvelopeReceipt:
		if e.TargetMessageID == "" || (e.Status != "delivered" && e.Status != "read") {
			return fmt.Errorf("%w: receipt requires targetMessageId and a known status", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvelope, e.Type)
	}
	return nil
}
