package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalKind identifies a handshake signal.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// ErrInvalidSignal indicates a signal payload that failed structural
// validation. Decoding fails closed: unrecognized kinds and payloads
// missing required fields are rejected outright.
var ErrInvalidSignal = errors.New("invalid signal")

// SessionDesc is the session descriptor carried by offer and answer
// signals. PeerID names the peer that produced the descriptor.
type SessionDesc struct {
	PeerID string     `json:"peerId"`
	Kind   SignalKind `json:"kind"`
	SDP    string     `json:"sdp"`
}

// Valid reports whether the descriptor carries both a peer identifier
// and a session payload.
func (d *SessionDesc) Valid() bool {
	return d != nil && d.PeerID != "" && d.SDP != "" &&
		(d.Kind == SignalOffer || d.Kind == SignalAnswer)
}

// Candidate is a connectivity candidate exchanged during the handshake.
type Candidate struct {
	PeerID    string `json:"peerId"`
	Candidate string `json:"candidate"`
}

// Signal is an ephemeral handshake message relayed between peers. It is
// consumed once applied and never persisted.
type Signal struct {
	From    string          `json:"from"`
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeSignal parses and validates a relayed signal payload.
func DecodeSignal(data []byte) (*Signal, error) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return &sig, nil
}

// Validate checks the signal's structure for its kind.
func (s *Signal) Validate() error {
	if s.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidSignal)
	}

	switch s.Kind {
	case SignalOffer, SignalAnswer:
		desc, err := s.SessionDesc()
		if err != nil {
			return err
		}
		if !desc.Valid() {
			return fmt.Errorf("%w: %s missing peer id or descriptor", ErrInvalidSignal, s.Kind)
		}
		if desc.Kind != s.Kind {
			return fmt.Errorf("%w: kind mismatch between signal and descriptor", ErrInvalidSignal)
		}
	case SignalCandidate:
		cand, err := s.CandidatePayload()
		if err != nil {
			return err
		}
		if cand.PeerID == "" || cand.Candidate == "" {
			return fmt.Errorf("%w: candidate missing fields", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
	return nil
}

// SessionDesc decodes the payload of an offer or answer signal.
func (s *Signal) SessionDesc() (*SessionDesc, error) {
	var desc SessionDesc
	if err := json.Unmarshal(s.Payload, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return &desc, nil
}

// CandidatePayload decodes the payload of a candidate signal.
func (s *Signal) CandidatePayload() (*Candidate, error) {
	var cand Candidate
	if err := json.Unmarshal(s.Payload, &cand); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return &cand, nil
}

// NewSignal wraps a payload struct into a relayable signal.
func NewSignal(from string, kind SignalKind, payload any) (*Signal, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig := &Signal{From: from, Kind: kind, Payload: raw}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}
