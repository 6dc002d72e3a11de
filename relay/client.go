// Package relay implements the signal relay client: the rendezvous
// channel peers use to exchange handshake signals and discover each
// other when direct exchange is not possible.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshwire/transport"
)

// PeerInfo describes a peer visible on the rendezvous channel.
type PeerInfo struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	LastSeen int64             `json:"lastSeen,omitempty"`
}

// RelayedMessage is a message payload held by the relay for a peer that
// could not be reached directly.
type RelayedMessage struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

// PollResult is everything a single poll cycle observed.
type PollResult struct {
	Signals  []*transport.Signal `json:"signals"`
	Messages []RelayedMessage    `json:"messages"`
	Peers    []PeerInfo          `json:"peers"`
}

// Channel is the relay surface the orchestrator and discovery loop use.
type Channel interface {
	Join(ctx context.Context, metadata map[string]string) ([]PeerInfo, error)
	Poll(ctx context.Context) (*PollResult, error)
	Signal(ctx context.Context, peerID string, kind transport.SignalKind, payload any) error
}

// Client is the HTTP rendezvous client.
type Client struct {
	BaseURL string
	SelfID  string
	HTTP    *http.Client
}

// NewClient creates a relay client for the rendezvous endpoint.
func NewClient(baseURL, selfID string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		SelfID:  selfID,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Join announces the local peer on the channel and returns the peers
// currently visible there.
func (c *Client) Join(ctx context.Context, metadata map[string]string) ([]PeerInfo, error) {
	body, _ := json.Marshal(map[string]any{
		"id":       c.SelfID,
		"metadata": metadata,
	})

	var out struct {
		Peers []PeerInfo `json:"peers"`
	}
	if err := c.postJSON(ctx, "/join", body, &out); err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Join",
		"peers":    len(out.Peers),
	}).Debug("Joined rendezvous channel")

	return out.Peers, nil
}

// Poll fetches signals, relayed messages, and visible peers addressed to
// the local peer. Signals that fail validation are dropped individually
// so one malformed payload cannot poison the batch.
func (c *Client) Poll(ctx context.Context) (*PollResult, error) {
	var raw struct {
		Signals  []json.RawMessage `json:"signals"`
		Messages []RelayedMessage  `json:"messages"`
		Peers    []PeerInfo        `json:"peers"`
	}
	if err := c.getJSON(ctx, "/poll?peer="+c.SelfID, &raw); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	result := &PollResult{
		Messages: raw.Messages,
		Peers:    raw.Peers,
	}
	for _, data := range raw.Signals {
		sig, err := transport.DecodeSignal(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Poll",
				"error":    err.Error(),
			}).Warn("Dropping malformed relayed signal")
			continue
		}
		result.Signals = append(result.Signals, sig)
	}

	return result, nil
}

// Signal forwards a handshake signal to a peer through the relay.
func (c *Client) Signal(ctx context.Context, peerID string, kind transport.SignalKind, payload any) error {
	sig, err := transport.NewSignal(c.SelfID, kind, payload)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]any{
		"to":     peerID,
		"signal": sig,
	})
	if err := c.postJSON(ctx, "/signal", body, nil); err != nil {
		return fmt.Errorf("signal %s to %s: %w", kind, peerID, err)
	}
	return nil
}

// getJSON performs a GET, drains the response body, and decodes into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %s", req.Method, req.URL.Path, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
