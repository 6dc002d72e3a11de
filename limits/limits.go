// Package limits provides centralized validation and rate limiting for
// outbound traffic. This ensures consistent policy across different
// components of the system: the same limits apply whether a message
// originates from the session API or from an offline-queue retry.
package limits

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// MaxTextMessage is the limit for a plaintext message body in bytes.
	MaxTextMessage = 16384

	// MaxFileSize is the per-file limit for attachments (100 MiB).
	MaxFileSize = 100 * 1024 * 1024

	// MaxFilesPerMessage caps how many attachments a single message may carry.
	MaxFilesPerMessage = 8

	// MaxFileNameLength matches typical filesystem limits and fits in a uint16.
	MaxFileNameLength = 255
)

var (
	// ErrValidationFailed indicates an attachment violated file policy.
	ErrValidationFailed = errors.New("file validation failed")

	// ErrRateLimited indicates the sender exceeded its allowed send rate.
	ErrRateLimited = errors.New("rate limited")

	// ErrMessageEmpty indicates an empty message was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message body against MaxTextMessage.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxTextMessage {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxTextMessage)
	}
	return nil
}

// FileInfo describes one attachment offered for sending.
type FileInfo struct {
	Name string
	Size int64
	MIME string
}

// allowedMIMEPrefixes lists the content-type families accepted for transfer.
var allowedMIMEPrefixes = []string{
	"image/",
	"audio/",
	"video/",
	"text/",
	"application/pdf",
	"application/zip",
	"application/octet-stream",
}

// ValidateFiles checks a set of attachments against the file policy.
// All denials wrap ErrValidationFailed so callers can classify them.
func ValidateFiles(files []FileInfo) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: no files provided", ErrValidationFailed)
	}
	if len(files) > MaxFilesPerMessage {
		return fmt.Errorf("%w: %d files exceeds limit %d", ErrValidationFailed, len(files), MaxFilesPerMessage)
	}

	for _, f := range files {
		if f.Name == "" || len(f.Name) > MaxFileNameLength {
			return fmt.Errorf("%w: invalid file name %q", ErrValidationFailed, f.Name)
		}
		if f.Size <= 0 || f.Size > MaxFileSize {
			return fmt.Errorf("%w: file %q size %d exceeds limit %d", ErrValidationFailed, f.Name, f.Size, MaxFileSize)
		}
		if !allowedMIME(f.MIME) {
			return fmt.Errorf("%w: file %q type %q not allowed", ErrValidationFailed, f.Name, f.MIME)
		}
	}
	return nil
}

func allowedMIME(mime string) bool {
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return true
		}
	}
	return false
}

// RateLimiter enforces per-peer sliding-window send limits.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	maxMsgs  int
	maxFiles int
	msgs     map[string][]time.Time
	files    map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing maxMsgs messages and
// maxFiles file transfers per peer within the given window.
func NewRateLimiter(window time.Duration, maxMsgs, maxFiles int) *RateLimiter {
	return &RateLimiter{
		window:   window,
		maxMsgs:  maxMsgs,
		maxFiles: maxFiles,
		msgs:     make(map[string][]time.Time),
		files:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// SetTimeFunc overrides the clock for deterministic testing.
func (rl *RateLimiter) SetTimeFunc(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// CanSendMessage records a message send attempt for the peer and reports
// whether it is within the allowed rate. Denial is typed as ErrRateLimited.
func (rl *RateLimiter) CanSendMessage(peerID string) error {
	return rl.allow(peerID, rl.msgs, rl.maxMsgs, "message")
}

// CanSendFile records a file send attempt for the peer and reports
// whether it is within the allowed rate.
func (rl *RateLimiter) CanSendFile(peerID string) error {
	return rl.allow(peerID, rl.files, rl.maxFiles, "file")
}

func (rl *RateLimiter) allow(peerID string, table map[string][]time.Time, max int, kind string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	recent := table[peerID][:0]
	for _, t := range table[peerID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= max {
		table[peerID] = recent
		return fmt.Errorf("%w: %d %ss to %s within %s", ErrRateLimited, len(recent), kind, peerID, rl.window)
	}

	table[peerID] = append(recent, now)
	return nil
}
