package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// TransferIDSize is the fixed width of the transfer id field. A UUID
	// string is exactly 36 bytes; shorter ids are space-padded, longer
	// ones truncated.
	TransferIDSize = 36

	// ChunkHeaderSize is the fixed binary prefix of every chunk frame:
	// transfer id (36) + big-endian index (4) + big-endian total (4).
	ChunkHeaderSize = TransferIDSize + 4 + 4

	// DefaultChunkSize is the payload size of a full chunk (16 KiB).
	DefaultChunkSize = 16384

	// yieldInterval is how many chunks a writer emits before yielding,
	// so a large transfer cannot starve other traffic on the connection.
	yieldInterval = 10
)

var (
	// ErrFrameTooShort indicates a frame smaller than the fixed header.
	ErrFrameTooShort = errors.New("chunk frame too short")

	// ErrChunkIndex indicates a chunk index outside the announced total.
	ErrChunkIndex = errors.New("chunk index out of range")

	// ErrUnknownTransfer indicates a chunk whose transfer id was never
	// announced by a file_start envelope.
	ErrUnknownTransfer = errors.New("unknown transfer id")
)

// Chunk is one decoded slice of a file transfer.
type Chunk struct {
	TransferID string
	Index      uint32
	Total      uint32
	Payload    []byte
}

// TotalChunks returns how many chunks a payload of the given size needs.
func TotalChunks(size int64, chunkSize int) uint32 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// EncodeChunk serializes a chunk into its binary frame.
func EncodeChunk(c *Chunk) []byte {
	frame := make([]byte, ChunkHeaderSize+len(c.Payload))

	id := c.TransferID
	if len(id) > TransferIDSize {
		id = id[:TransferIDSize]
	}
	copy(frame[0:TransferIDSize], []byte(id))
	for i := len(id); i < TransferIDSize; i++ {
		frame[i] = ' '
	}

	binary.BigEndian.PutUint32(frame[TransferIDSize:TransferIDSize+4], c.Index)
	binary.BigEndian.PutUint32(frame[TransferIDSize+4:ChunkHeaderSize], c.Total)
	copy(frame[ChunkHeaderSize:], c.Payload)

	return frame
}

// ParseChunk decodes a binary chunk frame.
func ParseChunk(data []byte) (*Chunk, error) {
	if len(data) < ChunkHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}

	c := &Chunk{
		Index:   binary.BigEndian.Uint32(data[TransferIDSize : TransferIDSize+4]),
		Total:   binary.BigEndian.Uint32(data[TransferIDSize+4 : ChunkHeaderSize]),
		Payload: make([]byte, len(data)-ChunkHeaderSize),
	}

	// Strip the space padding applied by EncodeChunk.
	id := data[0:TransferIDSize]
	end := TransferIDSize
	for end > 0 && id[end-1] == ' ' {
		end--
	}
	c.TransferID = string(id[:end])

	copy(c.Payload, data[ChunkHeaderSize:])
	return c, nil
}

// IsChunkFrame reports whether an inbound binary payload looks like a
// chunk frame rather than a JSON envelope. Envelopes always begin with
// '{'; chunk frames begin with the transfer id.
func IsChunkFrame(data []byte) bool {
	return len(data) >= ChunkHeaderSize && data[0] != '{'
}

// Chunker splits a payload into framed chunks for transmission.
type Chunker struct {
	transferID string
	data       []byte
	chunkSize  int
}

// NewChunker creates a chunker for the payload. chunkSize <= 0 selects
// DefaultChunkSize.
func NewChunker(transferID string, data []byte, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		transferID: transferID,
		data:       data,
		chunkSize:  chunkSize,
	}
}

// Total returns the number of chunks this chunker will emit.
func (c *Chunker) Total() uint32 {
	return TotalChunks(int64(len(c.data)), c.chunkSize)
}

// ForEach invokes send for every framed chunk in index order. The writer
// yields the scheduler every yieldInterval chunks so concurrent
// connection traffic keeps flowing during large transfers. The first
// send error aborts the iteration.
func (c *Chunker) ForEach(send func(frame []byte) error) error {
	total := c.Total()

	for index := uint32(0); index < total; index++ {
		start := int(index) * c.chunkSize
		end := start + c.chunkSize
		if end > len(c.data) {
			end = len(c.data)
		}

		frame := EncodeChunk(&Chunk{
			TransferID: c.transferID,
			Index:      index,
			Total:      total,
			Payload:    c.data[start:end],
		})

		if err := send(frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "ForEach",
				"transfer_id": c.transferID,
				"chunk_index": index,
				"total":       total,
				"error":       err.Error(),
			}).Warn("Chunk send failed, aborting transfer")
			return fmt.Errorf("send chunk %d/%d: %w", index, total, err)
		}

		if (index+1)%yieldInterval == 0 {
			runtime.Gosched()
		}
	}

	return nil
}

// Assembler reconstructs file payloads from chunk frames. Transfers must
// be announced with Begin (driven by a file_start envelope) before their
// chunks are accepted; unknown ids and out-of-range indices are rejected.
type Assembler struct {
	mu        sync.Mutex
	transfers map[string]*pendingTransfer
	now       func() time.Time
}

type pendingTransfer struct {
	total        uint32
	chunks       map[uint32][]byte
	lastActivity time.Time
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		transfers: make(map[string]*pendingTransfer),
		now:       time.Now,
	}
}

// SetTimeFunc overrides the clock for deterministic stall testing.
func (a *Assembler) SetTimeFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Begin announces a transfer. Re-announcing an id resets its state,
// which is what a file-granular retry does.
func (a *Assembler) Begin(transferID string, totalChunks uint32) error {
	if transferID == "" || totalChunks == 0 {
		return fmt.Errorf("%w: empty transfer announcement", ErrUnknownTransfer)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.transfers[transferID] = &pendingTransfer{
		total:        totalChunks,
		chunks:       make(map[uint32][]byte),
		lastActivity: a.now(),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Begin",
		"transfer_id":  transferID,
		"total_chunks": totalChunks,
	}).Debug("Transfer registered for reassembly")

	return nil
}

// Add buffers one chunk. Chunks may arrive out of order; duplicates are
// ignored. When the last missing index arrives, Add returns the fully
// reassembled payload with done=true and forgets the transfer.
func (a *Assembler) Add(c *Chunk) (payload []byte, done bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, ok := a.transfers[c.TransferID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownTransfer, c.TransferID)
	}

	if c.Index >= pending.total {
		return nil, false, fmt.Errorf("%w: index %d, total %d", ErrChunkIndex, c.Index, pending.total)
	}

	if _, dup := pending.chunks[c.Index]; !dup {
		pending.chunks[c.Index] = c.Payload
	}
	pending.lastActivity = a.now()

	if uint32(len(pending.chunks)) < pending.total {
		return nil, false, nil
	}

	// All indices present: concatenate in index order.
	size := 0
	for _, part := range pending.chunks {
		size += len(part)
	}
	payload = make([]byte, 0, size)
	for index := uint32(0); index < pending.total; index++ {
		payload = append(payload, pending.chunks[index]...)
	}

	delete(a.transfers, c.TransferID)

	logrus.WithFields(logrus.Fields{
		"function":    "Add",
		"transfer_id": c.TransferID,
		"bytes":       len(payload),
	}).Debug("Transfer reassembled")

	return payload, true, nil
}

// Pending returns the number of incomplete transfers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

// EvictStalled drops transfers with no chunk activity within the timeout
// and returns their ids. Abandoned partial transfers would otherwise
// hold their buffered chunks forever.
func (a *Assembler) EvictStalled(timeout time.Duration) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-timeout)
	var evicted []string
	for id, pending := range a.transfers {
		if pending.lastActivity.Before(cutoff) {
			delete(a.transfers, id)
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "EvictStalled",
			"evicted":  len(evicted),
			"timeout":  timeout,
		}).Warn("Evicted stalled transfers")
	}

	return evicted
}
