// Package queue holds messages addressed to unreachable peers and
// retries them on a timer or when a recipient reconnects. Items survive
// in arrival order per recipient; an item leaves the queue only when a
// retry attempt succeeds.
package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetryInterval is how often the background loop retries queued
// items when nothing else triggers a pass.
const DefaultRetryInterval = 30 * time.Second

// ItemKind distinguishes what a queued item carries.
type ItemKind string

const (
	KindText ItemKind = "text"
	KindFile ItemKind = "file"
)

// Item is one undelivered message awaiting retry.
type Item struct {
	MessageID   string
	RecipientID string
	Kind        ItemKind
	Content     []byte
	Timestamp   int64
}

// AttemptFunc tries to deliver one queued item. Returning nil removes
// the item from the queue; an error keeps it for the next pass.
type AttemptFunc func(item *Item) error

// Queue is the offline retry queue.
type Queue struct {
	mu    sync.Mutex
	items []*Item

	interval time.Duration
	attempt  AttemptFunc

	trigger  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a queue that delivers through attempt on each retry pass.
func New(interval time.Duration, attempt AttemptFunc) *Queue {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &Queue{
		interval: interval,
		attempt:  attempt,
		trigger:  make(chan struct{}, 1),
	}
}

// SetAttempt replaces the delivery function. The pipeline is built
// after the queue, so wiring happens in two steps.
func (q *Queue) SetAttempt(attempt AttemptFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempt = attempt
}

// Enqueue adds an item to the tail of the queue.
func (q *Queue) Enqueue(item *Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Enqueue",
		"message_id": item.MessageID,
		"recipient":  item.RecipientID,
		"queue_size": size,
	}).Debug("Message queued for retry")
}

// Len returns the number of items awaiting retry.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of all queued items in arrival order, for
// UI display and persistence.
func (q *Queue) Snapshot() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Item, len(q.items))
	copy(out, q.items)
	return out
}

// Pending returns the queued items for a recipient in arrival order.
func (q *Queue) Pending(recipientID string) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Item
	for _, item := range q.items {
		if item.RecipientID == recipientID {
			out = append(out, item)
		}
	}
	return out
}

// ProcessQueue runs one retry pass over the whole queue. Each item is
// attempted once; successes are removed, failures retained in order.
func (q *Queue) ProcessQueue() {
	q.mu.Lock()
	pending := q.items
	attempt := q.attempt
	q.items = nil
	q.mu.Unlock()

	if len(pending) == 0 || attempt == nil {
		q.mu.Lock()
		q.items = append(pending, q.items...)
		q.mu.Unlock()
		return
	}

	var kept []*Item
	delivered := 0
	for _, item := range pending {
		if err := attempt(item); err != nil {
			kept = append(kept, item)
			continue
		}
		delivered++
	}

	q.mu.Lock()
	// Items enqueued during the pass land behind the retained ones so
	// per-recipient order is preserved.
	q.items = append(kept, q.items...)
	remaining := len(q.items)
	q.mu.Unlock()

	if delivered > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "ProcessQueue",
			"delivered": delivered,
			"remaining": remaining,
		}).Info("Retry pass delivered queued messages")
	}
}

// TriggerRetry requests an immediate retry pass from the background
// loop. Safe to call from event handlers; coalesces when a pass is
// already pending.
func (q *Queue) TriggerRetry() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Start launches the background retry loop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopChan = make(chan struct{})
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop()
}

// Stop terminates the background loop and waits for it to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopChan)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ticker.C:
			q.ProcessQueue()
		case <-q.trigger:
			q.ProcessQueue()
		}
	}
}
