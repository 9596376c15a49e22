// Package queue holds messages sent to an agent while it cannot accept
// them: a per-agent FIFO plus a Coordinator that owns the global queue
// mode flag and announces queue activity over pubsub.
package queue

import (
	"errors"
	"sync"
	"time"
)

// DefaultMaxSize caps a per-agent queue when no limit is configured.
const DefaultMaxSize = 100

// ErrQueueFull is returned when an enqueue would exceed the queue's cap.
var ErrQueueFull = errors.New("queue is full")

// QueuedMessage is one message waiting for an agent to become idle.
type QueuedMessage struct {
	ID         string
	Content    string
	From       string
	EnqueuedAt time.Time
}

// MessageQueue is a mutex-guarded FIFO of pending messages for one agent.
type MessageQueue struct {
	entries []QueuedMessage
	mu      sync.Mutex
	maxSize int
}

// NewMessageQueue creates a queue capped at maxSize messages.
// A maxSize <= 0 falls back to DefaultMaxSize.
func NewMessageQueue(maxSize int) *MessageQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MessageQueue{
		entries: make([]QueuedMessage, 0),
		maxSize: maxSize,
	}
}

// Enqueue appends a message to the back of the queue.
// Returns ErrQueueFull when the queue is at capacity.
func (q *MessageQueue) Enqueue(msg QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.entries = append(q.entries, msg)
	return nil
}

// Dequeue removes and returns the front message.
// Returns (zero value, false) when the queue is empty.
func (q *MessageQueue) Dequeue() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueuedMessage{}, false
	}

	msg := q.entries[0]
	q.entries = q.entries[1:]
	return msg, true
}

// Peek returns the front message without removing it.
// Returns (zero value, false) when the queue is empty.
func (q *MessageQueue) Peek() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return QueuedMessage{}, false
	}

	return q.entries[0], true
}

// Drain removes and returns every message in arrival order, leaving the
// queue empty.
func (q *MessageQueue) Drain() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []QueuedMessage{}
	}

	result := q.entries
	q.entries = make([]QueuedMessage, 0)
	return result
}

// Len returns the current number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
