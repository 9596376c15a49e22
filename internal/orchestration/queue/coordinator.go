package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentdeck/internal/log"
	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/pubsub"
)

// Coordinator owns the global queue-mode flag and one MessageQueue per
// agent. It is the only component that decides whether a message waits;
// callers ask Enqueue and observe the answer through events.
//
// Queue mode is a single switch covering all agents. With it off,
// senders preempt running turns instead of queueing; messages still
// land here while an agent is being created.
type Coordinator struct {
	mu        sync.Mutex
	queues    map[string]*MessageQueue
	queueMode bool
	maxSize   int

	broker *pubsub.Broker[events.AgentEvent]
}

// NewCoordinator creates a coordinator whose per-agent queues are capped
// at maxSize messages each.
func NewCoordinator(maxSize int) *Coordinator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Coordinator{
		queues:  make(map[string]*MessageQueue),
		maxSize: maxSize,
		broker:  pubsub.NewBroker[events.AgentEvent](),
	}
}

// Subscribe returns a channel of queue events scoped to ctx.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan pubsub.Event[events.AgentEvent] {
	return c.broker.Subscribe(ctx)
}

// Close shuts down the coordinator's event broker.
func (c *Coordinator) Close() {
	c.broker.Close()
}

// QueueMode reports whether queue mode is on.
func (c *Coordinator) QueueMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueMode
}

// SetQueueMode sets the global queue-mode flag.
func (c *Coordinator) SetQueueMode(on bool) {
	c.mu.Lock()
	c.queueMode = on
	c.mu.Unlock()
	log.Info(log.CatQueue, "Queue mode set", "enabled", on)
}

// ToggleQueueMode flips the global queue-mode flag and returns the new
// state. Already-queued messages are unaffected; they drain when their
// agent next goes idle.
func (c *Coordinator) ToggleQueueMode() bool {
	c.mu.Lock()
	c.queueMode = !c.queueMode
	on := c.queueMode
	c.mu.Unlock()
	log.Info(log.CatQueue, "Queue mode toggled", "enabled", on)
	return on
}

// Enqueue appends a message to the named agent's queue and announces the
// new queue length. The agent's queue is created on first use.
func (c *Coordinator) Enqueue(agent, content, from string) error {
	q := c.queueFor(agent)

	msg := QueuedMessage{
		ID:         uuid.NewString(),
		Content:    content,
		From:       from,
		EnqueuedAt: time.Now(),
	}
	if err := q.Enqueue(msg); err != nil {
		log.Warn(log.CatQueue, "Enqueue rejected", "agent", agent, "err", err)
		return err
	}

	length := q.Len()
	log.Debug(log.CatQueue, "Message queued", "agent", agent, "queueLen", length)
	c.publish(events.AgentEvent{
		Kind:     events.MessageQueued,
		Agent:    agent,
		Message:  content,
		QueueLen: length,
	})
	return nil
}

// DequeueOne removes the front message of the named agent's queue.
// It announces the dequeue and, when the queue is left empty, that too.
func (c *Coordinator) DequeueOne(agent string) (QueuedMessage, bool) {
	q := c.queueFor(agent)

	msg, ok := q.Dequeue()
	if !ok {
		return QueuedMessage{}, false
	}

	length := q.Len()
	c.publish(events.AgentEvent{
		Kind:     events.QueueProcessed,
		Agent:    agent,
		Message:  msg.Content,
		QueueLen: length,
	})
	if length == 0 {
		c.publish(events.AgentEvent{Kind: events.QueueEmpty, Agent: agent})
	}
	return msg, true
}

// DrainAll removes every queued message for the named agent in arrival
// order. A non-empty drain announces queue_processed per message followed
// by queue_empty.
func (c *Coordinator) DrainAll(agent string) []QueuedMessage {
	q := c.queueFor(agent)

	msgs := q.Drain()
	if len(msgs) == 0 {
		return msgs
	}

	log.Debug(log.CatQueue, "Queue drained", "agent", agent, "count", len(msgs))
	for i, msg := range msgs {
		c.publish(events.AgentEvent{
			Kind:     events.QueueProcessed,
			Agent:    agent,
			Message:  msg.Content,
			QueueLen: len(msgs) - i - 1,
		})
	}
	c.publish(events.AgentEvent{Kind: events.QueueEmpty, Agent: agent})
	return msgs
}

// Len returns the number of messages waiting for the named agent.
func (c *Coordinator) Len(agent string) int {
	c.mu.Lock()
	q, ok := c.queues[agent]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

// Remove discards the named agent's queue along with its contents.
func (c *Coordinator) Remove(agent string) {
	c.mu.Lock()
	delete(c.queues, agent)
	c.mu.Unlock()
}

// AgentsWithPendingWork returns the names of agents with at least one
// queued message.
func (c *Coordinator) AgentsWithPendingWork() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for name, q := range c.queues {
		if q.Len() > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Coordinator) queueFor(agent string) *MessageQueue {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[agent]
	if !ok {
		q = NewMessageQueue(c.maxSize)
		c.queues[agent] = q
	}
	return q
}

func (c *Coordinator) publish(ev events.AgentEvent) {
	ev.Timestamp = time.Now()
	c.broker.Publish(pubsub.UpdatedEvent, ev)
}
