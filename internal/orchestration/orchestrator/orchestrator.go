// Package orchestrator routes user messages to agents according to their
// lifecycle state and the queue mode, and merges every component's event
// stream into the single stream the front-ends consume.
//
// Routing policy for a send:
//
//	creating            -> enqueue (delivered when creation resolves)
//	idle                -> start a subprocess turn
//	processing, mode off -> terminate the live turn, start the new one
//	processing, mode on  -> enqueue behind the live turn
//
// When a turn reaches a terminal state the agent's queue is drained: all
// waiting messages are joined into one batched turn.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"agentdeck/internal/agent"
	"agentdeck/internal/history"
	"agentdeck/internal/log"
	"agentdeck/internal/memory"
	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/orchestration/queue"
	"agentdeck/internal/orchestration/runner"
	"agentdeck/internal/pubsub"
	"agentdeck/internal/registry"
	"agentdeck/internal/tracing"
)

// retrieveTimeout bounds the pre-turn memory lookup so a slow
// side-channel cannot stall sends.
const retrieveTimeout = 2 * time.Second

// Options wires the orchestrator's collaborators. Directory, Runner, and
// Queue are required; the rest are optional and skipped when nil.
type Options struct {
	Directory *agent.Directory
	Runner    *runner.Runner
	Queue     *queue.Coordinator

	Registry *registry.Registry
	History  *history.Store
	Memory   *memory.Client
	Tracing  *tracing.Provider
}

// turnState tracks one in-flight subprocess turn.
type turnState struct {
	prompt  string
	endSpan func(costUSD float64, durationMs int64, err error)
}

// Orchestrator is the single entry point for message routing and agent
// lifecycle operations.
type Orchestrator struct {
	dir    *agent.Directory
	runner *runner.Runner
	queue  *queue.Coordinator

	registry *registry.Registry
	history  *history.Store
	memory   *memory.Client
	tracer   *tracing.Provider

	broker *pubsub.Broker[events.AgentEvent]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]turnState // keyed by lowercased agent name
}

// New creates an orchestrator and starts its event merge loop.
func New(opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		dir:      opts.Directory,
		runner:   opts.Runner,
		queue:    opts.Queue,
		registry: opts.Registry,
		history:  opts.History,
		memory:   opts.Memory,
		tracer:   opts.Tracing,
		broker:   pubsub.NewBroker[events.AgentEvent](),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]turnState),
	}

	o.wg.Add(1)
	go o.mergeLoop()

	return o
}

// Subscribe returns the merged event stream, closed when ctx is
// cancelled.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan pubsub.Event[events.AgentEvent] {
	return o.broker.Subscribe(ctx)
}

// Close stops the merge loop, terminates live subprocesses, and shuts
// down the merged broker.
func (o *Orchestrator) Close() {
	o.cancel()
	o.runner.Close()
	o.wg.Wait()
	o.broker.Close()
}

// Restore loads persisted agents from the registry into the directory
// and points the current-agent pointer at the most recently used one.
func (o *Orchestrator) Restore() error {
	if o.registry == nil {
		return nil
	}
	if err := o.registry.Load(); err != nil {
		return err
	}

	for _, a := range o.registry.RestoreAgents() {
		o.dir.Restore(a)
	}
	if recent := o.dir.MostRecent(); recent != nil {
		o.dir.SetCurrent(recent.Name())
	}
	log.Info(log.CatOrch, "Agents restored", "count", len(o.dir.All()))
	return nil
}

// CreateAgent inserts a named agent and runs its first subprocess turn.
// The agent is usable (and current) only after that turn completes; a
// failed first turn rolls the agent back out of the directory. Messages
// sent while the first turn runs are queued.
func (o *Orchestrator) CreateAgent(ctx context.Context, name, role, initialPrompt string) (*agent.Agent, error) {
	a, err := o.dir.Create(name, role)
	if err != nil {
		return nil, err
	}

	if err := o.startTurn(ctx, a, initialPrompt, false); err != nil {
		o.dir.AbortCreation(a)
		o.queue.Remove(a.Name())
		return nil, err
	}
	return a, nil
}

// SendMessage routes a message to the named agent, or to the current
// agent when target is empty.
func (o *Orchestrator) SendMessage(ctx context.Context, target, message string) error {
	a, err := o.resolve(target)
	if err != nil {
		return err
	}

	switch {
	case a.IsCreating():
		log.Debug(log.CatOrch, "Agent still creating, queueing", "agent", a.Name())
		return o.queue.Enqueue(a.Name(), message, "user")

	case a.IsProcessing() && o.queue.QueueMode():
		log.Debug(log.CatOrch, "Agent busy, queueing", "agent", a.Name())
		return o.queue.Enqueue(a.Name(), message, "user")

	case a.IsProcessing():
		// Latest message wins: replace the live turn. Terminate waits
		// out the grace period, so the swap runs off the caller's
		// goroutine and the send returns once the decision is made. A
		// failed replacement start surfaces as a process_error event.
		log.Debug(log.CatOrch, "Agent busy, preempting", "agent", a.Name())
		o.endInFlight(a.Name(), "preempted")
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runner.Terminate(a)
			if err := o.startTurn(o.ctx, a, message, false); err != nil {
				log.ErrorErr(log.CatOrch, "Failed to start preempting turn", err, "agent", a.Name())
			}
		}()
		return nil

	default:
		return o.startTurn(ctx, a, message, false)
	}
}

// SwitchAgent makes the named agent current. Exact case-insensitive
// match wins over substring matching.
func (o *Orchestrator) SwitchAgent(name string) (*agent.Agent, error) {
	return o.dir.Switch(name)
}

// RemoveAgent terminates the agent's live subprocess, discards its
// queue, its history rows, and its directory entry.
func (o *Orchestrator) RemoveAgent(name string) error {
	a := o.dir.Get(name)
	if a == nil {
		return agent.ErrAgentNotFound
	}

	o.endInFlight(a.Name(), "removed")
	o.runner.Terminate(a)
	o.queue.Remove(a.Name())
	if o.history != nil {
		if err := o.history.DeleteAgentTurns(a.Name()); err != nil {
			log.ErrorErr(log.CatOrch, "Failed to delete agent history", err, "agent", a.Name())
		}
	}
	o.dir.Remove(a.Name())
	return nil
}

// ToggleQueueMode flips the global queue mode and returns the new state.
func (o *Orchestrator) ToggleQueueMode() bool {
	return o.queue.ToggleQueueMode()
}

// QueueMode reports whether queue mode is on.
func (o *Orchestrator) QueueMode() bool {
	return o.queue.QueueMode()
}

// Directory exposes the agent directory for read-side consumers.
func (o *Orchestrator) Directory() *agent.Directory {
	return o.dir
}

func (o *Orchestrator) resolve(target string) (*agent.Agent, error) {
	if target == "" {
		a := o.dir.Current()
		if a == nil {
			return nil, agent.ErrNoCurrentAgent
		}
		return a, nil
	}
	if a := o.dir.Get(target); a != nil {
		return a, nil
	}
	return nil, agent.ErrAgentNotFound
}

// startTurn launches one subprocess turn, tracking the prompt and span
// for bookkeeping at completion.
func (o *Orchestrator) startTurn(ctx context.Context, a *agent.Agent, prompt string, queued bool) error {
	message := o.withContext(ctx, a, prompt)

	var endSpan func(float64, int64, error)
	if o.tracer != nil {
		_, endSpan = o.tracer.StartTurn(ctx, a.Name(), a.Role(), a.SessionID(), queued)
	}

	key := strings.ToLower(a.Name())
	o.mu.Lock()
	o.inFlight[key] = turnState{prompt: prompt, endSpan: endSpan}
	o.mu.Unlock()

	if err := o.runner.Start(ctx, a, message); err != nil {
		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
		if endSpan != nil {
			endSpan(0, 0, err)
		}
		return err
	}
	return nil
}

// withContext prepends memory-bank context to the prompt when the
// side-channel has something relevant. Failures fall back to the bare
// prompt.
func (o *Orchestrator) withContext(ctx context.Context, a *agent.Agent, prompt string) string {
	if o.memory == nil || !o.memory.Enabled() || a.SessionID() == "" {
		return prompt
	}

	rctx, cancel := context.WithTimeout(ctx, retrieveTimeout)
	defer cancel()

	recalled, err := o.memory.RetrieveContext(rctx, a.SessionID(), prompt)
	if err != nil {
		log.Warn(log.CatOrch, "Context retrieval failed", "agent", a.Name(), "err", err)
		return prompt
	}
	if recalled == "" {
		return prompt
	}
	return "Relevant context from earlier sessions:\n" + recalled + "\n\n" + prompt
}

// takeTurn removes and returns the in-flight state for an agent.
func (o *Orchestrator) takeTurn(name string) (turnState, bool) {
	key := strings.ToLower(name)
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.inFlight[key]
	if ok {
		delete(o.inFlight, key)
	}
	return st, ok
}

// endInFlight settles the in-flight state of a turn the orchestrator is
// about to terminate. Done at the call site rather than on the
// process_terminated event: the merge loop handles that event
// asynchronously and by then a replacement turn may already be
// registered under the same agent.
func (o *Orchestrator) endInFlight(name, reason string) {
	st, ok := o.takeTurn(name)
	if ok && st.endSpan != nil {
		st.endSpan(0, 0, errors.New(reason))
	}
}

// mergeLoop re-emits every component event on the merged broker and
// reacts to terminal turn events: creation resolution, bookkeeping, and
// queue draining.
func (o *Orchestrator) mergeLoop() {
	defer o.wg.Done()

	dirCh := o.dir.Subscribe(o.ctx)
	runCh := o.runner.Subscribe(o.ctx)
	queueCh := o.queue.Subscribe(o.ctx)

	for {
		select {
		case <-o.ctx.Done():
			return

		case ev, ok := <-dirCh:
			if !ok {
				dirCh = nil
				continue
			}
			o.broker.Publish(ev.Type, ev.Payload)

		case ev, ok := <-queueCh:
			if !ok {
				queueCh = nil
				continue
			}
			o.broker.Publish(ev.Type, ev.Payload)

		case ev, ok := <-runCh:
			if !ok {
				runCh = nil
				continue
			}
			o.broker.Publish(ev.Type, ev.Payload)
			if ev.Payload.IsTerminal() {
				o.onTurnEnded(ev.Payload)
			}
		}
	}
}

// onTurnEnded settles one finished turn: resolves creation, records the
// exchange, and drains queued messages into a batched follow-up turn.
// Terminated turns are settled by whoever called Terminate; a preempting
// send follows immediately and queued messages wait for its completion.
func (o *Orchestrator) onTurnEnded(ev events.AgentEvent) {
	if ev.Kind == events.ProcessTerminated {
		return
	}

	st, tracked := o.takeTurn(ev.Agent)
	a := o.dir.Get(ev.Agent)

	switch ev.Kind {
	case events.ProcessCompleted:
		if st.endSpan != nil {
			var cost float64
			var duration int64
			if ev.Result != nil {
				cost, duration = ev.Result.TotalCostUSD, ev.Result.DurationMs
			}
			st.endSpan(cost, duration, nil)
		}
		if a == nil {
			return
		}
		if a.IsCreating() {
			if err := o.dir.CompleteCreation(a, a.SessionID()); err != nil {
				log.ErrorErr(log.CatOrch, "Failed to persist created agent", err, "agent", a.Name())
			}
		}
		// A completion with no tracked turn was already settled at a
		// Terminate call site; there is no prompt to record.
		if tracked {
			o.recordTurn(a, st.prompt, ev.Result)
		}
		o.drain(a)

	case events.ProcessError:
		if st.endSpan != nil {
			st.endSpan(0, 0, ev.Err)
		}
		if a == nil {
			return
		}
		if a.IsCreating() {
			o.dir.AbortCreation(a)
			o.queue.Remove(a.Name())
			return
		}
		o.drain(a)
	}
}

// recordTurn persists one completed exchange to the registry, the
// history store, and the memory side-channel. All three are best-effort.
func (o *Orchestrator) recordTurn(a *agent.Agent, prompt string, result *events.Result) {
	if result == nil {
		result = &events.Result{}
	}

	if o.registry != nil {
		if err := o.registry.RecordTurn(a.Name(), prompt, result.Text, result.TotalCostUSD); err != nil {
			log.ErrorErr(log.CatOrch, "Failed to record turn in registry", err, "agent", a.Name())
		}
	}
	if o.history != nil {
		_, err := o.history.SaveTurn(history.Turn{
			Agent:      a.Name(),
			SessionID:  a.SessionID(),
			Prompt:     prompt,
			Response:   result.Text,
			CostUSD:    result.TotalCostUSD,
			DurationMs: result.DurationMs,
			IsError:    result.IsError,
		})
		if err != nil {
			log.ErrorErr(log.CatOrch, "Failed to save turn history", err, "agent", a.Name())
		}
	}
	if o.memory != nil && o.memory.Enabled() {
		o.memory.StoreInteraction(memory.Interaction{
			SessionID: a.SessionID(),
			Agent:     a.Name(),
			Prompt:    prompt,
			Response:  result.Text,
			At:        time.Now(),
		})
	}
}

// drain flushes the agent's queue into one batched turn: every waiting
// message joined by newlines, in arrival order.
func (o *Orchestrator) drain(a *agent.Agent) {
	msgs := o.queue.DrainAll(a.Name())
	if len(msgs) == 0 {
		return
	}

	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Content
	}
	batched := strings.Join(parts, "\n")

	log.Info(log.CatOrch, "Draining queue into batched turn", "agent", a.Name(), "messages", len(msgs))
	if err := o.startTurn(o.ctx, a, batched, true); err != nil {
		log.ErrorErr(log.CatOrch, "Failed to start drained turn", err, "agent", a.Name())
	}
}
