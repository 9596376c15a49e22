// Package runner owns the at-most-one-subprocess-per-agent invariant. It
// spawns one headless subprocess per message turn, decodes the streamed
// output protocol into typed events, and enforces a bounded shutdown.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"agentdeck/internal/agent"
	"agentdeck/internal/log"
	"agentdeck/internal/orchestration/events"
	"agentdeck/internal/pubsub"
)

// Mode selects the subprocess transport.
type Mode string

const (
	// ModeStreaming makes the subprocess emit newline-delimited JSON as
	// the conversation unfolds.
	ModeStreaming Mode = "stream-json"
	// ModeBlocking makes the subprocess return one structured response
	// at exit, with no intermediate events.
	ModeBlocking Mode = "json"
)

// DefaultGracePeriod bounds how long Terminate waits for a graceful exit
// before escalating to a kill. A policy knob, not a correctness
// requirement.
const DefaultGracePeriod = 2 * time.Second

// Config holds configuration for spawning subprocesses.
type Config struct {
	// Binary is the subprocess executable. Defaults to "claude".
	Binary string

	// Model is passed through via --model when set.
	Model string

	// Mode selects streaming or blocking transport.
	Mode Mode

	// WorkDir is the working directory for subprocesses.
	WorkDir string

	// AddDirs are auxiliary directories granted to the subprocess.
	AddDirs []string

	// SkipPermissions bypasses the subprocess's permission prompts.
	SkipPermissions bool

	// GracePeriod bounds graceful shutdown before a forced kill.
	GracePeriod time.Duration
}

// Runner starts and terminates subprocess turns for agents.
type Runner struct {
	cfg    Config
	broker *pubsub.Broker[events.AgentEvent]

	mu       sync.Mutex
	procs    map[string]*proc       // keyed by lowercased agent name
	starting map[string]*sync.Mutex // per-agent Start serialization
}

// New creates a runner. Zero-value config fields get defaults.
func New(cfg Config) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStreaming
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Runner{
		cfg:      cfg,
		broker:   pubsub.NewBroker[events.AgentEvent](),
		procs:    make(map[string]*proc),
		starting: make(map[string]*sync.Mutex),
	}
}

// Subscribe returns a channel of runner events, closed when ctx is
// cancelled.
func (r *Runner) Subscribe(ctx context.Context) <-chan pubsub.Event[events.AgentEvent] {
	return r.broker.Subscribe(ctx)
}

// Close terminates every live subprocess and shuts down the broker.
func (r *Runner) Close() {
	r.mu.Lock()
	live := make([]*proc, 0, len(r.procs))
	for _, p := range r.procs {
		live = append(live, p)
	}
	r.mu.Unlock()

	for _, p := range live {
		p.terminate(r.cfg.GracePeriod)
	}
	r.broker.Close()
}

// IsRunning reports whether the agent has a live subprocess.
func (r *Runner) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[strings.ToLower(name)]
	return ok
}

// Start launches a subprocess turn for the agent. If the agent already
// has a live handle it is terminated first; the runner never allows two
// live handles for one agent. The turn itself runs concurrently; Start
// returns once the subprocess has been spawned.
//
// Spawn-level failures (binary missing, permission denied) are emitted
// as process_error events and also returned so creation flows can roll
// back synchronously. There is no retry.
func (r *Runner) Start(ctx context.Context, a *agent.Agent, message string) error {
	key := strings.ToLower(a.Name())

	// The terminate/check/spawn/register sequence must not interleave
	// with a concurrent Start for the same agent, or both callers see no
	// live handle and spawn, stranding one subprocess. Held for the whole
	// sequence; Starts for other agents proceed independently.
	lock := r.startLock(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	old := r.procs[key]
	r.mu.Unlock()
	if old != nil {
		old.terminate(r.cfg.GracePeriod)
	}

	args := buildArgs(r.cfg, a.SessionID(), message)
	log.Debug(log.CatRunner, "Spawning subprocess", "agent", a.Name(), "args", strings.Join(args, " "))

	// #nosec G204 -- binary and args come from config, not user input
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Stdin = os.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.spawnFailed(a, fmt.Errorf("creating stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.spawnFailed(a, fmt.Errorf("creating stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return r.spawnFailed(a, fmt.Errorf("starting subprocess: %w", err))
	}

	p := &proc{
		runner: r,
		agent:  a,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.procs[key] = p
	r.mu.Unlock()

	a.SetProcessing(true)
	log.Info(log.CatRunner, "Subprocess started", "agent", a.Name(), "pid", cmd.Process.Pid)
	r.emit(events.AgentEvent{Kind: events.ProcessStarted, Agent: a.Name(), Message: message})

	go p.drainStderr()
	if r.cfg.Mode == ModeBlocking {
		go p.runBlocking()
	} else {
		go p.runStreaming()
	}
	return nil
}

// Terminate ends the agent's live subprocess, if any. It sends a
// graceful signal, waits at most the configured grace period, then
// force-kills. Idempotent and safe on agents with no live handle; it
// never hangs and has no caller-visible failure mode.
func (r *Runner) Terminate(a *agent.Agent) {
	r.mu.Lock()
	p := r.procs[strings.ToLower(a.Name())]
	r.mu.Unlock()
	if p == nil {
		return
	}
	p.terminate(r.cfg.GracePeriod)
}

func (r *Runner) spawnFailed(a *agent.Agent, err error) error {
	log.ErrorErr(log.CatRunner, "Subprocess spawn failed", err, "agent", a.Name())
	a.SetProcessing(false)
	r.emit(events.AgentEvent{Kind: events.ProcessError, Agent: a.Name(), Err: err})
	return err
}

func (r *Runner) emit(ev events.AgentEvent) {
	ev.Timestamp = time.Now()
	r.broker.Publish(pubsub.UpdatedEvent, ev)
}

// startLock returns the agent's Start serialization mutex, creating it
// on first use. Locks are never removed; the map is bounded by the set
// of agent names ever started.
func (r *Runner) startLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.starting[key]
	if !ok {
		l = &sync.Mutex{}
		r.starting[key] = l
	}
	return l
}

func (r *Runner) forget(p *proc) {
	key := strings.ToLower(p.agent.Name())
	r.mu.Lock()
	if r.procs[key] == p {
		delete(r.procs, key)
	}
	r.mu.Unlock()
}

// buildArgs constructs the subprocess command line.
func buildArgs(cfg Config, sessionID, message string) []string {
	args := []string{
		"--print",
		"--output-format", string(cfg.Mode),
		"--verbose",
	}

	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, dir := range cfg.AddDirs {
		args = append(args, "--add-dir", dir)
	}

	// The -- separator keeps the message from being consumed by
	// preceding flags.
	args = append(args, "--", message)
	return args
}

// proc is one live subprocess handle, exclusively owned by its agent.
type proc struct {
	runner *Runner
	agent  *agent.Agent
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	terminated atomic.Bool
	finishOnce sync.Once
	done       chan struct{}

	mu     sync.Mutex
	result *events.Result
	timer  *time.Timer
}

// runStreaming pumps newline-delimited JSON from stdout, forwarding each
// decoded line in emission order, then finalizes on exit.
func (p *proc) runStreaming() {
	scanner := bufio.NewScanner(p.stdout)
	// Large buffer: single protocol lines can carry whole tool outputs.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		outs, result := decodeLine(line)
		if result != nil {
			p.mu.Lock()
			p.result = result
			p.mu.Unlock()
			continue
		}
		for _, out := range outs {
			if out.Kind == events.OutputSystem && out.SessionID != "" {
				p.agent.SetSessionID(out.SessionID)
				log.Debug(log.CatRunner, "Got session ID", "agent", p.agent.Name(), "sessionID", out.SessionID)
			}
			o := out
			p.runner.emit(events.AgentEvent{
				Kind:   events.ProcessOutput,
				Agent:  p.agent.Name(),
				Output: &o,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		log.ErrorErr(log.CatRunner, "Stdout scanner error", err, "agent", p.agent.Name())
	}

	p.finalize(p.cmd.Wait())
}

// runBlocking collects the entire response and emits one completion
// event at exit, with no intermediate events.
func (p *proc) runBlocking() {
	data, readErr := io.ReadAll(p.stdout)
	waitErr := p.cmd.Wait()
	if readErr != nil {
		log.ErrorErr(log.CatRunner, "Reading blocking output", readErr, "agent", p.agent.Name())
	}

	if result := decodeBlocking(data); result != nil {
		p.mu.Lock()
		p.result = result
		p.mu.Unlock()
	}
	p.finalize(waitErr)
}

// drainStderr logs subprocess stderr without forwarding it.
func (p *proc) drainStderr() {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		log.Debug(log.CatRunner, "STDERR", "agent", p.agent.Name(), "line", scanner.Text())
	}
}

// terminate signals graceful shutdown and bounds the wait: if the
// subprocess has not reached a terminal state when the grace timer
// fires, it is killed. Returns once the handle is finalized, never
// blocking past the grace window plus a small margin.
func (p *proc) terminate(grace time.Duration) {
	p.terminated.Store(true)

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	p.mu.Lock()
	if p.timer == nil {
		p.timer = time.AfterFunc(grace, func() {
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		})
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(grace + 500*time.Millisecond):
		// The pump goroutine is stuck behind a subprocess that survived
		// the kill; resolve the handle unconditionally.
		p.finalize(fmt.Errorf("subprocess did not exit within grace period"))
	}
}

// finalize resolves the handle exactly once: the grace timer and the
// natural exit path race to call it, first writer wins. It clears the
// processing flag, updates last activity, and emits the terminal event.
func (p *proc) finalize(waitErr error) {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		result := p.result
		p.mu.Unlock()

		p.runner.forget(p)
		p.agent.SetProcessing(false)

		name := p.agent.Name()
		switch {
		case p.terminated.Load():
			log.Info(log.CatRunner, "Subprocess terminated", "agent", name)
			p.runner.emit(events.AgentEvent{Kind: events.ProcessTerminated, Agent: name})

		case waitErr != nil && result == nil:
			code := exitCode(waitErr)
			log.ErrorErr(log.CatRunner, "Subprocess failed", waitErr, "agent", name, "exitCode", code)
			p.runner.emit(events.AgentEvent{
				Kind:     events.ProcessError,
				Agent:    name,
				Err:      waitErr,
				ExitCode: code,
			})

		default:
			if result == nil {
				result = &events.Result{}
			}
			log.Info(log.CatRunner, "Subprocess completed", "agent", name,
				"costUSD", result.TotalCostUSD, "durationMs", result.DurationMs)
			p.runner.emit(events.AgentEvent{
				Kind:   events.ProcessCompleted,
				Agent:  name,
				Result: result,
			})
		}

		close(p.done)
	})
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
