package amp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/redact"
)

// HandleState is the lifecycle state of an interactive agent session.
type HandleState string

const (
	StateConnecting HandleState = "connecting"
	StateReady      HandleState = "ready"
	StateClosed     HandleState = "closed"
	StateError      HandleState = "error"
)

// HandleEvent is delivered on the handle's event channel: a state change,
// a streaming event from the agent, or an error.
type HandleEvent struct {
	State     HandleState     // set on state transitions
	Streaming json.RawMessage // one redacted line of agent stream output
	Err       error
}

// stopGrace is how long Stop waits after closing stdin before escalating
// to terminate, and again before kill.
const stopGrace = 3 * time.Second

// readyDelay is how long after spawn the session is assumed writable even
// if the agent has not produced output yet. Some agent versions read stdin
// before printing their first frame; without the timer Send would never
// unblock against them. Variable so tests can shorten it.
var readyDelay = 2 * time.Second

// terminateSignal asks the agent to shut down before Stop resorts to kill.
var terminateSignal = syscall.SIGTERM

// Handle is a running interactive agent session speaking line-delimited
// JSON on stdin/stdout. State moves connecting -> ready -> closed, with
// error reachable from any non-closed state; transitions are monotonic.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan HandleEvent

	mu      sync.Mutex
	state   HandleState
	stopped bool

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

// wait reaps the child exactly once; safe to call from Stop and the read
// loop concurrently.
func (h *Handle) wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		close(h.waitDone)
	})
	<-h.waitDone
	return h.waitErr
}

// userMessage is the frame written to the agent for each Send.
type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	} `json:"message"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StartInteractive spawns the agent in stream-JSON mode. The initial prompt
// is passed on the command line; follow-ups go through Send. The session
// becomes ready on the agent's first output line or after readyDelay,
// whichever comes first. The returned handle's Events channel closes when
// the session ends.
func (c *Config) StartInteractive(ctx context.Context, workspace, prompt, model string) (*Handle, error) {
	args := c.buildInteractiveArgs(prompt, model)

	cmd := exec.CommandContext(ctx, c.binary(), args...) //nolint:gosec // binary is operator-configured
	cmd.Dir = workspace
	cmd.Env = c.childEnv()
	cmd.WaitDelay = stopGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	cmd.Stderr = nil // stderr is the agent's own tty chatter; not part of the stream

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning agent %s: %w", c.binary(), err)
	}

	h := &Handle{
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan HandleEvent, 64),
		state:    StateConnecting,
		waitDone: make(chan struct{}),
	}
	h.events <- HandleEvent{State: StateConnecting}

	// The timer covers agents that wait on stdin before emitting anything;
	// transition is monotonic, so a late fire after close is a no-op.
	time.AfterFunc(readyDelay, func() {
		h.transition(StateReady, nil)
	})

	go h.readLoop(ctx, stdout)
	return h, nil
}

// buildInteractiveArgs assembles the argv for a stream-JSON session.
func (c *Config) buildInteractiveArgs(prompt, model string) []string {
	args := []string{"--execute", prompt, "--stream-json", "--stream-json-input"}
	if flag := modelFlag(model); flag != "" {
		args = append(args, flag)
	}
	args = append(args, c.ExtraArgs...)
	return args
}

// Events is the channel of session events. Closed when the session ends.
func (h *Handle) Events() <-chan HandleEvent {
	return h.events
}

// State returns the current session state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Send writes one user message to the agent. It fails unless the session
// is ready.
func (h *Handle) Send(text string) error {
	h.mu.Lock()
	if h.state != StateReady {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("session is %s, not ready", state)
	}
	h.mu.Unlock()

	msg := userMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = []contentPart{{Type: "text", Text: text}}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := h.stdin.Write(payload); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// Stop ends the session: close stdin so the agent can exit on its own,
// then terminate, then kill. Idempotent.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	_ = h.stdin.Close()
	go h.wait() //nolint:errcheck // reaped once; error inspected below

	select {
	case <-h.waitDone:
	case <-time.After(stopGrace):
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(terminateSignal)
		}
		select {
		case <-h.waitDone:
		case <-time.After(stopGrace):
			if h.cmd.Process != nil {
				_ = h.cmd.Process.Kill()
			}
			<-h.waitDone
		}
	}

	if err := h.waitErr; err != nil && !errors.Is(err, context.Canceled) {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logging.Debug(ctx, "agent exited nonzero on stop", slog.Int("exit", exitErr.ExitCode()))
		}
	}
	h.transition(StateClosed, nil)
	return nil
}

// readLoop consumes the agent's stream output, redacting every line before
// it is surfaced. The first parseable frame moves the session to ready.
func (h *Handle) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(h.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBufferSize)

	for scanner.Scan() {
		line := redact.String(scanner.Text())
		if line == "" {
			continue
		}

		if h.State() == StateConnecting {
			h.transition(StateReady, nil)
		}

		if json.Valid([]byte(line)) {
			h.emit(HandleEvent{Streaming: json.RawMessage(line)})
		} else {
			logging.Debug(ctx, "agent non-json stream line", slog.String("line", line))
		}
	}

	// Stream ended: a deliberate Stop is a clean close, anything else
	// depends on how the process exited.
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()

	err := h.wait()
	if !stopped && err != nil && ctx.Err() == nil {
		h.transition(StateError, fmt.Errorf("agent exited: %w", err))
		return
	}
	h.transition(StateClosed, nil)
}

// transition moves to a new state if the move is legal, emitting the state
// event. Terminal states (closed, error) are sticky.
func (h *Handle) transition(to HandleState, err error) {
	h.mu.Lock()
	from := h.state
	if from == StateClosed || from == StateError || from == to {
		h.mu.Unlock()
		return
	}
	h.state = to
	h.mu.Unlock()

	h.emit(HandleEvent{State: to, Err: err})
}

// emit delivers an event without blocking the read loop forever: a full
// channel drops the oldest event.
func (h *Handle) emit(ev HandleEvent) {
	select {
	case h.events <- ev:
	default:
		select {
		case <-h.events:
		default:
		}
		select {
		case h.events <- ev:
		default:
		}
	}
}
