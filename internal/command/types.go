package command

import (
	"fmt"
	"sync"
	"time"
)

// Action is an actuation command verb understood by the controller.
type Action string

const (
	ActionStartDose       Action = "start_dose"
	ActionStopDose        Action = "stop_dose"
	ActionSetMode         Action = "set_mode"
	ActionResetController Action = "reset_controller"
)

// Valid reports whether the action is a known verb.
func (a Action) Valid() bool {
	switch a {
	case ActionStartDose, ActionStopDose, ActionSetMode, ActionResetController:
		return true
	}
	return false
}

// State is the lifecycle state of a command.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateQueued
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateQueued:
		return "queued"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind classifies a command failure for the display layer.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindServer      Kind = "server"
	KindTimeout     Kind = "timeout"
	KindOffline     Kind = "offline"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindRejected    Kind = "rejected"
)

// CmdError is the normalized error surfaced for a command.
type CmdError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // Set for KindRateLimited
}

func (e *CmdError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Kind, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Command is one logical actuation request. The ID stays stable across
// retries and replays so the controller can deduplicate redelivery.
type Command struct {
	ID          string
	Target      string
	Action      Action
	Params      map[string]any
	IssuedAt    time.Time
	Attempt     int
	MaxAttempts int
	State       State
	EnqueuedAt  time.Time // Zero until the command enters the offline queue
}

// Result is the final outcome of a command. Err is nil on success.
type Result struct {
	Command Command
	Detail  string
	Err     *CmdError
}

// Pending tracks an issued command until it resolves. Done is closed
// exactly once; any number of waiters may then read Result.
type Pending struct {
	mu  sync.Mutex
	cmd Command

	done     chan struct{}
	result   Result
	resolved bool
}

func newPending(cmd Command) *Pending {
	return &Pending{
		cmd:  cmd,
		done: make(chan struct{}),
	}
}

// Done returns a channel closed when the command has resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the final outcome. Only valid after Done is closed.
func (p *Pending) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// ID returns the stable command ID.
func (p *Pending) ID() string {
	return p.cmd.ID
}

// Command returns a copy of the current command record.
func (p *Pending) Command() Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

// State returns the current lifecycle state.
func (p *Pending) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd.State
}

// beginAttempt marks the command in flight and returns the attempt number.
func (p *Pending) beginAttempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.Attempt++
	p.cmd.State = StateInFlight
	return p.cmd.Attempt
}

// attemptsLeft reports whether another attempt is allowed.
func (p *Pending) attemptsLeft() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd.Attempt < p.cmd.MaxAttempts
}

// markQueued records entry into the offline queue. The enqueue time is set
// once so the queue TTL runs from the first enqueue.
func (p *Pending) markQueued(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.State = StateQueued
	if p.cmd.EnqueuedAt.IsZero() {
		p.cmd.EnqueuedAt = now
	}
}

// resetAttempts grants a fresh attempt budget for a replay window.
func (p *Pending) resetAttempts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd.Attempt = 0
}

// resolve delivers the final result. Later calls are no-ops, so a command
// resolves exactly once no matter how it finishes.
func (p *Pending) resolve(detail string, cerr *CmdError) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	if cerr == nil {
		p.cmd.State = StateSucceeded
	} else {
		p.cmd.State = StateFailed
	}
	p.result = Result{Command: p.cmd, Detail: detail, Err: cerr}
	p.mu.Unlock()

	close(p.done)
}

// Ack statuses reported by the controller.
const (
	ackOK           = "ok"
	ackUnauthorized = "unauthorized"
	ackRateLimited  = "rate_limited"
	ackError        = "error"
	ackRejected     = "rejected"
)

// ackMsg is the command_ack payload.
type ackMsg struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
	RetryAfterS int    `json:"retry_after_s,omitempty"`
}

// commandMsg is the command payload sent over the live channel.
type commandMsg struct {
	ID       string         `json:"id"`
	Target   string         `json:"target"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
	IssuedAt int64          `json:"issued_at"`
}

// frame is the outbound envelope for the live channel.
type frame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
	Msg  any    `json:"msg"`
}

// Config tunes the gateway.
type Config struct {
	AckTimeout       time.Duration // Max wait for a command_ack per attempt
	MaxAttempts      int
	RetryBackoff     time.Duration // Base delay between retries
	RateLimitMaxWait time.Duration // Longest honored Retry-After
	QueueCapacity    int
	QueueTTL         time.Duration // Queued commands older than this never fire
	DedupSize        int
	DedupTTL         time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       30 * time.Second,
		MaxAttempts:      3,
		RetryBackoff:     time.Second,
		RateLimitMaxWait: 10 * time.Second,
		QueueCapacity:    100,
		QueueTTL:         5 * time.Minute,
		DedupSize:        512,
		DedupTTL:         10 * time.Minute,
	}
}
