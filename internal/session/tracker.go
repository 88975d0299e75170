// Package session tracks locally-initiated dosing sessions. A session is
// created optimistically when the start command is issued and survives its
// own timer expiry until the controller confirms the pump actually stopped,
// so optimistic display state is never overwritten by stale pushes.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poolmind/poolsync/internal/command"
)

// Errors
var (
	ErrSessionActive = errors.New("dosing session already active")
	ErrNoSession     = errors.New("no dosing session for target")
)

// Issuer submits commands on behalf of the tracker.
type Issuer interface {
	Issue(target string, action command.Action, params map[string]any) (*command.Pending, error)
}

// Display receives optimistic values for session-controlled fields so the
// dashboard reflects a dose the moment it is requested, before any push.
type Display interface {
	SetLocal(key string, value any)
}

// Phase is the lifecycle phase of a dosing session.
type Phase int

const (
	// PhaseActive means the dose timer is still running.
	PhaseActive Phase = iota
	// PhaseExpired means the timer fired but the controller has not yet
	// confirmed the pump stopped. The session keeps suppressing pushed
	// state until that confirmation arrives.
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Origin says who initiated a session. Only local sessions suppress
// pushed state; remote ones exist purely for display.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Session is a point-in-time view of one tracked dosing session.
type Session struct {
	Target    string
	Origin    Origin
	Duration  time.Duration
	StartedAt time.Time
	ExpiresAt time.Time
	Phase     Phase
	CommandID string
}

type session struct {
	Session
	timer *time.Timer
}

// Config bounds session durations.
type Config struct {
	MinDuration time.Duration
	MaxDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinDuration: time.Second,
		MaxDuration: 30 * time.Minute,
	}
}

// Tracker owns all dosing sessions, keyed by target.
type Tracker struct {
	cfg     Config
	issuer  Issuer
	display Display
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	wg sync.WaitGroup
}

// NewTracker creates a session tracker.
func NewTracker(cfg Config, issuer Issuer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultConfig().MinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultConfig().MaxDuration
	}
	return &Tracker{
		cfg:      cfg,
		issuer:   issuer,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// SetDisplay wires the display state store. Must be called before Start.
func (t *Tracker) SetDisplay(d Display) {
	t.display = d
}

// Start begins a dosing session: it reserves the target, issues the start
// command, and keeps the session registered so the display can react
// without waiting for the ack. The reservation happens under one lock
// before the command goes out, so two concurrent starts for the same
// target can never both reach the controller. If the command later fails,
// the session is rolled back.
func (t *Tracker) Start(target string, duration time.Duration) (*command.Pending, error) {
	if duration < t.cfg.MinDuration || duration > t.cfg.MaxDuration {
		return nil, fmt.Errorf("dose duration %s out of bounds [%s, %s]",
			duration, t.cfg.MinDuration, t.cfg.MaxDuration)
	}

	now := time.Now()
	s := &session{
		Session: Session{
			Target:    target,
			Origin:    OriginLocal,
			Duration:  duration,
			StartedAt: now,
			ExpiresAt: now.Add(duration),
			Phase:     PhaseActive,
		},
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("session tracker closed")
	}
	if _, exists := t.sessions[target]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, target)
	}
	t.sessions[target] = s
	t.mu.Unlock()

	p, err := t.issuer.Issue(target, command.ActionStartDose, map[string]any{
		"duration_s": int(duration.Seconds()),
	})
	if err != nil {
		t.release(target, s)
		return nil, err
	}

	t.mu.Lock()
	s.CommandID = p.ID()
	s.timer = time.AfterFunc(time.Until(s.ExpiresAt), func() { t.markExpired(target, p.ID()) })
	if t.closed {
		s.timer.Stop()
	}
	t.mu.Unlock()

	t.setLocal(target, "pump_running", true)
	t.setLocal(target, "dose_remaining_s", int(duration.Seconds()))

	t.logger.Info("dosing session started",
		"target", target,
		"duration", duration,
		"command_id", p.ID(),
	)

	t.watch(p, func(res command.Result) {
		if res.Err == nil {
			t.logger.Debug("dose start confirmed", "target", target, "command_id", p.ID())
			return
		}
		// The command will never run; drop the optimistic session.
		if t.remove(target, p.ID()) {
			t.setLocal(target, "pump_running", false)
			t.setLocal(target, "dose_remaining_s", 0)
			t.logger.Warn("dose start failed, rolling back session",
				"target", target,
				"kind", res.Err.Kind,
				"message", res.Err.Message,
			)
		}
	})

	return p, nil
}

// Stop ends a session early by issuing a stop command. The session stays in
// place until the stop succeeds; a failed stop means the pump is still dosing.
func (t *Tracker) Stop(target string) (*command.Pending, error) {
	t.mu.Lock()
	s, exists := t.sessions[target]
	t.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, target)
	}

	p, err := t.issuer.Issue(target, command.ActionStopDose, nil)
	if err != nil {
		return nil, err
	}

	startID := s.CommandID
	t.watch(p, func(res command.Result) {
		if res.Err != nil {
			t.logger.Warn("dose stop failed, session remains",
				"target", target,
				"kind", res.Err.Kind,
				"message", res.Err.Message,
			)
			return
		}
		if t.remove(target, startID) {
			t.setLocal(target, "pump_running", false)
			t.setLocal(target, "dose_remaining_s", 0)
			t.logger.Info("dosing session stopped", "target", target)
		}
	})

	return p, nil
}

// IsActive reports whether a session is tracked for the target, including
// one awaiting completion confirmation.
func (t *Tracker) IsActive(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.sessions[target]
	return exists
}

// IsSuppressing reports whether session-controlled fields for the target
// must not be overwritten by controller pushes. Only locally-initiated
// sessions suppress.
func (t *Tracker) IsSuppressing(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[target]
	return exists && s.Origin == OriginLocal
}

// Get returns a copy of the session for the target.
func (t *Tracker) Get(target string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[target]
	if !exists {
		return Session{}, false
	}
	return s.Session, true
}

// Sessions returns a snapshot of all tracked sessions.
func (t *Tracker) Sessions() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Session)
	}
	return out
}

// ConfirmCompleted removes an expired session after the controller
// confirmed the pump stopped. An active session is left alone: its timer
// has not fired, so a pushed "off" state is presumed stale.
func (t *Tracker) ConfirmCompleted(target string) bool {
	t.mu.Lock()
	s, exists := t.sessions[target]
	if !exists || s.Phase != PhaseExpired {
		t.mu.Unlock()
		return false
	}
	delete(t.sessions, target)
	t.mu.Unlock()

	t.logger.Info("dosing session completed", "target", target)
	return true
}

// Close stops all timers and waits for command watchers to finish. Command
// outcomes must already be resolved (stop the gateway first).
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, s := range t.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	t.mu.Unlock()

	t.wg.Wait()
}

// markExpired flips a session to the expired phase when its timer fires.
// The session record stays until the controller confirms completion.
func (t *Tracker) markExpired(target, commandID string) {
	t.mu.Lock()
	s, exists := t.sessions[target]
	if !exists || s.CommandID != commandID || s.Phase != PhaseActive {
		t.mu.Unlock()
		return
	}
	s.Phase = PhaseExpired
	t.mu.Unlock()

	t.setLocal(target, "dose_remaining_s", 0)
	t.logger.Info("dose timer expired, awaiting controller confirmation", "target", target)
}

// release drops a reservation whose start command never got off the ground.
func (t *Tracker) release(target string, s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[target]; ok && cur == s {
		delete(t.sessions, target)
	}
}

// setLocal publishes an optimistic value for a session-controlled field.
func (t *Tracker) setLocal(target, field string, value any) {
	if t.display == nil {
		return
	}
	t.display.SetLocal(target+"."+field, value)
}

// remove deletes the session for the target if it still belongs to the
// given start command. Returns true if a session was removed.
func (t *Tracker) remove(target, commandID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, exists := t.sessions[target]
	if !exists || s.CommandID != commandID {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(t.sessions, target)
	return true
}

// watch runs fn with the command's final result on a tracker goroutine.
func (t *Tracker) watch(p *command.Pending, fn func(command.Result)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-p.Done()
		fn(p.Result())
	}()
}
