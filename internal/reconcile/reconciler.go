// Package reconcile merges controller state pushes into the authoritative
// display state. Snapshots replace, deltas patch, and fields owned by a
// local dosing session are protected from stale pushes until the
// controller confirms the session really ended.
package reconcile

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/poolmind/poolsync/internal/connection"
)

// Field keys take the form "<target>.<field>", e.g. "chlorine_pump.ph".

// Fields a dosing session owns while it is in progress. Pushed values for
// these are suppressed for targets with a live session.
var sessionFields = map[string]bool{
	"pump_running":     true,
	"dose_remaining_s": true,
}

// Sessions is the dosing-session view the reconciler consults.
type Sessions interface {
	IsSuppressing(target string) bool
	ConfirmCompleted(target string) bool
}

// Scheduler receives display updates for changed fields.
type Scheduler interface {
	Enqueue(key string, value any)
}

// Recorder persists applied readings. Implementations must not block.
type Recorder interface {
	Record(at time.Time, target, field string, value any)
}

// Alert is an active controller alert.
type Alert struct {
	ID       string    `json:"id"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	RaisedAt time.Time `json:"raised_at"`
}

// Channel is the event source the reconciler binds to.
type Channel interface {
	On(event string, h connection.Handler) func()
}

// Reconciler owns the authoritative field state.
type Reconciler struct {
	sessions Sessions
	sched    Scheduler
	recorder Recorder // may be nil
	logger   *slog.Logger

	mu     sync.Mutex
	state  map[string]any
	alerts map[string]Alert
	lastTS time.Time

	unsubs []func()
}

// New creates a reconciler. recorder may be nil when history is disabled.
func New(sessions Sessions, sched Scheduler, recorder Recorder, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		sessions: sessions,
		sched:    sched,
		recorder: recorder,
		logger:   logger,
		state:    make(map[string]any),
		alerts:   make(map[string]Alert),
	}
}

// Bind subscribes the reconciler to the channel's state events.
func (r *Reconciler) Bind(ch Channel) {
	r.unsubs = append(r.unsubs,
		ch.On(connection.EventSnapshot, r.handleSnapshot),
		ch.On(connection.EventDelta, r.handleDelta),
		ch.On(connection.EventAlert, r.handleAlert),
	)
}

// Close unsubscribes from the channel.
func (r *Reconciler) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// State returns a copy of the current field state.
func (r *Reconciler) State() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out
}

// Get returns the current value for a field key.
func (r *Reconciler) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state[key]
	return v, ok
}

// Alerts returns the active alerts.
func (r *Reconciler) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a)
	}
	return out
}

// OnSnapshot applies a full authoritative state push. Fields absent from
// the snapshot are dropped; suppressed fields keep their local values.
func (r *Reconciler) OnSnapshot(ts time.Time, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts.Before(r.lastTS) {
		r.logger.Debug("ignoring out-of-order snapshot",
			"ts", ts,
			"last_applied", r.lastTS,
		)
		return
	}
	r.lastTS = ts

	r.confirmEndedSessions(fields)

	applied := 0
	for key, value := range fields {
		if r.suppressed(key) {
			continue
		}
		if r.apply(ts, key, value) {
			applied++
		}
	}

	// Full replace: anything the controller no longer reports goes away,
	// except fields a session still owns.
	for key := range r.state {
		if _, present := fields[key]; present || r.suppressed(key) {
			continue
		}
		delete(r.state, key)
		r.sched.Enqueue(key, nil)
	}

	r.logger.Debug("snapshot applied", "fields", len(fields), "changed", applied)
}

// OnDelta applies a single-field authoritative push.
func (r *Reconciler) OnDelta(ts time.Time, target, field string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts.Before(r.lastTS) {
		r.logger.Debug("ignoring out-of-order delta",
			"ts", ts,
			"last_applied", r.lastTS,
		)
		return
	}
	r.lastTS = ts

	key := target + "." + field
	r.confirmEndedSessions(map[string]any{key: value})

	if r.suppressed(key) {
		return
	}
	r.apply(ts, key, value)
}

// SetLocal applies an optimistic local value for a field, bypassing the
// suppression check. Used when a session starts before any push arrives.
func (r *Reconciler) SetLocal(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[key] = value
	r.sched.Enqueue(key, value)
}

// confirmEndedSessions scans a push for pump-stopped evidence before the
// suppression pass, so a snapshot confirming the end of an expired session
// is applied in full rather than suppressed. Caller holds r.mu.
func (r *Reconciler) confirmEndedSessions(fields map[string]any) {
	if r.sessions == nil {
		return
	}
	for key, value := range fields {
		target, field := splitKey(key)
		if field != "pump_running" {
			continue
		}
		if running, ok := value.(bool); ok && !running && r.sessions.IsSuppressing(target) {
			if r.sessions.ConfirmCompleted(target) {
				r.logger.Debug("controller confirmed dose completion", "target", target)
			}
		}
	}
}

// suppressed reports whether a pushed value for key must be ignored
// because a local dosing session owns it. Caller holds r.mu.
func (r *Reconciler) suppressed(key string) bool {
	if r.sessions == nil {
		return false
	}
	target, field := splitKey(key)
	return sessionFields[field] && r.sessions.IsSuppressing(target)
}

// apply stores a value if it changed, forwarding it to the scheduler and
// recorder. Caller holds r.mu. Returns true if the value changed.
func (r *Reconciler) apply(ts time.Time, key string, value any) bool {
	if prev, ok := r.state[key]; ok && reflect.DeepEqual(prev, value) {
		return false
	}
	r.state[key] = value
	r.sched.Enqueue(key, value)
	if r.recorder != nil {
		target, field := splitKey(key)
		r.recorder.Record(ts, target, field, value)
	}
	return true
}

// splitKey splits "<target>.<field>" on the last dot.
func splitKey(key string) (target, field string) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}

// Wire payloads.

type snapshotMsg struct {
	TS     int64          `json:"ts"` // Unix milliseconds
	Fields map[string]any `json:"fields"`
}

type deltaMsg struct {
	TS     int64  `json:"ts"`
	Target string `json:"target"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

type alertMsg struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Cleared  bool   `json:"cleared,omitempty"`
}

func (r *Reconciler) handleSnapshot(ev connection.Event) {
	var msg snapshotMsg
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		r.logger.Warn("failed to decode snapshot", "error", err)
		return
	}
	r.OnSnapshot(time.UnixMilli(msg.TS), msg.Fields)
}

func (r *Reconciler) handleDelta(ev connection.Event) {
	var msg deltaMsg
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		r.logger.Warn("failed to decode delta", "error", err)
		return
	}
	r.OnDelta(time.UnixMilli(msg.TS), msg.Target, msg.Field, msg.Value)
}

func (r *Reconciler) handleAlert(ev connection.Event) {
	var msg alertMsg
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		r.logger.Warn("failed to decode alert", "error", err)
		return
	}

	r.mu.Lock()
	if msg.Cleared {
		delete(r.alerts, msg.ID)
		r.mu.Unlock()
		r.sched.Enqueue("alert."+msg.ID, nil)
		r.logger.Info("alert cleared", "id", msg.ID)
		return
	}
	a := Alert{ID: msg.ID, Severity: msg.Severity, Message: msg.Message, RaisedAt: ev.TS}
	r.alerts[msg.ID] = a
	r.mu.Unlock()

	r.sched.Enqueue("alert."+msg.ID, a)
	r.logger.Warn("alert raised", "id", msg.ID, "severity", msg.Severity, "message", msg.Message)
}
