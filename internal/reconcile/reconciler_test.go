package reconcile

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/poolmind/poolsync/internal/connection"
)

type fakeSessions struct {
	mu        sync.Mutex
	suppress  map[string]bool
	expired   map[string]bool
	confirmed []string
}

func (s *fakeSessions) IsSuppressing(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppress[target]
}

func (s *fakeSessions) ConfirmCompleted(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expired[target] {
		return false
	}
	delete(s.expired, target)
	delete(s.suppress, target)
	s.confirmed = append(s.confirmed, target)
	return true
}

type update struct {
	key   string
	value any
}

type fakeScheduler struct {
	mu      sync.Mutex
	updates []update
}

func (f *fakeScheduler) Enqueue(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update{key, value})
}

func (f *fakeScheduler) last(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.updates) - 1; i >= 0; i-- {
		if f.updates[i].key == key {
			return f.updates[i].value, true
		}
	}
	return nil, false
}

func (f *fakeScheduler) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.updates {
		if u.key == key {
			n++
		}
	}
	return n
}

type reading struct {
	at     time.Time
	target string
	field  string
	value  any
}

type fakeRecorder struct {
	mu       sync.Mutex
	readings []reading
}

func (f *fakeRecorder) Record(at time.Time, target, field string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, reading{at, target, field, value})
}

func newTestReconciler(sessions Sessions, recorder Recorder) (*Reconciler, *fakeScheduler) {
	sched := &fakeScheduler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sessions, sched, recorder, logger), sched
}

func TestSnapshotReplacesState(t *testing.T) {
	r, sched := newTestReconciler(nil, nil)

	t0 := time.Now()
	r.OnSnapshot(t0, map[string]any{
		"chlorine_pump.ph":           7.2,
		"chlorine_pump.pump_running": false,
		"acid_pump.orp":              650.0,
	})

	if v, _ := r.Get("chlorine_pump.ph"); v != 7.2 {
		t.Fatalf("ph = %v", v)
	}
	if v, ok := sched.last("acid_pump.orp"); !ok || v != 650.0 {
		t.Fatalf("orp update = %v, %v", v, ok)
	}

	// The next snapshot omits acid_pump.orp: full replace drops it.
	r.OnSnapshot(t0.Add(time.Second), map[string]any{
		"chlorine_pump.ph":           7.3,
		"chlorine_pump.pump_running": false,
	})

	if _, ok := r.Get("acid_pump.orp"); ok {
		t.Fatal("field absent from snapshot survived")
	}
	if v, ok := sched.last("acid_pump.orp"); !ok || v != nil {
		t.Fatalf("expected nil update for dropped field, got %v", v)
	}
	if v, _ := r.Get("chlorine_pump.ph"); v != 7.3 {
		t.Fatalf("ph = %v", v)
	}
}

func TestDeltaPatchesAndSkipsUnchanged(t *testing.T) {
	r, sched := newTestReconciler(nil, nil)

	t0 := time.Now()
	r.OnSnapshot(t0, map[string]any{
		"chlorine_pump.ph":  7.2,
		"chlorine_pump.orp": 650.0,
	})
	r.OnDelta(t0.Add(time.Second), "chlorine_pump", "ph", 7.4)

	if v, _ := r.Get("chlorine_pump.ph"); v != 7.4 {
		t.Fatalf("ph = %v", v)
	}
	if v, _ := r.Get("chlorine_pump.orp"); v != 650.0 {
		t.Fatalf("orp = %v, delta must not drop untouched fields", v)
	}

	// Re-pushing the same value is not a display update.
	before := sched.count("chlorine_pump.ph")
	r.OnDelta(t0.Add(2*time.Second), "chlorine_pump", "ph", 7.4)
	if sched.count("chlorine_pump.ph") != before {
		t.Fatal("unchanged value re-enqueued")
	}
}

func TestOutOfOrderPushIgnored(t *testing.T) {
	r, _ := newTestReconciler(nil, nil)

	t0 := time.Now()
	r.OnSnapshot(t0, map[string]any{"chlorine_pump.ph": 7.2})
	r.OnDelta(t0.Add(-time.Second), "chlorine_pump", "ph", 6.0)

	if v, _ := r.Get("chlorine_pump.ph"); v != 7.2 {
		t.Fatalf("ph = %v, stale delta was applied", v)
	}

	r.OnSnapshot(t0.Add(-time.Minute), map[string]any{"chlorine_pump.ph": 5.0})
	if v, _ := r.Get("chlorine_pump.ph"); v != 7.2 {
		t.Fatalf("ph = %v, stale snapshot was applied", v)
	}
}

func TestSessionSuppressesPushedState(t *testing.T) {
	sessions := &fakeSessions{
		suppress: map[string]bool{"chlorine_pump": true},
		expired:  map[string]bool{},
	}
	r, _ := newTestReconciler(sessions, nil)

	r.SetLocal("chlorine_pump.pump_running", true)
	r.SetLocal("chlorine_pump.dose_remaining_s", 42)

	// A stale push claiming the pump is off must not win while the
	// session is in progress.
	r.OnSnapshot(time.Now(), map[string]any{
		"chlorine_pump.pump_running":     false,
		"chlorine_pump.dose_remaining_s": 0,
		"chlorine_pump.ph":               7.2,
	})

	if v, _ := r.Get("chlorine_pump.pump_running"); v != true {
		t.Fatalf("pump_running = %v, session field overwritten", v)
	}
	if v, _ := r.Get("chlorine_pump.dose_remaining_s"); v != 42 {
		t.Fatalf("dose_remaining_s = %v, session field overwritten", v)
	}
	// Non-session fields still flow through.
	if v, _ := r.Get("chlorine_pump.ph"); v != 7.2 {
		t.Fatalf("ph = %v", v)
	}
}

func TestExpiredSessionConfirmedByPush(t *testing.T) {
	sessions := &fakeSessions{
		suppress: map[string]bool{"chlorine_pump": true},
		expired:  map[string]bool{"chlorine_pump": true},
	}
	r, _ := newTestReconciler(sessions, nil)

	r.SetLocal("chlorine_pump.pump_running", true)
	r.SetLocal("chlorine_pump.dose_remaining_s", 3)

	// Timer already expired; the controller now reports the pump off.
	// That confirms completion, and the whole push applies.
	r.OnSnapshot(time.Now(), map[string]any{
		"chlorine_pump.pump_running":     false,
		"chlorine_pump.dose_remaining_s": 0,
	})

	if len(sessions.confirmed) != 1 || sessions.confirmed[0] != "chlorine_pump" {
		t.Fatalf("confirmed = %v", sessions.confirmed)
	}
	if v, _ := r.Get("chlorine_pump.pump_running"); v != false {
		t.Fatalf("pump_running = %v after confirmation", v)
	}
	if v, _ := r.Get("chlorine_pump.dose_remaining_s"); v != 0 {
		t.Fatalf("dose_remaining_s = %v after confirmation", v)
	}
}

func TestExpiredSessionConfirmedByDelta(t *testing.T) {
	sessions := &fakeSessions{
		suppress: map[string]bool{"ph": true},
		expired:  map[string]bool{"ph": true},
	}
	r, _ := newTestReconciler(sessions, nil)
	r.SetLocal("ph.pump_running", true)

	r.OnDelta(time.Now(), "ph", "pump_running", false)

	if len(sessions.confirmed) != 1 {
		t.Fatalf("confirmed = %v", sessions.confirmed)
	}
	if v, _ := r.Get("ph.pump_running"); v != false {
		t.Fatalf("pump_running = %v after confirming delta", v)
	}
}

func TestPumpStillRunningDoesNotConfirm(t *testing.T) {
	sessions := &fakeSessions{
		suppress: map[string]bool{"chlorine_pump": true},
		expired:  map[string]bool{"chlorine_pump": true},
	}
	r, _ := newTestReconciler(sessions, nil)
	r.SetLocal("chlorine_pump.pump_running", true)

	// Pump still running per the controller: the expired session keeps
	// waiting for real completion evidence.
	r.OnSnapshot(time.Now(), map[string]any{
		"chlorine_pump.pump_running": true,
	})

	if len(sessions.confirmed) != 0 {
		t.Fatalf("confirmed = %v", sessions.confirmed)
	}
	if !sessions.IsSuppressing("chlorine_pump") {
		t.Fatal("suppression lifted without completion evidence")
	}
}

func TestRecorderReceivesAppliedChanges(t *testing.T) {
	rec := &fakeRecorder{}
	r, _ := newTestReconciler(nil, rec)

	ts := time.Now()
	r.OnSnapshot(ts, map[string]any{"chlorine_pump.ph": 7.2})
	r.OnDelta(ts.Add(time.Second), "chlorine_pump", "ph", 7.2) // unchanged

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.readings) != 1 {
		t.Fatalf("readings = %d, want 1", len(rec.readings))
	}
	got := rec.readings[0]
	if got.target != "chlorine_pump" || got.field != "ph" || got.value != 7.2 {
		t.Fatalf("reading = %+v", got)
	}
	if !got.at.Equal(ts) {
		t.Fatalf("reading at = %s, want push timestamp %s", got.at, ts)
	}
}

type fakeEventChannel struct {
	handlers map[string]connection.Handler
}

func (c *fakeEventChannel) On(event string, h connection.Handler) func() {
	if c.handlers == nil {
		c.handlers = make(map[string]connection.Handler)
	}
	c.handlers[event] = h
	return func() {}
}

func (c *fakeEventChannel) emit(t *testing.T, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", name, err)
	}
	h, ok := c.handlers[name]
	if !ok {
		t.Fatalf("no handler bound for %s", name)
	}
	h(connection.Event{Name: name, TS: time.Now(), Payload: data})
}

func TestBindRoutesChannelEvents(t *testing.T) {
	r, sched := newTestReconciler(nil, nil)
	ch := &fakeEventChannel{}
	r.Bind(ch)
	defer r.Close()

	now := time.Now()
	ch.emit(t, connection.EventSnapshot, snapshotMsg{
		TS:     now.UnixMilli(),
		Fields: map[string]any{"chlorine_pump.ph": 7.2},
	})
	ch.emit(t, connection.EventDelta, deltaMsg{
		TS:     now.Add(time.Second).UnixMilli(),
		Target: "chlorine_pump",
		Field:  "ph",
		Value:  7.5,
	})

	if v, _ := r.Get("chlorine_pump.ph"); v != 7.5 {
		t.Fatalf("ph = %v", v)
	}

	ch.emit(t, connection.EventAlert, alertMsg{ID: "ph_high", Severity: "warning", Message: "pH above target"})
	alerts := r.Alerts()
	if len(alerts) != 1 || alerts[0].ID != "ph_high" {
		t.Fatalf("alerts = %+v", alerts)
	}
	if v, ok := sched.last("alert.ph_high"); !ok || v == nil {
		t.Fatalf("alert update = %v, %v", v, ok)
	}

	ch.emit(t, connection.EventAlert, alertMsg{ID: "ph_high", Cleared: true})
	if len(r.Alerts()) != 0 {
		t.Fatal("cleared alert still active")
	}
	if v, _ := sched.last("alert.ph_high"); v != nil {
		t.Fatalf("clear update = %v, want nil", v)
	}
}
