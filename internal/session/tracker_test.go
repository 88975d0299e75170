package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poolmind/poolsync/internal/command"
	"github.com/poolmind/poolsync/internal/connection"
	"github.com/poolmind/poolsync/internal/controller"
)

// downChannel is a never-connected live channel, forcing all commands
// through the fallback.
type downChannel struct{}

func (downChannel) Send([]byte) error                    { return connection.ErrNotConnected }
func (downChannel) IsConnected() bool                    { return false }
func (downChannel) On(string, connection.Handler) func() { return func() {} }
func (downChannel) OnConnected(func()) func()            { return func() {} }

// scriptedFallback answers command submissions from a per-call script.
type scriptedFallback struct {
	mu    sync.Mutex
	calls int
	errs  []error // indexed by call; nil or missing = success
}

func (f *scriptedFallback) IssueCommand(_ context.Context, req controller.CommandRequest) (*controller.CommandResponse, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &controller.CommandResponse{ID: req.ID, Status: "ok"}, nil
}

func (f *scriptedFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDisplay records optimistic field writes.
type fakeDisplay struct {
	mu   sync.Mutex
	vals map[string]any
}

func (d *fakeDisplay) SetLocal(key string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vals == nil {
		d.vals = make(map[string]any)
	}
	d.vals[key] = value
}

func (d *fakeDisplay) get(key string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vals[key]
}

// gatedIssuer parks the first start command inside Issue until released,
// holding open the window in which a duplicate start could slip through.
type gatedIssuer struct {
	inner   Issuer
	entered chan struct{}
	release chan struct{}
	starts  atomic.Int32
}

func (g *gatedIssuer) Issue(target string, action command.Action, params map[string]any) (*command.Pending, error) {
	if action == command.ActionStartDose && g.starts.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.inner.Issue(target, action, params)
}

func newTestTracker(t *testing.T, cfg Config, rest *scriptedFallback) *Tracker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gcfg := command.DefaultConfig()
	gcfg.MaxAttempts = 1
	gcfg.AckTimeout = 100 * time.Millisecond
	g := command.NewGateway(gcfg, downChannel{}, rest, nil, logger)

	tr := NewTracker(cfg, g, logger)
	g.SetSessions(tr)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("gateway start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
		tr.Close()
	})
	return tr
}

func testCfg() Config {
	return Config{MinDuration: 10 * time.Millisecond, MaxDuration: time.Minute}
}

func await(t *testing.T, p *command.Pending) command.Result {
	t.Helper()
	select {
	case <-p.Done():
		return p.Result()
	case <-time.After(3 * time.Second):
		t.Fatal("command did not resolve")
		return command.Result{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartCreatesSessionImmediately(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)

	p, err := tr.Start("chlorine_pump", 30*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The session exists before the command resolves.
	if !tr.IsActive("chlorine_pump") {
		t.Fatal("session not registered at issue time")
	}
	s, ok := tr.Get("chlorine_pump")
	if !ok || s.Phase != PhaseActive || s.Duration != 30*time.Second {
		t.Fatalf("session = %+v", s)
	}
	if s.CommandID != p.ID() {
		t.Fatalf("session command ID = %s, want %s", s.CommandID, p.ID())
	}

	if res := await(t, p); res.Err != nil {
		t.Fatalf("start command failed: %v", res.Err)
	}
	if !tr.IsActive("chlorine_pump") {
		t.Fatal("session dropped after successful start")
	}
	if !tr.IsSuppressing("chlorine_pump") {
		t.Fatal("active session must suppress pushed state")
	}
}

func TestStartRollsBackOnTerminalFailure(t *testing.T) {
	rest := &scriptedFallback{errs: []error{
		&controller.APIError{StatusCode: http.StatusBadRequest, Message: "unknown target"},
	}}
	tr := newTestTracker(t, testCfg(), rest)

	p, err := tr.Start("mystery_pump", 30*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res := await(t, p)
	if res.Err == nil {
		t.Fatal("expected command failure")
	}
	waitFor(t, "session rollback", func() bool {
		return !tr.IsActive("mystery_pump")
	})
}

func TestStartDurationBounds(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)

	if _, err := tr.Start("chlorine_pump", time.Millisecond); err == nil {
		t.Fatal("expected error for duration below minimum")
	}
	if _, err := tr.Start("chlorine_pump", time.Hour); err == nil {
		t.Fatal("expected error for duration above maximum")
	}
	if rest.callCount() != 0 {
		t.Fatalf("out-of-bounds durations reached the issuer: %d calls", rest.callCount())
	}
}

func TestStartConflictsWithExistingSession(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)

	p, err := tr.Start("acid_pump", 30*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, p)

	if _, err := tr.Start("acid_pump", 30*time.Second); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
	if rest.callCount() != 1 {
		t.Fatalf("conflicting start reached the issuer: %d calls", rest.callCount())
	}
}

func TestConcurrentStartSameTargetIssuesOnce(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rest := &scriptedFallback{}

	gcfg := command.DefaultConfig()
	gcfg.MaxAttempts = 1
	gcfg.AckTimeout = 100 * time.Millisecond
	g := command.NewGateway(gcfg, downChannel{}, rest, nil, logger)

	gate := &gatedIssuer{inner: g, entered: make(chan struct{}), release: make(chan struct{})}
	tr := NewTracker(testCfg(), gate, logger)
	g.SetSessions(tr)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("gateway start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
		tr.Close()
	})

	type startResult struct {
		p   *command.Pending
		err error
	}
	first := make(chan startResult, 1)
	go func() {
		p, err := tr.Start("ph", 30*time.Second)
		first <- startResult{p, err}
	}()

	<-gate.entered

	// The first start is still in flight; the second must lose here,
	// not at the controller.
	if _, err := tr.Start("ph", 30*time.Second); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("concurrent Start err = %v, want ErrSessionActive", err)
	}

	close(gate.release)
	res := <-first
	if res.err != nil {
		t.Fatalf("first Start: %v", res.err)
	}
	if r := await(t, res.p); r.Err != nil {
		t.Fatalf("start command failed: %v", r.Err)
	}
	if got := gate.starts.Load(); got != 1 {
		t.Fatalf("start_dose issued %d times, want 1", got)
	}
	if !tr.IsActive("ph") {
		t.Fatal("winning session missing")
	}
}

func TestStartPublishesOptimisticState(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)
	d := &fakeDisplay{}
	tr.SetDisplay(d)

	p, err := tr.Start("chlorine_pump", 30*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The display sees the dose before the command resolves.
	if got := d.get("chlorine_pump.pump_running"); got != true {
		t.Fatalf("pump_running = %v, want true", got)
	}
	if got := d.get("chlorine_pump.dose_remaining_s"); got != 30 {
		t.Fatalf("dose_remaining_s = %v, want 30", got)
	}
	await(t, p)

	stop, err := tr.Stop("chlorine_pump")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	await(t, stop)

	waitFor(t, "optimistic stop state", func() bool {
		return d.get("chlorine_pump.pump_running") == false
	})
	if got := d.get("chlorine_pump.dose_remaining_s"); got != 0 {
		t.Fatalf("dose_remaining_s = %v, want 0", got)
	}
}

func TestStartRollbackClearsOptimisticState(t *testing.T) {
	rest := &scriptedFallback{errs: []error{
		&controller.APIError{StatusCode: http.StatusBadRequest, Message: "unknown target"},
	}}
	tr := newTestTracker(t, testCfg(), rest)
	d := &fakeDisplay{}
	tr.SetDisplay(d)

	p, err := tr.Start("mystery_pump", 30*time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res := await(t, p)
	if res.Err == nil {
		t.Fatal("expected command failure")
	}

	waitFor(t, "rollback state", func() bool {
		return d.get("mystery_pump.pump_running") == false
	})
	if got := d.get("mystery_pump.dose_remaining_s"); got != 0 {
		t.Fatalf("dose_remaining_s = %v, want 0", got)
	}
}

func TestTimerExpiryKeepsSessionUntilConfirmed(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)
	d := &fakeDisplay{}
	tr.SetDisplay(d)

	p, err := tr.Start("chlorine_pump", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, p)

	waitFor(t, "timer expiry", func() bool {
		s, ok := tr.Get("chlorine_pump")
		return ok && s.Phase == PhaseExpired
	})
	if got := d.get("chlorine_pump.dose_remaining_s"); got != 0 {
		t.Fatalf("dose_remaining_s after expiry = %v, want 0", got)
	}

	// Expired but unconfirmed: still suppressing.
	if !tr.IsSuppressing("chlorine_pump") {
		t.Fatal("expired session must keep suppressing until confirmed")
	}

	if !tr.ConfirmCompleted("chlorine_pump") {
		t.Fatal("ConfirmCompleted should remove the expired session")
	}
	if tr.IsActive("chlorine_pump") {
		t.Fatal("session still tracked after confirmation")
	}
}

func TestConfirmCompletedIgnoresActiveSession(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)

	p, err := tr.Start("chlorine_pump", time.Minute)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, p)

	// A pushed "pump off" during an active session is presumed stale.
	if tr.ConfirmCompleted("chlorine_pump") {
		t.Fatal("ConfirmCompleted removed an active session")
	}
	if !tr.IsActive("chlorine_pump") {
		t.Fatal("active session lost")
	}
}

func TestStopRemovesSessionOnSuccess(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)

	p, err := tr.Start("acid_pump", time.Minute)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, p)

	stop, err := tr.Stop("acid_pump")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res := await(t, stop); res.Err != nil {
		t.Fatalf("stop command failed: %v", res.Err)
	}
	waitFor(t, "session removal", func() bool {
		return !tr.IsActive("acid_pump")
	})
}

func TestStopFailureKeepsSession(t *testing.T) {
	rest := &scriptedFallback{errs: []error{
		nil, // start succeeds
		&controller.APIError{StatusCode: http.StatusBadRequest, Message: "pump busy"},
	}}
	tr := newTestTracker(t, testCfg(), rest)

	p, err := tr.Start("acid_pump", time.Minute)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	await(t, p)

	stop, err := tr.Stop("acid_pump")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	res := await(t, stop)
	if res.Err == nil {
		t.Fatal("expected stop failure")
	}

	// The pump is still dosing as far as we know.
	time.Sleep(20 * time.Millisecond)
	if !tr.IsActive("acid_pump") {
		t.Fatal("session dropped despite failed stop")
	}
}

func TestStopWithoutSession(t *testing.T) {
	rest := &scriptedFallback{}
	tr := newTestTracker(t, testCfg(), rest)

	if _, err := tr.Stop("chlorine_pump"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}
