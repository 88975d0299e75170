package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Manager orchestrates the live channel lifecycle and event fan-out.
type Manager interface {
	// Connect begins connecting. Idempotent: a no-op while a connection
	// attempt or an established connection is in progress. Calling it
	// after a terminal auth failure starts over (e.g. with a new token).
	Connect(ctx context.Context) error

	// Stop tears down the channel and waits for goroutines to exit.
	Stop(ctx context.Context) error

	// On subscribes a handler to an inbound event. The returned function
	// removes the subscription.
	On(event string, h Handler) func()

	// Emit sends a fire-and-forget frame. Delivered only while Connected;
	// silently dropped otherwise. Callers needing durability must go
	// through the command gateway instead.
	Emit(event string, payload any)

	// Send writes a raw frame, returning ErrNotConnected when the channel
	// is down so the caller can classify the failure.
	Send(data []byte) error

	// State returns the current connection state.
	State() State

	// IsConnected reports whether the channel is up.
	IsConnected() bool

	// OnConnected registers a hook invoked after every successful
	// (re)connect, once subscriptions are re-registered and a fresh
	// snapshot has been requested. The returned function cancels it.
	OnConnected(fn func()) func()
}

// manager implements Manager.
type manager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu              sync.Mutex
	status          Status
	attempt         int
	lastHeartbeatAt time.Time
	transport       Transport
	probeSent       bool

	subMu   sync.Mutex
	subs    map[string]map[int]Handler
	nextSub int

	hookMu   sync.Mutex
	hooks    map[int]func()
	nextHook int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. If cfg.Dialer is nil a WebSocket
// dialer for cfg.URL is used.
func NewManager(cfg Config, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &manager{
		cfg:    cfg,
		logger: logger,
		status: StatusDisconnected,
		subs:   make(map[string]map[int]Handler),
		hooks:  make(map[int]func()),
	}

	if cfg.Dialer != nil {
		m.dialer = cfg.Dialer
	} else {
		m.dialer = newWSDialer(cfg, m.markAlive)
	}

	return m
}

// Connect starts the connection loop.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.status = StatusConnecting
	m.attempt = 0
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop tears everything down.
func (m *manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	if m.transport != nil {
		m.transport.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("connection shutdown timeout")
	}

	m.mu.Lock()
	m.status = StatusDisconnected
	m.transport = nil
	m.mu.Unlock()

	return nil
}

// On registers an event handler.
func (m *manager) On(event string, h Handler) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if m.subs[event] == nil {
		m.subs[event] = make(map[int]Handler)
	}
	id := m.nextSub
	m.nextSub++
	m.subs[event][id] = h

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs[event], id)
	}
}

// Emit sends a frame if connected, otherwise drops it.
func (m *manager) Emit(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		m.logger.Warn("failed to encode frame", "event", event, "error", err)
		return
	}

	if err := m.Send(data); err != nil {
		m.logger.Debug("dropping emit, channel down", "event", event)
	}
}

// Send writes a raw frame to the transport.
func (m *manager) Send(data []byte) error {
	m.mu.Lock()
	tr := m.transport
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected || tr == nil {
		return ErrNotConnected
	}
	return tr.WriteMessage(data)
}

// State returns the current connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Status:           m.status,
		ReconnectAttempt: m.attempt,
		LastHeartbeatAt:  m.lastHeartbeatAt,
	}
}

// IsConnected reports whether the channel is up.
func (m *manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected
}

// OnConnected registers a reconnect hook.
func (m *manager) OnConnected(fn func()) func() {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	id := m.nextHook
	m.nextHook++
	m.hooks[id] = fn

	return func() {
		m.hookMu.Lock()
		defer m.hookMu.Unlock()
		delete(m.hooks, id)
	}
}

// run is the connection loop: dial, serve, classify the failure, back off,
// repeat. Exits on shutdown or terminal auth failure.
func (m *manager) run() {
	defer m.wg.Done()

	for {
		dialCtx, dialCancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		tr, err := m.dialer.Dial(dialCtx)
		dialCancel()

		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if isAuthError(err) {
				m.fail("auth", err)
				return
			}

			m.mu.Lock()
			delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, m.attempt)
			m.attempt++
			attempt := m.attempt
			m.mu.Unlock()

			m.logger.Warn("connect failed, backing off",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		m.mu.Lock()
		m.transport = tr
		m.status = StatusConnected
		m.attempt = 0
		m.lastHeartbeatAt = time.Now()
		m.probeSent = false
		m.mu.Unlock()

		m.logger.Info("channel connected", "url", m.cfg.URL)

		m.resubscribe()
		m.requestSnapshot()
		m.dispatchLocal(EventConnected, nil)
		m.runHooks()

		err = m.serve(tr)
		tr.Close()

		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()

		if m.ctx.Err() != nil {
			return
		}
		if isAuthError(err) {
			m.fail("auth", err)
			return
		}

		m.mu.Lock()
		m.status = StatusReconnecting
		delay := backoffDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, m.attempt)
		m.attempt++
		m.mu.Unlock()

		m.logger.Warn("channel lost, reconnecting",
			"delay", delay,
			"error", err,
		)
		m.dispatchLocal(EventDisconnected, DisconnectedMsg{Reason: err.Error()})

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve reads frames and watches liveness until the transport fails.
func (m *manager) serve(tr Transport) error {
	msgs := make(chan []byte, 64)
	errs := make(chan error, 1)

	// Closed when serve returns so a reader stuck delivering into a full
	// msgs buffer exits instead of outliving its connection.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			data, err := tr.ReadMessage()
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			select {
			case msgs <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case err := <-errs:
			return err
		case data := <-msgs:
			m.handleMessage(data)
		case <-ticker.C:
			if m.checkLiveness() {
				// Hard reconnect: the channel looks open but is not
				// delivering. Closing the transport fails the read loop.
				return ErrStaleConnection
			}
		}
	}
}

// handleMessage decodes one inbound frame and dispatches it.
func (m *manager) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("failed to decode frame", "error", err)
		return
	}
	if env.Type == "" {
		m.logger.Warn("frame without type", "len", len(data))
		return
	}

	// Any decodable inbound frame proves the channel is delivering.
	m.markAlive()

	ts := time.Now()
	if env.TS != 0 {
		ts = time.UnixMilli(env.TS)
	}

	m.dispatch(Event{Name: env.Type, TS: ts, Payload: env.Msg})
}

// checkLiveness probes a quiet channel and reports whether it must be
// considered dead. At most one probe is sent per staleness episode.
func (m *manager) checkLiveness() bool {
	m.mu.Lock()
	since := time.Since(m.lastHeartbeatAt)
	probeSent := m.probeSent
	stale := since > 2*m.cfg.HeartbeatInterval
	dead := probeSent && since > 2*m.cfg.HeartbeatInterval+m.cfg.HeartbeatGrace
	if stale && !probeSent {
		m.probeSent = true
	}
	m.mu.Unlock()

	if dead {
		m.logger.Warn("no heartbeat within grace window, forcing reconnect",
			"since_last", since,
		)
		return true
	}

	if stale && !probeSent {
		m.logger.Warn("heartbeat overdue, requesting one", "since_last", since)
		m.Emit(frameHeartbeatRequest, nil)
	}

	return false
}

// markAlive records proof of channel liveness.
func (m *manager) markAlive() {
	m.mu.Lock()
	m.lastHeartbeatAt = time.Now()
	m.probeSent = false
	m.mu.Unlock()
}

// dispatch delivers an event to its subscribers.
func (m *manager) dispatch(ev Event) {
	m.subMu.Lock()
	handlers := make([]Handler, 0, len(m.subs[ev.Name]))
	for _, h := range m.subs[ev.Name] {
		handlers = append(handlers, h)
	}
	m.subMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// dispatchLocal synthesizes a lifecycle event for subscribers.
func (m *manager) dispatchLocal(event string, payload any) {
	var msg json.RawMessage
	if payload != nil {
		msg, _ = json.Marshal(payload)
	}
	m.dispatch(Event{Name: event, TS: time.Now(), Payload: msg})
}

// resubscribe re-registers all active subscriptions with the controller.
func (m *manager) resubscribe() {
	m.subMu.Lock()
	events := make([]string, 0, len(m.subs))
	for name, handlers := range m.subs {
		if name == EventConnected || name == EventDisconnected {
			continue // local events, not server subscriptions
		}
		if len(handlers) > 0 {
			events = append(events, name)
		}
	}
	m.subMu.Unlock()

	if len(events) == 0 {
		return
	}
	m.Emit(frameSubscribe, subscribeMsg{Events: events})
}

// requestSnapshot asks the controller for a full authoritative state push.
func (m *manager) requestSnapshot() {
	m.Emit(frameSnapshotRequest, nil)
}

// runHooks invokes reconnect hooks.
func (m *manager) runHooks() {
	m.hookMu.Lock()
	hooks := make([]func(), 0, len(m.hooks))
	for _, fn := range m.hooks {
		hooks = append(hooks, fn)
	}
	m.hookMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// fail transitions to the terminal Failed state.
func (m *manager) fail(reason string, err error) {
	m.mu.Lock()
	m.status = StatusFailed
	m.mu.Unlock()

	m.logger.Error("channel failed terminally",
		"reason", reason,
		"error", err,
	)
	m.dispatchLocal(EventDisconnected, DisconnectedMsg{Reason: reason})
}

// backoffDelay computes the reconnect delay for the given attempt.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30 // avoid shift overflow
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// encodeFrame builds an outbound envelope.
func encodeFrame(frameType string, payload any) ([]byte, error) {
	env := envelope{Type: frameType, TS: time.Now().UnixMilli()}
	if payload != nil {
		msg, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Msg = msg
	}
	return json.Marshal(env)
}
