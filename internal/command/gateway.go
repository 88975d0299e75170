// Package command implements the gateway through which every actuation
// command reaches the controller: conflict checks, classified retries,
// rate-limit waits, and a bounded offline queue replayed in order when
// connectivity returns.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/poolmind/poolsync/internal/connection"
	"github.com/poolmind/poolsync/internal/controller"
)

// Channel is the live transport surface the gateway uses.
type Channel interface {
	Send(data []byte) error
	IsConnected() bool
	On(event string, h connection.Handler) func()
	OnConnected(fn func()) func()
}

// Fallback is the request/response path used when the channel is down.
type Fallback interface {
	IssueCommand(ctx context.Context, req controller.CommandRequest) (*controller.CommandResponse, error)
}

// Sessions exposes the dosing-session view the gateway consults before
// sending a Start.
type Sessions interface {
	IsActive(target string) bool
}

// Gateway issues commands with retry, rate-limit backoff, and offline
// queueing. It owns the command map and the queue exclusively.
type Gateway struct {
	cfg      Config
	ch       Channel
	rest     Fallback // may be nil
	sessions Sessions // may be nil
	logger   *slog.Logger

	ackMu sync.Mutex
	acks  map[string]chan ackMsg

	// Recently resolved command IDs; late or duplicate acks for these
	// (e.g. after a timeout-then-replay) are ignored.
	resolved *expirable.LRU[string, State]

	queue    *offlineQueue
	replayMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// NewGateway creates a command gateway.
func NewGateway(cfg Config, ch Channel, rest Fallback, sessions Sessions, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		cfg:      cfg,
		ch:       ch,
		rest:     rest,
		sessions: sessions,
		logger:   logger,
		acks:     make(map[string]chan ackMsg),
		resolved: expirable.NewLRU[string, State](cfg.DedupSize, nil, cfg.DedupTTL),
		queue:    newOfflineQueue(cfg.QueueCapacity),
	}
}

// SetSessions attaches the dosing-session view used for conflict checks.
// The tracker is built on top of the gateway, so it is attached after
// construction. Must be called before Start.
func (g *Gateway) SetSessions(s Sessions) {
	g.sessions = s
}

// Start wires the gateway to the channel's ack stream and reconnect signal.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	g.unsubs = append(g.unsubs,
		g.ch.On(connection.EventCommandAck, g.handleAck),
		g.ch.OnConnected(g.triggerReplay),
	)

	g.logger.Info("command gateway started",
		"max_attempts", g.cfg.MaxAttempts,
		"queue_capacity", g.cfg.QueueCapacity,
		"queue_ttl", g.cfg.QueueTTL,
	)
	return nil
}

// Stop shuts the gateway down. In-flight commands resolve as failed.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	for _, unsub := range g.unsubs {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("command gateway stop timed out")
	}
	return nil
}

// Issue submits a command. Local rejections (validation, conflict) return
// a *CmdError synchronously with no network traffic; otherwise the command
// resolves asynchronously through the returned Pending.
func (g *Gateway) Issue(target string, action Action, params map[string]any) (*Pending, error) {
	if err := validate(target, action, params); err != nil {
		return nil, err
	}

	if action == ActionStartDose && g.sessions != nil && g.sessions.IsActive(target) {
		return nil, &CmdError{
			Kind:    KindConflict,
			Message: fmt.Sprintf("dosing session already active for %q", target),
		}
	}

	p := newPending(Command{
		ID:          uuid.NewString(),
		Target:      target,
		Action:      action,
		Params:      params,
		IssuedAt:    time.Now(),
		MaxAttempts: g.cfg.MaxAttempts,
		State:       StatePending,
	})

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runCommand(p, false)
	}()

	return p, nil
}

// QueueDepth returns the number of commands waiting for connectivity.
func (g *Gateway) QueueDepth() int {
	return g.queue.depth()
}

// validate rejects malformed commands before any network traffic.
func validate(target string, action Action, params map[string]any) *CmdError {
	if target == "" {
		return &CmdError{Kind: KindValidation, Message: "target is required"}
	}
	if !action.Valid() {
		return &CmdError{Kind: KindValidation, Message: fmt.Sprintf("unknown action %q", action)}
	}
	if action == ActionStartDose {
		if _, ok := params["duration_s"]; !ok {
			return &CmdError{Kind: KindValidation, Message: "start_dose requires duration_s"}
		}
	}
	if action == ActionSetMode {
		mode, _ := params["mode"].(string)
		if mode != "automatic" && mode != "manual" {
			return &CmdError{Kind: KindValidation, Message: "set_mode requires mode automatic|manual"}
		}
	}
	return nil
}

// runCommand drives one command to resolution or into the offline queue.
// Returns true if the command was (re)queued rather than resolved.
func (g *Gateway) runCommand(p *Pending, replaying bool) (requeued bool) {
	for {
		if g.ctx.Err() != nil {
			g.finish(p, "", &CmdError{Kind: KindNetwork, Message: "gateway shutting down"})
			return false
		}

		var detail string
		var cerr *CmdError
		switch {
		case g.ch.IsConnected():
			detail, cerr = g.attemptChannel(p)
		case g.rest != nil:
			detail, cerr = g.attemptREST(p)
		default:
			g.enqueue(p, replaying)
			return true
		}

		if cerr == nil {
			g.finish(p, detail, nil)
			return false
		}

		switch cerr.Kind {
		case KindAuth, KindRejected, KindValidation:
			g.finish(p, detail, cerr)
			return false

		case KindRateLimited:
			if cerr.RetryAfter > 0 && cerr.RetryAfter <= g.cfg.RateLimitMaxWait && p.attemptsLeft() {
				g.logger.Info("rate limited, waiting to retry",
					"id", p.ID(),
					"retry_after", cerr.RetryAfter,
				)
				if !g.sleep(cerr.RetryAfter) {
					g.finish(p, detail, cerr)
					return false
				}
				continue
			}
			g.finish(p, detail, cerr)
			return false

		case KindNetwork:
			if !p.attemptsLeft() || !g.ch.IsConnected() {
				g.enqueue(p, replaying)
				return true
			}
			if !g.sleep(g.retryDelay(p)) {
				g.finish(p, detail, cerr)
				return false
			}

		case KindServer, KindTimeout:
			if !p.attemptsLeft() {
				g.finish(p, detail, cerr)
				return false
			}
			if !g.sleep(g.retryDelay(p)) {
				g.finish(p, detail, cerr)
				return false
			}

		default:
			g.finish(p, detail, cerr)
			return false
		}
	}
}

// attemptChannel sends the command over the live channel and waits for its
// ack. A timeout means the true outcome is unknown, not failed; the next
// snapshot settles it.
func (g *Gateway) attemptChannel(p *Pending) (string, *CmdError) {
	attempt := p.beginAttempt()
	cmd := p.Command()

	ackCh := make(chan ackMsg, 1)
	g.ackMu.Lock()
	g.acks[cmd.ID] = ackCh
	g.ackMu.Unlock()
	defer func() {
		g.ackMu.Lock()
		delete(g.acks, cmd.ID)
		g.ackMu.Unlock()
	}()

	data, err := json.Marshal(frame{
		Type: "command",
		TS:   time.Now().UnixMilli(),
		Msg: commandMsg{
			ID:       cmd.ID,
			Target:   cmd.Target,
			Action:   string(cmd.Action),
			Params:   cmd.Params,
			IssuedAt: cmd.IssuedAt.UnixMilli(),
		},
	})
	if err != nil {
		return "", &CmdError{Kind: KindValidation, Message: err.Error()}
	}

	g.logger.Debug("sending command",
		"id", cmd.ID,
		"target", cmd.Target,
		"action", cmd.Action,
		"attempt", attempt,
	)

	if err := g.ch.Send(data); err != nil {
		return "", &CmdError{Kind: KindNetwork, Message: err.Error()}
	}

	select {
	case ack := <-ackCh:
		return ack.Detail, classifyAck(ack)
	case <-time.After(g.cfg.AckTimeout):
		g.logger.Warn("command ack timeout, outcome unknown until next snapshot",
			"id", cmd.ID,
			"attempt", attempt,
		)
		return "", &CmdError{Kind: KindTimeout, Message: "no ack within timeout"}
	case <-g.ctx.Done():
		return "", &CmdError{Kind: KindNetwork, Message: "gateway shutting down"}
	}
}

// attemptREST submits the command over the fallback path.
func (g *Gateway) attemptREST(p *Pending) (string, *CmdError) {
	attempt := p.beginAttempt()
	cmd := p.Command()

	g.logger.Debug("sending command via fallback",
		"id", cmd.ID,
		"target", cmd.Target,
		"action", cmd.Action,
		"attempt", attempt,
	)

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.AckTimeout)
	defer cancel()

	resp, err := g.rest.IssueCommand(ctx, controller.CommandRequest{
		ID:       cmd.ID,
		Target:   cmd.Target,
		Action:   string(cmd.Action),
		Params:   cmd.Params,
		IssuedAt: cmd.IssuedAt.UnixMilli(),
	})
	if err != nil {
		return "", classifyRESTError(err)
	}

	if resp.Status == ackRejected {
		return resp.Detail, &CmdError{Kind: KindRejected, Message: resp.Detail}
	}
	return resp.Detail, nil
}

// classifyAck maps an ack status to the error taxonomy.
func classifyAck(ack ackMsg) *CmdError {
	switch ack.Status {
	case ackOK:
		return nil
	case ackUnauthorized:
		return &CmdError{Kind: KindAuth, Message: ack.Detail}
	case ackRateLimited:
		return &CmdError{
			Kind:       KindRateLimited,
			Message:    ack.Detail,
			RetryAfter: time.Duration(ack.RetryAfterS) * time.Second,
		}
	case ackError:
		return &CmdError{Kind: KindServer, Message: ack.Detail}
	default:
		return &CmdError{Kind: KindRejected, Message: ack.Detail}
	}
}

// classifyRESTError maps fallback errors to the error taxonomy.
func classifyRESTError(err error) *CmdError {
	var apiErr *controller.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsAuth():
			return &CmdError{Kind: KindAuth, Message: apiErr.Error()}
		case apiErr.IsRateLimited():
			return &CmdError{Kind: KindRateLimited, Message: apiErr.Error(), RetryAfter: apiErr.RetryAfter}
		case apiErr.IsRetryable():
			return &CmdError{Kind: KindServer, Message: apiErr.Error()}
		default:
			return &CmdError{Kind: KindRejected, Message: apiErr.Error()}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CmdError{Kind: KindTimeout, Message: "no response within timeout"}
	}
	return &CmdError{Kind: KindNetwork, Message: err.Error()}
}

// enqueue places a command in the offline queue.
func (g *Gateway) enqueue(p *Pending, replaying bool) {
	p.markQueued(time.Now())

	if replaying {
		g.queue.pushFront(p)
	} else if dropped := g.queue.push(p); dropped != nil {
		cmd := dropped.Command()
		g.logger.Warn("offline queue full, dropping oldest command",
			"dropped_id", cmd.ID,
			"dropped_action", cmd.Action,
		)
		g.finish(dropped, "", &CmdError{Kind: KindOffline, Message: "offline queue overflow"})
	}

	g.logger.Info("command queued until connectivity returns",
		"id", p.ID(),
		"depth", g.queue.depth(),
	)
}

// finish resolves a command and records its ID for ack deduplication.
func (g *Gateway) finish(p *Pending, detail string, cerr *CmdError) {
	if cerr == nil {
		g.resolved.Add(p.ID(), StateSucceeded)
	} else {
		g.resolved.Add(p.ID(), StateFailed)
		g.logger.Warn("command failed",
			"id", p.ID(),
			"kind", cerr.Kind,
			"message", cerr.Message,
		)
	}
	p.resolve(detail, cerr)
}

// handleAck routes a command_ack to the waiting attempt, dropping
// duplicates for already-resolved commands.
func (g *Gateway) handleAck(ev connection.Event) {
	var ack ackMsg
	if err := json.Unmarshal(ev.Payload, &ack); err != nil {
		g.logger.Warn("failed to decode command_ack", "error", err)
		return
	}

	if _, done := g.resolved.Get(ack.ID); done {
		g.logger.Debug("ignoring ack for resolved command", "id", ack.ID)
		return
	}

	g.ackMu.Lock()
	ch, ok := g.acks[ack.ID]
	g.ackMu.Unlock()

	if !ok {
		g.logger.Debug("ack for unknown command", "id", ack.ID)
		return
	}

	select {
	case ch <- ack:
	default:
	}
}

// triggerReplay starts draining the offline queue after a reconnect.
func (g *Gateway) triggerReplay() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.replay()
	}()
}

// replay sends queued commands strictly in original order, one at a time.
// Stops when the queue empties, connectivity drops again, or shutdown.
func (g *Gateway) replay() {
	g.replayMu.Lock()
	defer g.replayMu.Unlock()

	for g.ctx.Err() == nil {
		p := g.queue.popFront()
		if p == nil {
			return
		}

		cmd := p.Command()
		if g.cfg.QueueTTL > 0 && time.Since(cmd.EnqueuedAt) > g.cfg.QueueTTL {
			g.logger.Warn("dropping expired queued command",
				"id", cmd.ID,
				"action", cmd.Action,
				"queued_for", time.Since(cmd.EnqueuedAt),
			)
			g.finish(p, "", &CmdError{Kind: KindOffline, Message: "queued command expired"})
			continue
		}

		if !g.ch.IsConnected() {
			g.queue.pushFront(p)
			return
		}

		p.resetAttempts()
		if requeued := g.runCommand(p, true); requeued {
			return
		}
	}
}

// retryDelay computes the backoff before the next attempt.
func (g *Gateway) retryDelay(p *Pending) time.Duration {
	attempt := p.Command().Attempt
	if attempt < 1 {
		attempt = 1
	}
	return g.cfg.RetryBackoff << uint(attempt-1)
}

// sleep waits unless the gateway shuts down first.
func (g *Gateway) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-g.ctx.Done():
		return false
	}
}
