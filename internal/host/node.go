package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/log"
	"github.com/roach88/flowsess/internal/metrics"
	"github.com/roach88/flowsess/internal/store"
)

// FlowFunc receives one inbound sequenced event of a session. Returning an
// error leaves the event unconsumed; it is offered again on the next
// Consume.
type FlowFunc func(ctx context.Context, sessionID string, ev ir.SessionEvent) error

// Node is one session host on the bus.
type Node struct {
	cfg     Config
	manager *engine.Manager
	planner *engine.Planner
	store   store.Backend
	bus     *bus.Bus
	metrics *metrics.Metrics
	clock   Clock
	ids     IDGenerator
	logger  zerolog.Logger
	locks   keyLocks

	flushMu sync.Mutex

	mu sync.Mutex
	// closing holds sessions whose Close was deferred. It is retried on
	// every Tick and is not persisted.
	closing map[string]struct{}
	// deleted holds ids of sessions this node deleted, with the deletion
	// time. Inbound events for them are dropped instead of starting a new
	// session. Entries expire after the inactivity timeout.
	deleted map[string]time.Time
}

// NewNode creates a node reading its inbound topic cfg.Name from b.
func NewNode(cfg Config, backend store.Backend, b *bus.Bus, opts ...Option) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("node config: %w", err)
	}
	n := &Node{
		cfg:     cfg,
		store:   backend,
		bus:     b,
		clock:   realClock{},
		ids:     UUIDv7Generator{},
		logger:  log.WithComponent("host"),
		closing: make(map[string]struct{}),
		deleted: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.New(nil)
	}
	n.logger = n.logger.With().Str(log.FieldNode, cfg.Name).Logger()

	engineLogger := n.logger.With().Str(log.FieldComponent, "engine").Logger()
	n.manager = engine.NewManager(engineLogger, engine.WithConfig(cfg.Engine))
	n.planner = engine.NewPlanner(engineLogger, engine.WithConfig(cfg.Engine))
	return n, nil
}

// Name returns the node identity.
func (n *Node) Name() string { return n.cfg.Name }

// Metrics returns the counters the node records into.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// State returns the stored state of a session, or nil.
func (n *Node) State(ctx context.Context, sessionID string) (*ir.SessionState, error) {
	return n.store.LoadState(ctx, sessionID)
}

// Open starts a session with peer and returns its id.
func (n *Node) Open(ctx context.Context, peer string, init ir.Init) (string, error) {
	if peer == "" {
		return "", errors.New("open: peer is required")
	}
	id := n.ids.Generate()
	ev := ir.SessionEvent{
		SessionID: id,
		Payload:   init,
		Context: &ir.ContextIdentifiers{
			InitiatingIdentity: n.cfg.Name,
			InitiatedIdentity:  peer,
		},
	}
	if _, err := n.send(ctx, ev); err != nil {
		return "", err
	}
	n.logger.Info().Str(log.FieldSessionID, id).Str("peer", peer).Msg("session opened")
	return id, nil
}

// Send queues a Data event on the session.
func (n *Node) Send(ctx context.Context, sessionID string, body []byte) error {
	res, err := n.send(ctx, ir.SessionEvent{SessionID: sessionID, Payload: ir.Data{Body: body}})
	if err != nil {
		return err
	}
	switch res.Disposition {
	case engine.DispositionViolation, engine.DispositionDropped:
		if res.State != nil && res.State.ErrorReason != "" {
			return fmt.Errorf("send on %s: %w: %s", sessionID, ErrSessionFailed, res.State.ErrorReason)
		}
		return fmt.Errorf("send on %s: %w", sessionID, ErrSessionFailed)
	}
	return nil
}

// Close starts the close handshake. While earlier sends are unacked the
// Close is deferred and retried by Tick.
func (n *Node) Close(ctx context.Context, sessionID string) error {
	res, err := n.send(ctx, ir.SessionEvent{SessionID: sessionID, Payload: ir.Close{}})
	if err != nil {
		return err
	}
	if res.Disposition == engine.DispositionDeferred {
		n.mu.Lock()
		n.closing[sessionID] = struct{}{}
		n.mu.Unlock()
		n.logger.Debug().Str(log.FieldSessionID, sessionID).Msg("close deferred")
	}
	return nil
}

// Abort fails the session and tells the peer why.
func (n *Node) Abort(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = engine.ReasonLocalAbort
	}
	_, err := n.send(ctx, ir.SessionEvent{SessionID: sessionID, Payload: ir.Error{Reason: reason}})
	return err
}

// send runs one outbound event through the engine under the session lock.
func (n *Node) send(ctx context.Context, ev ir.SessionEvent) (engine.Result, error) {
	unlock := n.locks.lock(ev.SessionID)
	res, err := n.sendLocked(ctx, ev, n.clock.Now())
	unlock()
	if err != nil {
		return res, err
	}
	n.flushQuietly(ctx)
	return res, nil
}

func (n *Node) sendLocked(ctx context.Context, ev ir.SessionEvent, now time.Time) (engine.Result, error) {
	current, err := n.store.LoadState(ctx, ev.SessionID)
	if err != nil {
		return engine.Result{}, fmt.Errorf("send on %s: %w", ev.SessionID, err)
	}
	if current == nil && ev.Kind() != ir.KindInit {
		return engine.Result{}, fmt.Errorf("send on %s: %w", ev.SessionID, ErrUnknownSession)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	res, err := n.manager.ProcessMessageToSend(ev.SessionID, current, ev, now)
	if err != nil {
		n.recordProcessingError(err)
		return res, fmt.Errorf("send on %s: %w", ev.SessionID, err)
	}
	if res.Outbound == nil && res.Disposition != engine.DispositionApplied {
		// Deferred or dropped: nothing changed.
		return res, nil
	}

	entry, err := store.NewLogEntry(store.OpSend, ev.SessionID, current, &ev, 0, now)
	if err != nil {
		return res, err
	}
	if err := n.commit(ctx, current, res.State, outbound(res), peerOf(res.State), entry, now); err != nil {
		return res, err
	}
	return res, nil
}

func outbound(res engine.Result) []ir.SessionEvent {
	if res.Outbound == nil {
		return nil
	}
	return []ir.SessionEvent{*res.Outbound}
}

// HandleInbound applies one bus message addressed to this node.
//
// Undecodable messages are logged and skipped. A non-nil error means the
// message was not applied and must be delivered again.
func (n *Node) HandleInbound(ctx context.Context, m bus.Message) error {
	env, err := decodeEnvelope(m.Value)
	if err != nil {
		n.metrics.RecordProcessingError(n.cfg.Name, "DECODE")
		n.logger.Warn().Err(err).
			Str(log.FieldTopic, m.Topic).
			Int64(log.FieldOffset, m.Offset).
			Msg("discarding undecodable message")
		return nil
	}
	ev := env.Event

	unlock := n.locks.lock(m.Key)
	err = n.receiveLocked(ctx, m.Key, env.From, ev, n.clock.Now())
	unlock()
	if err != nil {
		return err
	}
	n.flushQuietly(ctx)
	return nil
}

func (n *Node) receiveLocked(ctx context.Context, key, from string, ev ir.SessionEvent, now time.Time) error {
	current, err := n.store.LoadState(ctx, key)
	if err != nil {
		return fmt.Errorf("receive on %s: %w", key, err)
	}
	if current == nil && n.wasDeleted(key) {
		n.metrics.RecordReceived(n.cfg.Name, string(ev.Kind()), string(engine.DispositionDropped))
		n.logger.Debug().
			Str(log.FieldSessionID, key).
			Str(log.FieldKind, string(ev.Kind())).
			Msg("dropping event for deleted session")
		return nil
	}

	res, err := n.manager.ProcessMessageReceived(key, current, ev, now)
	if err != nil {
		n.recordProcessingError(err)
		return fmt.Errorf("receive on %s: %w", key, err)
	}
	n.metrics.RecordReceived(n.cfg.Name, string(ev.Kind()), string(res.Disposition))
	if res.State == nil {
		return nil
	}

	entry, err := store.NewLogEntry(store.OpReceive, key, current, &ev, 0, now)
	if err != nil {
		return err
	}
	dest := from
	if peer := peerOf(res.State); peer != "" {
		dest = peer
	}
	return n.commit(ctx, current, res.State, outbound(res), dest, entry, now)
}

// Consume hands every deliverable inbound event of a session to fn in
// sequence order and returns how many were consumed.
//
// The session lock is not held while fn runs, so fn may call Send or Close
// on the same node.
func (n *Node) Consume(ctx context.Context, sessionID string, fn FlowFunc) (int, error) {
	consumed := 0
	for {
		unlock := n.locks.lock(sessionID)
		state, err := n.store.LoadState(ctx, sessionID)
		unlock()
		if err != nil {
			return consumed, fmt.Errorf("consume %s: %w", sessionID, err)
		}
		next := n.manager.GetNextReceivedEvent(state)
		if next == nil {
			break
		}

		if err := fn(ctx, sessionID, *next); err != nil {
			return consumed, fmt.Errorf("consume %s seq %d: %w", sessionID, next.SequenceNumber, err)
		}

		acked, err := n.acknowledge(ctx, sessionID, next.SequenceNumber)
		if err != nil {
			return consumed, err
		}
		if acked {
			consumed++
		}
	}

	if consumed > 0 {
		n.flushQuietly(ctx)
	}
	return consumed, nil
}

// acknowledge records consumption of seq and emits any ack that owes.
func (n *Node) acknowledge(ctx context.Context, sessionID string, seq int64) (bool, error) {
	unlock := n.locks.lock(sessionID)
	defer unlock()

	now := n.clock.Now()
	state, err := n.store.LoadState(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", sessionID, err)
	}
	next := n.manager.AcknowledgeReceivedEvent(state, seq)
	if next == nil || next.ReceivedEventsState.LastProcessedSequenceNumber == state.ReceivedEventsState.LastProcessedSequenceNumber {
		// Consumed concurrently by someone else.
		return false, nil
	}

	entry, err := store.NewLogEntry(store.OpConsume, sessionID, state, nil, seq, now)
	if err != nil {
		return false, err
	}
	if err := n.commit(ctx, state, next, nil, "", entry, now); err != nil {
		return false, err
	}
	if len(next.PendingAcks) > 0 {
		if _, err := n.planLocked(ctx, next, now); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ConsumeAll runs Consume for every stored session.
func (n *Node) ConsumeAll(ctx context.Context, fn FlowFunc) (int, error) {
	ids, err := n.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("consume all: %w", err)
	}
	total := 0
	for _, id := range ids {
		c, err := n.Consume(ctx, id, fn)
		total += c
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Tick runs the planner for every session: owed acks, resends, heartbeats
// and inactivity timeouts. It retries deferred closes and deletes terminal
// sessions that lingered long enough.
func (n *Node) Tick(ctx context.Context) error {
	ids, err := n.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	now := n.clock.Now()

	n.expireDeleted(now)

	var errs []error
	for _, id := range ids {
		if err := n.tickSession(ctx, id, now); err != nil {
			errs = append(errs, err)
		}
	}
	n.flushQuietly(ctx)
	return errors.Join(errs...)
}

func (n *Node) tickSession(ctx context.Context, sessionID string, now time.Time) error {
	unlock := n.locks.lock(sessionID)
	defer unlock()

	state, err := n.store.LoadState(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("tick %s: %w", sessionID, err)
	}
	if state == nil {
		n.forgetClose(sessionID)
		return nil
	}

	if n.closeRequested(sessionID) {
		res, err := n.sendLocked(ctx, ir.SessionEvent{SessionID: sessionID, Payload: ir.Close{}}, now)
		if err != nil {
			return err
		}
		if res.Disposition != engine.DispositionDeferred {
			n.forgetClose(sessionID)
		}
		if res.State != nil {
			state = res.State
		}
	}

	if state, err = n.planLocked(ctx, state, now); err != nil {
		return err
	}

	if state.Deletable() && now.Sub(lastActivity(state)) >= n.cfg.Linger {
		entry, err := store.NewLogEntry(store.OpDelete, sessionID, state, nil, 0, now)
		if err != nil {
			return err
		}
		if err := n.store.Commit(ctx, store.Commit{SessionID: sessionID, Delete: true, Log: &entry}); err != nil {
			return fmt.Errorf("tick %s: delete: %w", sessionID, err)
		}
		n.forgetClose(sessionID)
		n.markDeleted(sessionID, now)
		n.metrics.RecordDeleted(n.cfg.Name)
		n.logger.Debug().Str(log.FieldSessionID, sessionID).Str(log.FieldOldStatus, string(state.Status)).Msg("session deleted")
	}
	return nil
}

// planLocked commits whatever the planner wants published for state at now.
func (n *Node) planLocked(ctx context.Context, state *ir.SessionState, now time.Time) (*ir.SessionState, error) {
	next, events := n.planner.MessagesToSend(state, now)
	if len(events) == 0 {
		return state, nil
	}
	entry, err := store.NewLogEntry(store.OpTick, state.SessionID, state, nil, 0, now)
	if err != nil {
		return state, err
	}
	if err := n.commit(ctx, state, next, events, peerOf(next), entry, now); err != nil {
		return state, err
	}

	resends := 0
	for _, ev := range events {
		if ev.Kind().Sequenced() {
			resends++
		}
	}
	n.metrics.RecordResends(n.cfg.Name, resends)
	return next, nil
}

func lastActivity(s *ir.SessionState) time.Time {
	last := s.StartTime
	for _, t := range []time.Time{s.LastReceivedTime, s.LastSentTime} {
		if t.After(last) {
			last = t
		}
	}
	return last
}

func (n *Node) closeRequested(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.closing[sessionID]
	return ok
}

func (n *Node) forgetClose(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.closing, sessionID)
}

func (n *Node) markDeleted(sessionID string, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted[sessionID] = at
}

func (n *Node) wasDeleted(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.deleted[sessionID]
	return ok
}

// expireDeleted forgets deletions older than the inactivity timeout. A
// later straggler starts a provisional session that times out on its own.
func (n *Node) expireDeleted(now time.Time) {
	ttl := n.cfg.Engine.InactivityTimeout
	if ttl <= 0 {
		ttl = engine.DefaultInactivityTimeout
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, at := range n.deleted {
		if now.Sub(at) >= ttl {
			delete(n.deleted, id)
		}
	}
}

// commit persists one transition with its outbound records.
func (n *Node) commit(ctx context.Context, prev, next *ir.SessionState, events []ir.SessionEvent, dest string, entry store.LogEntry, now time.Time) error {
	records := make([]store.Record, 0, len(events))
	for _, ev := range events {
		if dest == "" {
			n.logger.Warn().
				Str(log.FieldSessionID, ev.SessionID).
				Str(log.FieldKind, string(ev.Kind())).
				Msg("no destination for outbound event")
			continue
		}
		id, err := ir.RecordID(dest, ev, now)
		if err != nil {
			return fmt.Errorf("commit %s: %w", entry.SessionID, err)
		}
		records = append(records, store.Record{ID: id, Destination: dest, Event: ev})
	}

	c := store.Commit{SessionID: entry.SessionID, State: next, Outbound: records, Log: &entry}
	if err := n.store.Commit(ctx, c); err != nil {
		return fmt.Errorf("commit %s: %w", entry.SessionID, err)
	}

	for _, r := range records {
		n.metrics.RecordSent(n.cfg.Name, string(r.Event.Kind()))
	}
	if next != nil && next.Status.Terminal() && (prev == nil || !prev.Status.Terminal()) {
		n.metrics.RecordTerminated(n.cfg.Name, string(next.Status))
		e := n.logger.Info()
		if next.Status == ir.StatusError {
			e = n.logger.Warn().Str(log.FieldReason, next.ErrorReason)
		}
		e.Str(log.FieldSessionID, next.SessionID).Str(log.FieldNewStatus, string(next.Status)).Msg("session terminated")
	}
	return nil
}

func (n *Node) recordProcessingError(err error) {
	code := ""
	var perr *engine.ProcessingError
	if errors.As(err, &perr) {
		code = string(perr.Code)
	}
	n.metrics.RecordProcessingError(n.cfg.Name, code)
}

// Flush publishes the outbox and returns how many records went out.
func (n *Node) Flush(ctx context.Context) (int, error) {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()

	total := 0
	for {
		records, err := n.store.PendingOutbox(ctx, n.cfg.OutboxBatch)
		if err != nil {
			return total, fmt.Errorf("flush: %w", err)
		}
		if len(records) == 0 {
			return total, nil
		}

		published := make([]string, 0, len(records))
		var pubErr error
		for _, r := range records {
			data, err := encodeEnvelope(n.cfg.Name, r.Event)
			if err != nil {
				pubErr = err
				break
			}
			if _, err := n.bus.Publish(r.Destination, r.Event.SessionID, data); err != nil {
				pubErr = fmt.Errorf("publish %s: %w", r.ID, err)
				break
			}
			published = append(published, r.ID)
		}

		if err := n.store.MarkPublished(ctx, published...); err != nil {
			return total, fmt.Errorf("flush: %w", err)
		}
		total += len(published)
		n.metrics.RecordPublished(n.cfg.Name, len(published))
		if pubErr != nil {
			return total, fmt.Errorf("flush: %w", pubErr)
		}
		if len(records) < n.cfg.OutboxBatch {
			return total, nil
		}
	}
}

// flushQuietly publishes after a commit. Failures leave records in the
// outbox for the next Flush.
func (n *Node) flushQuietly(ctx context.Context) {
	if _, err := n.Flush(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("outbox flush failed")
	}
}

// Run consumes the node's topic and ticks the planner until ctx is done or
// the bus closes. A nil flow leaves inbound events buffered.
func (n *Node) Run(ctx context.Context, flow FlowFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return n.bus.Consume(ctx, n.cfg.Name, func(ctx context.Context, m bus.Message) error {
			if err := n.HandleInbound(ctx, m); err != nil {
				return err
			}
			if flow == nil {
				return nil
			}
			_, err := n.Consume(ctx, m.Key, flow)
			return err
		})
	})
	g.Go(func() error {
		ticker := time.NewTicker(n.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := n.Tick(ctx); err != nil {
					n.logger.Warn().Err(err).Msg("tick failed")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
