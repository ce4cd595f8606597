// Package queue orders, persists, retries, and dispatches outbound
// protocol messages, and demultiplexes inbound wire frames: a durable,
// kinded, priority-ordered queue correlating each CALL with its
// CALLRESULT/CALLERROR by unique id.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/envelope"
)

// Queue is the rendezvous between the connectivity read loop and the
// functional blocks that originate outbound traffic. All
// mutations to outbound ordering happen inside mu; functional blocks
// never talk to the Sender directly.
type Queue struct {
	mu    sync.Mutex
	state ConnState
	paused bool

	normal    []*record // FIFO, in-memory only
	triggered []*record // FIFO, in-memory only
	txn       []*record // FIFO by createdAt, durable

	// waiting indexes every record with an outstanding reply by
	// unique_id, regardless of which of the three queues above it's
	// still linked into (or already sent and merely awaiting a
	// CALLRESULT/CALLERROR).
	waiting map[string]*record

	// held indexes Transactional records enqueued against a
	// not-yet-resolved, locally-generated transaction id. They are excluded from send eligibility until
	// ResolveTransactionID releases them.
	held map[string][]*record

	dbh      *db.Handler
	dm       *devicemodel.Store
	sender   Sender
	handlers map[string]InboundHandler

	nonTxAttempts map[string]int // unique_id -> attempts, Normal/Triggered only (in-memory, not persisted)

	wake     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	draining bool
}

func New(dbh *db.Handler, dm *devicemodel.Store, sender Sender) *Queue {
	return &Queue{
		state:         Disconnected,
		waiting:       make(map[string]*record),
		held:          make(map[string][]*record),
		dbh:           dbh,
		dm:            dm,
		sender:        sender,
		handlers:      make(map[string]InboundHandler),
		nonTxAttempts: make(map[string]int),
		wake:          make(chan struct{}, 1),
	}
}

// RegisterHandler wires the functional block that answers one inbound
// CALL action.
func (q *Queue) RegisterHandler(action string, h InboundHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[action] = h
}

// Start launches the background sender loop. Call once after Restore.
func (q *Queue) Start(ctx context.Context) {
	q.stopCh = make(chan struct{})
	q.wg.Add(1)
	go q.senderLoop(ctx)
}

// Stop implements the Draining state: flush pending
// Transactional records for up to grace, then close.
func (q *Queue) Stop(grace time.Duration) {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.SetState(Draining)

	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		empty := len(q.txn) == 0
		q.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-deadline:
			goto done
		case <-ticker.C:
		}
	}
done:
	close(q.stopCh)
	q.wg.Wait()
	q.SetState(Disconnected)
}

// Restore resurrects durable Transactional records from the database at
// boot.
func (q *Queue) Restore(ctx context.Context) error {
	rows, err := q.dbh.ListPending(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range rows {
		env := envelope.Envelope{UniqueID: r.UniqueID, Type: envelope.Call, Action: r.Action, Payload: []byte(r.Payload)}
		rec := &record{
			env:           env,
			kind:          Kind(r.Kind),
			attempts:      r.Attempts,
			nextAttemptAt: r.NextAttemptAt,
			createdAt:     r.CreatedAt,
			resultCh:      make(chan Result, 1),
		}
		q.txn = append(q.txn, rec)
		q.waiting[rec.env.UniqueID] = rec
	}
	log.Info().Int("count", len(rows)).Msg("queue: restored pending transactional messages")
	return nil
}

// Enqueue implements the enqueue(envelope, kind). For
// Transactional kind the envelope is durably persisted before the id is
// returned. heldForLocalTxID, when non-empty, marks the record as held
// until ResolveTransactionID releases it.
func (q *Queue) Enqueue(ctx context.Context, action string, payload []byte, kind Kind, heldForLocalTxID string) (string, error) {
	env, err := envelope.NewCall(action, jsonRaw(payload))
	if err != nil {
		return "", err
	}
	now := time.Now()
	// The result channel exists from enqueue time so a reply that races
	// ahead of the caller's Await is never dropped.
	rec := &record{env: env, kind: kind, createdAt: now, resultCh: make(chan Result, 1)}

	if kind == Transactional {
		if err := q.dbh.InsertOutbound(ctx, db.OutboundRecord{
			UniqueID:      env.UniqueID,
			Action:        action,
			Payload:       string(payload),
			Kind:          string(kind),
			Attempts:      0,
			NextAttemptAt: now,
			CreatedAt:     now,
		}); err != nil {
			return "", err
		}
	}

	q.mu.Lock()
	q.waiting[env.UniqueID] = rec
	if heldForLocalTxID != "" {
		q.held[heldForLocalTxID] = append(q.held[heldForLocalTxID], rec)
	} else {
		q.link(rec)
	}
	q.mu.Unlock()
	q.nudge()
	return env.UniqueID, nil
}

func (q *Queue) link(rec *record) {
	switch rec.kind {
	case Transactional:
		q.txn = append(q.txn, rec)
	case Triggered:
		q.triggered = append(q.triggered, rec)
	default:
		q.normal = append(q.normal, rec)
	}
}

// ResolveTransactionID rewrites every held record's payload,
// substituting the CSMS-assigned id for the local one, then releases
// them into their normal queues.
func (q *Queue) ResolveTransactionID(ctx context.Context, localID, csmsID string) error {
	q.mu.Lock()
	recs := q.held[localID]
	delete(q.held, localID)
	q.mu.Unlock()

	for _, rec := range recs {
		rewritten := strings.ReplaceAll(string(rec.env.Payload), localID, csmsID)
		rec.env.Payload = json.RawMessage(rewritten)
		if rec.kind == Transactional {
			if err := q.dbh.RewritePayload(ctx, rec.env.UniqueID, rewritten); err != nil {
				return err
			}
		}
		q.mu.Lock()
		q.link(rec)
		q.mu.Unlock()
	}
	q.nudge()
	return nil
}

// DropByMessageID cancels an in-memory message not yet sent. No-op for messages already in flight or Transactional (those
// are durable and must run their course).
func (q *Queue) DropByMessageID(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.waiting[id]
	if !ok || rec.kind == Transactional || rec.inFlight {
		return
	}
	q.normal = removeRecord(q.normal, rec)
	q.triggered = removeRecord(q.triggered, rec)
	delete(q.waiting, id)
}

func removeRecord(list []*record, target *record) []*record {
	out := list[:0]
	for _, r := range list {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// Pause/Resume implement the egress gate: all Normal
// traffic stops; Transactional traffic continues.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.nudge()
}

// Await blocks until a CALLRESULT/CALLERROR matching uniqueID arrives,
// honouring ctx cancellation (used by auth.CSMSClient and other
// round-trip callers).
func (q *Queue) Await(ctx context.Context, uniqueID string) (Result, error) {
	q.mu.Lock()
	rec, ok := q.waiting[uniqueID]
	if !ok {
		q.mu.Unlock()
		return Result{}, corterr.New(corterr.KindProtocol, "await: unknown unique_id", nil)
	}
	ch := rec.resultCh
	q.mu.Unlock()

	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, corterr.New(corterr.KindTransient, "await: context done", ctx.Err())
	}
}

// SetState drives the transport state machine. Entering
// Disconnected clears every in-flight flag so records are retried on
// reconnect.
func (q *Queue) SetState(s ConnState) {
	q.mu.Lock()
	prev := q.state
	q.state = s
	if s == Disconnected {
		for _, rec := range q.txn {
			rec.inFlight = false
		}
		for _, rec := range q.normal {
			rec.inFlight = false
		}
		for _, rec := range q.triggered {
			rec.inFlight = false
		}
	}
	q.mu.Unlock()
	if prev != s {
		log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("queue: connection state transition")
	}
	q.nudge()
}

func (q *Queue) State() ConnState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) IsConnected() bool {
	s := q.State()
	return s == Connected || s == Booted
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// jsonRaw is a tiny helper so Enqueue's payload (already-marshalled
// bytes from a functional block) round-trips through envelope.NewCall's
// `any` parameter without a redundant re-marshal.
func jsonRaw(b []byte) rawMessage { return rawMessage(b) }

type rawMessage []byte

func (r rawMessage) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("{}"), nil
	}
	return r, nil
}

// senderLoop is the single-threaded message-processing context of
// it owns send ordering, draining due records in priority
// order (Transactional > Triggered > Normal) every time
// it's nudged or a retry falls due.
func (q *Queue) senderLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.wake:
			q.drainOnce(ctx)
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	for {
		rec, ok := q.nextSendable()
		if !ok {
			return
		}
		q.send(ctx, rec)
	}
}

// nextSendable picks the next record due for (re)send:
// Transactional first, then Triggered, then Normal
// (Normal gated entirely while paused or offline).
func (q *Queue) nextSendable() (*record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	// Draining still sends: pending Transactional records flush for a
	// grace period before the queue closes.
	connected := q.state == Connected || q.state == Booted || q.state == Draining
	if !connected {
		return nil, false
	}

	if rec := firstDue(q.txn, now); rec != nil {
		rec.inFlight = true
		return rec, true
	}
	if q.paused {
		return nil, false
	}
	if rec := firstDue(q.triggered, now); rec != nil {
		rec.inFlight = true
		return rec, true
	}
	if rec := firstDue(q.normal, now); rec != nil {
		rec.inFlight = true
		return rec, true
	}
	return nil, false
}

func firstDue(list []*record, now time.Time) *record {
	for _, r := range list {
		if r.inFlight {
			continue
		}
		if r.nextAttemptAt.After(now) {
			continue
		}
		return r
	}
	return nil
}

func (q *Queue) send(ctx context.Context, rec *record) {
	wire, err := envelope.Encode(rec.env)
	if err != nil {
		log.Error().Err(err).Str("unique_id", rec.env.UniqueID).Msg("queue: failed to encode outbound envelope")
		return
	}
	rec.sentAt = time.Now()
	if err := q.sender.Send(string(wire)); err != nil {
		log.Warn().Err(err).Str("action", rec.env.Action).Str("unique_id", rec.env.UniqueID).Msg("queue: send failed")
		q.onSendFailure(ctx, rec, corterr.New(corterr.KindTransient, "send failed", err))
		return
	}
	log.Debug().Str("action", rec.env.Action).Str("unique_id", rec.env.UniqueID).Str("kind", string(rec.kind)).Msg("queue: sent")
	q.scheduleTimeout(ctx, rec)
}

// scheduleTimeout arms the MessageTimeout watchdog for one in-flight
// record; if no reply lands within the window it's treated like a send
// failure.
func (q *Queue) scheduleTimeout(ctx context.Context, rec *record) {
	timeoutMs := q.dm.GetInt(devicemodel.KeyMessageTimeout)
	if timeoutMs <= 0 {
		timeoutMs = 30_000
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	time.AfterFunc(timeout, func() {
		q.mu.Lock()
		stillInFlight := rec.inFlight
		q.mu.Unlock()
		if !stillInFlight {
			return
		}
		log.Warn().Str("unique_id", rec.env.UniqueID).Str("action", rec.env.Action).Msg("queue: message timeout")
		q.onSendFailure(ctx, rec, corterr.New(corterr.KindTransient, "message timeout", nil))
	})
}

// onSendFailure applies the retry arithmetic for the record's kind.
func (q *Queue) onSendFailure(ctx context.Context, rec *record, failErr error) {
	q.mu.Lock()
	rec.inFlight = false
	rec.attempts++
	attempts := rec.attempts
	kind := rec.kind
	uniqueID := rec.env.UniqueID
	q.mu.Unlock()

	if kind == Transactional {
		maxAttempts := q.dm.GetInt(devicemodel.KeyTxMessageAttempts)
		retryIntervalS := q.dm.GetInt(devicemodel.KeyTxMessageRetryInterval)
		if maxAttempts > 0 && attempts > maxAttempts {
			log.Error().Str("unique_id", uniqueID).Int("attempts", attempts).Msg("queue: transactional message exhausted attempt budget, surfacing as failed")
			q.removeTxn(ctx, rec, failErr)
			return
		}
		next := time.Now().Add(time.Duration(retryIntervalS*attempts) * time.Second)
		q.mu.Lock()
		rec.nextAttemptAt = next
		q.mu.Unlock()
		_ = q.dbh.UpdateOutboundAttempts(ctx, uniqueID, attempts, next)
		return
	}

	// Normal/Triggered: bounded per-profile retry with jittered backoff.
	repeatTimes := q.dm.GetInt(devicemodel.KeyRetryBackOffRepeat)
	if repeatTimes > 0 && attempts > repeatTimes {
		log.Warn().Str("unique_id", uniqueID).Msg("queue: non-transactional message exhausted retry budget, dropping")
		q.mu.Lock()
		q.normal = removeRecord(q.normal, rec)
		q.triggered = removeRecord(q.triggered, rec)
		delete(q.waiting, uniqueID)
		q.mu.Unlock()
		q.deliver(rec, Result{Err: failErr})
		return
	}
	waitMinMs := q.dm.GetInt(devicemodel.KeyRetryBackOffWaitMin)
	randRangeMs := q.dm.GetInt(devicemodel.KeyRetryBackOffRandom)
	backoff := time.Duration(waitMinMs)*time.Millisecond*(1<<uint(attempts)) + jitter(randRangeMs)
	q.mu.Lock()
	rec.nextAttemptAt = time.Now().Add(backoff)
	q.mu.Unlock()
}

func jitter(rangeMs int) time.Duration {
	if rangeMs <= 0 {
		return 0
	}
	return time.Duration(rand.Intn(rangeMs)) * time.Millisecond
}

func (q *Queue) removeTxn(ctx context.Context, rec *record, failErr error) {
	q.mu.Lock()
	q.txn = removeRecord(q.txn, rec)
	delete(q.waiting, rec.env.UniqueID)
	q.mu.Unlock()
	// The record itself is removed from the live queue surface, but the
	// owning transaction remains in the database for operator
	// inspection; only this outbound message row goes away.
	_ = q.dbh.RemoveOutbound(ctx, rec.env.UniqueID)
	q.deliver(rec, Result{Err: failErr})
}

func (q *Queue) deliver(rec *record, res Result) {
	q.mu.Lock()
	ch := rec.resultCh
	q.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// OnWireMessage implements the demultiplex: a CALL is
// routed to the registered inbound handler; a CALLRESULT/CALLERROR is
// matched by unique_id to an in-flight outbound record.
func (q *Queue) OnWireMessage(ctx context.Context, text string) (replyWire []byte, hasReply bool) {
	env, err := envelope.Decode([]byte(text))
	if err != nil {
		log.Warn().Err(err).Msg("queue: malformed inbound frame")
		out, _ := envelope.Encode(envelope.ProtocolError("", "ProtocolError", err.Error()))
		return out, true
	}

	switch env.Type {
	case envelope.Call:
		return q.handleInboundCall(ctx, env)
	case envelope.CallResult, envelope.CallError:
		q.handleInboundResult(ctx, env)
		return nil, false
	default:
		return nil, false
	}
}

func (q *Queue) handleInboundCall(ctx context.Context, env envelope.Envelope) ([]byte, bool) {
	q.mu.Lock()
	handler, ok := q.handlers[env.Action]
	q.mu.Unlock()

	if !ok {
		out, _ := envelope.Encode(envelope.NotImplemented(env.UniqueID, env.Action))
		return out, true
	}

	result, err := handler(env.Action, env.Payload)
	if err != nil {
		var cerr *corterr.Error
		if corterr.As(err, &cerr) {
			out, _ := envelope.Encode(envelope.ProtocolError(env.UniqueID, errorCodeFor(cerr.Kind), cerr.Error()))
			return out, true
		}
		out, _ := envelope.Encode(envelope.ProtocolError(env.UniqueID, "InternalError", err.Error()))
		return out, true
	}

	raw, err := json.Marshal(result)
	if err != nil {
		out, _ := envelope.Encode(envelope.ProtocolError(env.UniqueID, "InternalError", "failed to marshal result"))
		return out, true
	}
	out, _ := envelope.Encode(envelope.Envelope{UniqueID: env.UniqueID, Type: envelope.CallResult, Payload: raw})
	return out, true
}

func errorCodeFor(k corterr.Kind) string {
	switch k {
	case corterr.KindProtocol:
		return "FormationViolation"
	case corterr.KindRejected:
		return "SecurityError"
	case corterr.KindSecurity:
		return "SecurityError"
	default:
		return "InternalError"
	}
}

func (q *Queue) handleInboundResult(ctx context.Context, env envelope.Envelope) {
	q.mu.Lock()
	rec, ok := q.waiting[env.UniqueID]
	if !ok {
		q.mu.Unlock()
		log.Warn().Str("unique_id", env.UniqueID).Msg("queue: orphan CALLRESULT/CALLERROR, ignoring")
		return
	}
	delete(q.waiting, env.UniqueID)
	rec.inFlight = false
	q.txn = removeRecord(q.txn, rec)
	q.normal = removeRecord(q.normal, rec)
	q.triggered = removeRecord(q.triggered, rec)
	q.mu.Unlock()

	if rec.kind == Transactional {
		_ = q.dbh.RemoveOutbound(ctx, env.UniqueID)
	}

	if env.Type == envelope.CallError {
		q.deliver(rec, Result{Err: corterr.New(corterr.KindRejected, fmt.Sprintf("%s: %s", env.ErrorCode, env.ErrorDesc), nil)})
		return
	}
	q.deliver(rec, Result{Payload: env.Payload})
}
