// Package availability implements the Availability functional block of
// ChangeAvailability requests routed to the Component State Manager,
// deferred while a transaction is active on the affected scope and
// retried after every transaction state change.
package availability

import (
	"context"
	"sync"

	"github.com/ocpp-core/station/state"
)

// TransactionActivity answers whether a transaction is currently active
// on the given scope, so ChangeAvailability knows to defer.
type TransactionActivity interface {
	IsActiveOnScope(evseID, connectorID *int) bool
}

// Callbacks are the application hooks fired on availability milestones.
type Callbacks struct {
	// OnAllConnectorsUnavailable fires once per transition into the
	// all-Inoperative, no-active-transaction state.
	OnAllConnectorsUnavailable func()
}

type pendingChange struct {
	evseID      *int
	connectorID *int
	status      state.OperationalStatus
}

// Manager implements ChangeAvailability's scheduling semantics.
type Manager struct {
	mu      sync.Mutex
	pending []pendingChange
	latched bool

	state   *state.Manager
	txs     TransactionActivity
	cb      Callbacks
}

func New(st *state.Manager, txs TransactionActivity, cb Callbacks) *Manager {
	return &Manager{state: st, txs: txs, cb: cb}
}

// ChangeAvailability applies the change immediately, or defers it while
// a transaction is active on the affected scope. The returned scheduled
// flag distinguishes the deferred case so the caller can answer the
// CSMS with Scheduled rather than Accepted.
func (m *Manager) ChangeAvailability(ctx context.Context, evseID, connectorID *int, status state.OperationalStatus) (scheduled bool, err error) {
	if m.txs.IsActiveOnScope(evseID, connectorID) {
		m.mu.Lock()
		m.pending = append(m.pending, pendingChange{evseID: evseID, connectorID: connectorID, status: status})
		m.mu.Unlock()
		return true, nil
	}
	return false, m.apply(ctx, evseID, connectorID, status)
}

// RetryPending re-attempts every deferred change, in FIFO order,
// dropping any that now apply. Called after every transaction state
// change.
func (m *Manager) RetryPending(ctx context.Context) error {
	m.mu.Lock()
	remaining := m.pending[:0:0]
	toTry := append([]pendingChange(nil), m.pending...)
	m.mu.Unlock()

	for _, p := range toTry {
		if m.txs.IsActiveOnScope(p.evseID, p.connectorID) {
			remaining = append(remaining, p)
			continue
		}
		if err := m.apply(ctx, p.evseID, p.connectorID, p.status); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.pending = remaining
	m.mu.Unlock()
	return nil
}

func (m *Manager) apply(ctx context.Context, evseID, connectorID *int, status state.OperationalStatus) error {
	var err error
	switch {
	case evseID == nil:
		err = m.state.SetCSOperationalStatus(ctx, status, true)
	case connectorID == nil:
		err = m.state.SetEvseOperationalStatus(ctx, *evseID, status, true)
	default:
		err = m.state.SetConnectorOperationalStatus(ctx, state.ConnectorKey{EvseID: *evseID, ConnectorID: *connectorID}, status, true)
	}
	if err != nil {
		return err
	}
	m.checkAllUnavailable()
	return nil
}

func (m *Manager) checkAllUnavailable() {
	allInoperative := m.state.AllConnectorsInoperative()
	noActiveTx := !m.txs.IsActiveOnScope(nil, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := allInoperative && noActiveTx
	if now && !m.latched {
		m.latched = true
		if m.cb.OnAllConnectorsUnavailable != nil {
			m.cb.OnAllConnectorsUnavailable()
		}
	} else if !now {
		m.latched = false
	}
}
