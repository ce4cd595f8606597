// Package reservation books a connector slot for an ID token with an
// expiry, delegating to the component state manager for the actual
// reserved=true mark.
package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/state"
)

// Status is ReserveNow's result.
type Status string

const (
	Accepted    Status = "Accepted"
	Faulted     Status = "Faulted"
	Occupied    Status = "Occupied"
	Rejected    Status = "Rejected"
	Unavailable Status = "Unavailable"
)

// CancelStatus is CancelReservation's result.
type CancelStatus string

const (
	CancelAccepted CancelStatus = "Accepted"
	CancelRejected CancelStatus = "Rejected"
)

// UpdateReason distinguishes why a reservation ended.
type UpdateReason string

const (
	Removed UpdateReason = "Removed"
	Expired UpdateReason = "Expired"
)

// Connector is one entry of the station's reservable topology, supplied
// at construction time.
type Connector struct {
	Key           state.ConnectorKey
	ConnectorType string // "" matches any requested type
}

// Callbacks are the application hooks fired asynchronously on
// expiry/cancellation.
type Callbacks struct {
	OnReservationStatusUpdate func(reservationID int, reason UpdateReason)
}

type record struct {
	key     state.ConnectorKey
	idToken string
	timer   *time.Timer
}

// Manager implements reserve_now/cancel_reservation against a fixed
// connector topology and the Component State Manager.
type Manager struct {
	mu          sync.Mutex
	connectors  []Connector
	active      map[int]*record
	dm          *devicemodel.Store
	state       *state.Manager
	cb          Callbacks
}

func New(dm *devicemodel.Store, st *state.Manager, connectors []Connector, cb Callbacks) *Manager {
	return &Manager{
		connectors: connectors,
		active:     make(map[int]*record),
		dm:         dm,
		state:      st,
		cb:         cb,
	}
}

// ReserveNow implements the reserve_now.
func (m *Manager) ReserveNow(ctx context.Context, reservationID int, evseID *int, connectorType *string, idToken string, expiry time.Time) (Status, error) {
	if !m.dm.GetBool(devicemodel.KeyReservationEnabled) {
		return Rejected, nil
	}
	if evseID == nil && !m.dm.GetBool(devicemodel.KeyReservationNonEvseSpecific) {
		return Rejected, nil
	}

	candidate, ok := m.pickConnector(evseID, connectorType)
	if !ok {
		return Rejected, nil
	}

	switch wire := m.state.GetConnectorWireStatus(candidate); wire {
	case state.Faulted:
		return Faulted, nil
	case state.Unavailable:
		return Unavailable, nil
	case state.Occupied, state.Reserved:
		return Occupied, nil
	}

	m.state.SetConnectorReserved(candidate, true)

	m.mu.Lock()
	if existing, ok := m.active[reservationID]; ok {
		existing.timer.Stop()
	}
	timer := time.AfterFunc(time.Until(expiry), func() { m.expire(reservationID) })
	m.active[reservationID] = &record{key: candidate, idToken: idToken, timer: timer}
	m.mu.Unlock()

	return Accepted, nil
}

// ReservedFor returns the ID token a reservation was made for, used by
// the plug-in path to check whether a presented token matches the
// reservation occupying its connector.
func (m *Manager) ReservedFor(reservationID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[reservationID]
	if !ok {
		return "", false
	}
	return rec.idToken, true
}

// CancelReservation implements the cancel_reservation.
func (m *Manager) CancelReservation(reservationID int) CancelStatus {
	m.mu.Lock()
	rec, ok := m.active[reservationID]
	if !ok {
		m.mu.Unlock()
		return CancelRejected
	}
	rec.timer.Stop()
	delete(m.active, reservationID)
	m.mu.Unlock()

	m.state.SetConnectorReserved(rec.key, false)
	if m.cb.OnReservationStatusUpdate != nil {
		go m.cb.OnReservationStatusUpdate(reservationID, Removed)
	}
	return CancelAccepted
}

func (m *Manager) expire(reservationID int) {
	m.mu.Lock()
	rec, ok := m.active[reservationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, reservationID)
	m.mu.Unlock()

	m.state.SetConnectorReserved(rec.key, false)
	if m.cb.OnReservationStatusUpdate != nil {
		go m.cb.OnReservationStatusUpdate(reservationID, Expired)
	}
}

func (m *Manager) pickConnector(evseID *int, connectorType *string) (state.ConnectorKey, bool) {
	for _, c := range m.connectors {
		if evseID != nil && c.Key.EvseID != *evseID {
			continue
		}
		if connectorType != nil && *connectorType != "" && c.ConnectorType != *connectorType {
			continue
		}
		return c.Key, true
	}
	return state.ConnectorKey{}, false
}
