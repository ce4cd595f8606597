// Package state tracks the Operative/Inoperative and
// Available/Occupied/Reserved/Faulted/Unavailable projections for the
// Charging Station, each EVSE, and each connector, plus the two
// bookkeeping mirrors that gate callbacks and re-advertisement after
// reconnect.
package state

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/db"
)

// OperationalStatus is the Operative/Inoperative value of one entity.
type OperationalStatus string

const (
	Operative   OperationalStatus = "Operative"
	Inoperative OperationalStatus = "Inoperative"
)

// WireStatus is the projected, OCPP-visible connector status.
type WireStatus string

const (
	Available   WireStatus = "Available"
	Occupied    WireStatus = "Occupied"
	Reserved    WireStatus = "Reserved"
	Faulted     WireStatus = "Faulted"
	Unavailable WireStatus = "Unavailable"
)

// triple is the Operational triple: an entity's last-set value
// and what's on disk, kept separate because a non-persistent set must
// not survive a restart.
type triple struct {
	individual  OperationalStatus
	persisted   OperationalStatus
	hasPersist  bool
}

// connectorFacts is the Full connector status booleans.
type connectorFacts struct {
	triple
	faulted     bool
	reserved    bool
	occupied    bool
	unavailable bool
}

// ConnectorKey addresses one connector.
type ConnectorKey struct {
	EvseID      int
	ConnectorID int
}

// Callbacks are the application hooks the core invokes without knowing
// their implementation.
type Callbacks struct {
	OnCSEffectiveAvailabilityChanged        func(effective OperationalStatus)
	OnEvseEffectiveAvailabilityChanged      func(evseID int, effective OperationalStatus)
	OnConnectorEffectiveAvailabilityChanged func(key ConnectorKey, effective OperationalStatus)
	// SendStatusNotification enqueues a StatusNotification for one
	// connector; returning an error means the send did not happen and
	// the wire-status mirror must stay stale.
	SendStatusNotification func(key ConnectorKey, wire WireStatus) error
}

// Manager holds the operational triples for CS/EVSEs/connectors and the
// two reporting mirrors. Mutations are serialized under mu; callbacks
// fire from the mutating goroutine, outside the lock.
type Manager struct {
	mu sync.Mutex

	cs    triple
	evses map[int]*triple
	conns map[ConnectorKey]*connectorFacts

	lastReportedEffective map[string]OperationalStatus // "cs" | "evse:N" | "conn:N:M"
	lastSentWire          map[ConnectorKey]WireStatus

	cb Callbacks
	db *db.Handler
}

func New(handler *db.Handler, cb Callbacks) *Manager {
	return &Manager{
		evses:                 make(map[int]*triple),
		conns:                 make(map[ConnectorKey]*connectorFacts),
		lastReportedEffective: make(map[string]OperationalStatus),
		lastSentWire:          make(map[ConnectorKey]WireStatus),
		cb:                    cb,
		db:                    handler,
	}
}

// RegisterEvse/RegisterConnector declare the topology before Boot is called.
func (m *Manager) RegisterEvse(evseID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evses[evseID]; !ok {
		m.evses[evseID] = &triple{individual: Operative, persisted: Operative}
	}
}

func (m *Manager) RegisterConnector(key ConnectorKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evses[key.EvseID]; !ok {
		m.evses[key.EvseID] = &triple{individual: Operative, persisted: Operative}
	}
	if _, ok := m.conns[key]; !ok {
		m.conns[key] = &connectorFacts{triple: triple{individual: Operative, persisted: Operative}}
	}
}

// Boot loads persisted individual statuses and initializes the reported
// mirrors without firing any callbacks.
func (m *Manager) Boot(ctx context.Context) error {
	rows, err := m.db.AllAvailability(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := rows["cs"]; ok {
		m.cs.individual = OperationalStatus(v)
		m.cs.persisted = OperationalStatus(v)
		m.cs.hasPersist = true
	} else {
		m.cs.individual = Operative
		m.cs.persisted = Operative
	}

	for evseID, t := range m.evses {
		scope := evseScopeKey(evseID)
		if v, ok := rows[scope]; ok {
			t.individual = OperationalStatus(v)
			t.persisted = OperationalStatus(v)
			t.hasPersist = true
		}
	}
	for key, c := range m.conns {
		scope := connScopeKey(key)
		if v, ok := rows[scope]; ok {
			c.individual = OperationalStatus(v)
			c.persisted = OperationalStatus(v)
			c.hasPersist = true
		}
	}

	m.lastReportedEffective["cs"] = m.effectiveCSLocked()
	for evseID := range m.evses {
		m.lastReportedEffective[evseScopeKey(evseID)] = m.effectiveEvseLocked(evseID)
	}
	for key := range m.conns {
		m.lastReportedEffective[connScopeKeyFromKey(key)] = m.effectiveConnectorLocked(key)
	}
	return nil
}

func evseScopeKey(evseID int) string           { return db.Scope{EvseID: &evseID}.Key() }
func connScopeKeyFromKey(key ConnectorKey) string {
	evseID, connID := key.EvseID, key.ConnectorID
	return db.Scope{EvseID: &evseID, ConnectorID: &connID}.Key()
}
func connScopeKey(key ConnectorKey) string { return connScopeKeyFromKey(key) }

// min applies the "Inoperative dominates" rule.
func minStatus(a, b OperationalStatus) OperationalStatus {
	if a == Inoperative || b == Inoperative {
		return Inoperative
	}
	return Operative
}

func (m *Manager) effectiveCSLocked() OperationalStatus { return m.cs.individual }

func (m *Manager) effectiveEvseLocked(evseID int) OperationalStatus {
	t, ok := m.evses[evseID]
	if !ok {
		return Operative
	}
	return minStatus(m.cs.individual, t.individual)
}

func (m *Manager) effectiveConnectorLocked(key ConnectorKey) OperationalStatus {
	c, ok := m.conns[key]
	if !ok {
		return Operative
	}
	return minStatus(m.effectiveEvseLocked(key.EvseID), c.individual)
}

// projectWire applies the connector status projection:
// Faulted > Unavailable > Reserved > Occupied > Available, forced to
// Unavailable when the effective operational status is Inoperative.
func projectWire(facts connectorFacts, effective OperationalStatus) WireStatus {
	if effective == Inoperative {
		return Unavailable
	}
	switch {
	case facts.faulted:
		return Faulted
	case facts.unavailable:
		return Unavailable
	case facts.reserved:
		return Reserved
	case facts.occupied:
		return Occupied
	default:
		return Available
	}
}

// GetConnectorWireStatus projects one connector's full status to its
// OCPP-visible value. Non-blocking.
func (m *Manager) GetConnectorWireStatus(key ConnectorKey) WireStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	if !ok {
		return Available
	}
	return projectWire(*c, m.effectiveConnectorLocked(key))
}

func (m *Manager) GetEffectiveStatus(key ConnectorKey) OperationalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveConnectorLocked(key)
}

func (m *Manager) GetIndividualStatus(key ConnectorKey) OperationalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c.individual
	}
	return Operative
}

// IsConnectorOccupied reports the raw occupied fact (cable inserted),
// independent of the projected wire status.
func (m *Manager) IsConnectorOccupied(key ConnectorKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c.occupied
	}
	return false
}

func (m *Manager) GetPersistedStatus(key ConnectorKey) OperationalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c.persisted
	}
	return Operative
}

// setIndividual is the common body of SetCSOperationalStatus /
// SetEvseOperationalStatus / SetConnectorOperationalStatus.
func (m *Manager) setIndividual(ctx context.Context, evseID, connID *int, status OperationalStatus, persist bool) error {
	m.mu.Lock()

	var scope db.Scope
	var before, after OperationalStatus
	switch {
	case evseID == nil:
		before = m.effectiveCSLocked()
		m.cs.individual = status
		if persist {
			m.cs.persisted = status
		}
		after = m.effectiveCSLocked()
		scope = db.Scope{}
	case connID == nil:
		t := m.evses[*evseID]
		before = m.effectiveEvseLocked(*evseID)
		t.individual = status
		if persist {
			t.persisted = status
		}
		after = m.effectiveEvseLocked(*evseID)
		scope = db.Scope{EvseID: evseID}
	default:
		key := ConnectorKey{EvseID: *evseID, ConnectorID: *connID}
		c := m.conns[key]
		before = m.effectiveConnectorLocked(key)
		c.individual = status
		if persist {
			c.persisted = status
		}
		after = m.effectiveConnectorLocked(key)
		scope = db.Scope{EvseID: evseID, ConnectorID: connID}
	}
	m.mu.Unlock()

	if persist {
		if err := m.db.SetAvailability(ctx, scope, string(status)); err != nil {
			return err
		}
	}

	if before != after {
		m.fireAffectedCallbacks(evseID, connID)
	}
	m.recomputeAndSendWireStatus(evseID, connID)
	return nil
}

func (m *Manager) SetCSOperationalStatus(ctx context.Context, status OperationalStatus, persist bool) error {
	return m.setIndividual(ctx, nil, nil, status, persist)
}

func (m *Manager) SetEvseOperationalStatus(ctx context.Context, evseID int, status OperationalStatus, persist bool) error {
	return m.setIndividual(ctx, &evseID, nil, status, persist)
}

func (m *Manager) SetConnectorOperationalStatus(ctx context.Context, key ConnectorKey, status OperationalStatus, persist bool) error {
	return m.setIndividual(ctx, &key.EvseID, &key.ConnectorID, status, persist)
}

// SetConnectorFault/Reserved/Occupied/Unavailable mutate the boolean
// connector facts of the Full connector status.
func (m *Manager) SetConnectorFaulted(key ConnectorKey, faulted bool) { m.setFact(key, func(c *connectorFacts) { c.faulted = faulted }) }
func (m *Manager) SetConnectorReserved(key ConnectorKey, reserved bool) { m.setFact(key, func(c *connectorFacts) { c.reserved = reserved }) }
func (m *Manager) SetConnectorOccupied(key ConnectorKey, occupied bool) { m.setFact(key, func(c *connectorFacts) { c.occupied = occupied }) }
func (m *Manager) SetConnectorUnavailableFact(key ConnectorKey, unavailable bool) {
	m.setFact(key, func(c *connectorFacts) { c.unavailable = unavailable })
}

func (m *Manager) setFact(key ConnectorKey, mutate func(*connectorFacts)) {
	m.mu.Lock()
	c, ok := m.conns[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	mutate(c)
	m.mu.Unlock()
	m.recomputeAndSendWireStatus(&key.EvseID, &key.ConnectorID)
}

// fireAffectedCallbacks fires parent-before-child.F
// transition policy.
func (m *Manager) fireAffectedCallbacks(evseID, connID *int) {
	if m.cb.OnCSEffectiveAvailabilityChanged != nil {
		m.mu.Lock()
		cs := m.effectiveCSLocked()
		m.mu.Unlock()
		m.cb.OnCSEffectiveAvailabilityChanged(cs)
	}
	if evseID == nil {
		// CS-level change cascades to every EVSE and connector.
		m.mu.Lock()
		evseIDs := make([]int, 0, len(m.evses))
		for id := range m.evses {
			evseIDs = append(evseIDs, id)
		}
		m.mu.Unlock()
		for _, id := range evseIDs {
			m.fireEvseThenConnectors(id)
		}
		return
	}
	m.fireEvseThenConnectors(*evseID)
}

func (m *Manager) fireEvseThenConnectors(evseID int) {
	if m.cb.OnEvseEffectiveAvailabilityChanged != nil {
		m.mu.Lock()
		eff := m.effectiveEvseLocked(evseID)
		m.mu.Unlock()
		m.cb.OnEvseEffectiveAvailabilityChanged(evseID, eff)
	}
	m.mu.Lock()
	var keys []ConnectorKey
	for k := range m.conns {
		if k.EvseID == evseID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	for _, k := range keys {
		if m.cb.OnConnectorEffectiveAvailabilityChanged != nil {
			eff := m.GetEffectiveStatus(k)
			m.cb.OnConnectorEffectiveAvailabilityChanged(k, eff)
		}
	}
}

// recomputeAndSendWireStatus recomputes the projected wire status for
// the affected connector(s) and enqueues a StatusNotification only if it
// changed since the last successfully-sent value.
func (m *Manager) recomputeAndSendWireStatus(evseID, connID *int) {
	var keys []ConnectorKey
	m.mu.Lock()
	switch {
	case evseID == nil:
		for k := range m.conns {
			keys = append(keys, k)
		}
	case connID == nil:
		for k := range m.conns {
			if k.EvseID == *evseID {
				keys = append(keys, k)
			}
		}
	default:
		keys = []ConnectorKey{{EvseID: *evseID, ConnectorID: *connID}}
	}
	m.mu.Unlock()

	for _, k := range keys {
		wire := m.GetConnectorWireStatus(k)
		m.mu.Lock()
		last, seen := m.lastSentWire[k]
		m.mu.Unlock()
		if seen && last == wire {
			continue
		}
		if m.cb.SendStatusNotification == nil {
			continue
		}
		if err := m.cb.SendStatusNotification(k, wire); err != nil {
			log.Warn().Err(err).Int("evse_id", k.EvseID).Int("connector_id", k.ConnectorID).Msg("state: status notification send failed, mirror left stale")
			continue
		}
		m.mu.Lock()
		m.lastSentWire[k] = wire
		m.mu.Unlock()
	}
}

// TriggerAllEffectiveAvailabilityChangedCallbacks is the first-connect
// announcement.
func (m *Manager) TriggerAllEffectiveAvailabilityChangedCallbacks() {
	m.fireAffectedCallbacks(nil, nil)
}

// SendStatusNotificationAllConnectors is the first-connect advertisement
// after registration; it ignores the "changed since" mirror.
func (m *Manager) SendStatusNotificationAllConnectors() {
	m.mu.Lock()
	m.lastSentWire = make(map[ConnectorKey]WireStatus)
	m.mu.Unlock()
	m.recomputeAndSendWireStatus(nil, nil)
}

// SendStatusNotificationChanged re-advertises only connectors whose wire
// status differs from the last successfully-sent value, used after
// reconnect.
func (m *Manager) SendStatusNotificationChanged() {
	m.recomputeAndSendWireStatus(nil, nil)
}

func (m *Manager) SendStatusNotificationSingle(key ConnectorKey) {
	m.recomputeAndSendWireStatus(&key.EvseID, &key.ConnectorID)
}

// AllConnectorsInoperative reports whether every registered connector is
// effectively Inoperative (false when none are registered). It does not
// look at transactions; availability.Manager adds that check for its
// "all-connectors-unavailable" callback.
func (m *Manager) AllConnectorsInoperative() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.conns {
		if m.effectiveConnectorLocked(key) != Inoperative {
			return false
		}
	}
	return len(m.conns) > 0
}
