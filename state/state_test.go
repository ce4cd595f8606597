package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	m := New(h, Callbacks{})
	m.RegisterConnector(ConnectorKey{EvseID: 1, ConnectorID: 1})
	require.NoError(t, m.Boot(context.Background()))
	return m
}

// TestConnectorStatusProjection walks a reserved, occupied connector
// through fault and parent-EVSE shutdown.
func TestConnectorStatusProjection(t *testing.T) {
	m := newTestManager(t)
	key := ConnectorKey{EvseID: 1, ConnectorID: 1}

	m.SetConnectorFaulted(key, false)
	m.SetConnectorReserved(key, true)
	m.SetConnectorOccupied(key, true)
	m.SetConnectorUnavailableFact(key, false)

	require.Equal(t, Reserved, m.GetConnectorWireStatus(key))

	m.SetConnectorFaulted(key, true)
	require.Equal(t, Faulted, m.GetConnectorWireStatus(key))

	m.SetConnectorFaulted(key, false)
	require.NoError(t, m.SetEvseOperationalStatus(context.Background(), 1, Inoperative, false))
	require.Equal(t, Unavailable, m.GetConnectorWireStatus(key))
}

// TestEffectiveStatusProjectionGrid:
// exhaustively check the projection over every combination of inputs.
func TestEffectiveStatusProjectionGrid(t *testing.T) {
	bools := []bool{false, true}
	opStatuses := []OperationalStatus{Operative, Inoperative}

	for _, cs := range opStatuses {
		for _, evse := range opStatuses {
			for _, conn := range opStatuses {
				for _, faulted := range bools {
					for _, reserved := range bools {
						for _, occupied := range bools {
							for _, unavailable := range bools {
								m := newTestManager(t)
								key := ConnectorKey{EvseID: 1, ConnectorID: 1}
								ctx := context.Background()
								require.NoError(t, m.SetCSOperationalStatus(ctx, cs, false))
								require.NoError(t, m.SetEvseOperationalStatus(ctx, 1, evse, false))
								require.NoError(t, m.SetConnectorOperationalStatus(ctx, key, conn, false))
								m.SetConnectorFaulted(key, faulted)
								m.SetConnectorReserved(key, reserved)
								m.SetConnectorOccupied(key, occupied)
								m.SetConnectorUnavailableFact(key, unavailable)

								parentEffective := minStatus(cs, minStatus(evse, conn))
								want := projectWire(connectorFacts{
									faulted: faulted, reserved: reserved, occupied: occupied, unavailable: unavailable,
								}, parentEffective)

								got := m.GetConnectorWireStatus(key)
								if got != want {
									t.Fatalf("cs=%v evse=%v conn=%v faulted=%v reserved=%v occupied=%v unavailable=%v: got %v want %v",
										cs, evse, conn, faulted, reserved, occupied, unavailable, got, want)
								}
							}
						}
					}
				}
			}
		}
	}
}

func TestBootDoesNotFireCallbacks(t *testing.T) {
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.SetAvailability(context.Background(), db.Scope{}, "Inoperative"))

	fired := false
	m := New(h, Callbacks{OnCSEffectiveAvailabilityChanged: func(OperationalStatus) { fired = true }})
	require.NoError(t, m.Boot(context.Background()))
	require.False(t, fired, "Boot must not fire callbacks")
}
