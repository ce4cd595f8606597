package reservation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/state"
)

func newTestSetup(t *testing.T) (*Manager, *state.Manager) {
	t.Helper()
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	sm := state.New(h, state.Callbacks{})
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}
	sm.RegisterConnector(key)
	require.NoError(t, sm.Boot(context.Background()))

	dm := devicemodel.New()
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyReservationEnabled, Kind: devicemodel.KindBool, Default: true})
	dm.Register(devicemodel.Definition{Key: devicemodel.KeyReservationNonEvseSpecific, Kind: devicemodel.KindBool, Default: false})

	rm := New(dm, sm, []Connector{{Key: key, ConnectorType: "cTesla"}}, Callbacks{})
	return rm, sm
}

// TestReserveOccupiedConnector: a connector
// already occupied returns Occupied and leaves the reserved flag unchanged.
func TestReserveOccupiedConnector(t *testing.T) {
	rm, sm := newTestSetup(t)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}
	sm.SetConnectorOccupied(key, true)

	evseID := 1
	connType := "cTesla"
	status, err := rm.ReserveNow(context.Background(), 1, &evseID, &connType, "ABCD", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Occupied, status)
	require.False(t, sm.GetIndividualStatus(key) == state.Inoperative) // sanity: unaffected
	require.Equal(t, state.Occupied, sm.GetConnectorWireStatus(key))
}

func TestReservationAcceptAndCancel(t *testing.T) {
	rm, sm := newTestSetup(t)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}
	evseID := 1

	status, err := rm.ReserveNow(context.Background(), 2, &evseID, nil, "ABCD", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Accepted, status)
	require.Equal(t, state.Reserved, sm.GetConnectorWireStatus(key))

	var gotReason UpdateReason
	done := make(chan struct{})
	rm.cb.OnReservationStatusUpdate = func(id int, reason UpdateReason) {
		gotReason = reason
		close(done)
	}

	require.Equal(t, CancelAccepted, rm.CancelReservation(2))
	<-done
	require.Equal(t, Removed, gotReason)
	require.Equal(t, state.Available, sm.GetConnectorWireStatus(key))
}

func TestReservationRejectedWhenDisabled(t *testing.T) {
	rm, _ := newTestSetup(t)
	rm.dm.Restore(devicemodel.KeyReservationEnabled, false)

	evseID := 1
	status, err := rm.ReserveNow(context.Background(), 3, &evseID, nil, "ABCD", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Rejected, status)
}

func TestReservationRequiresEvseWhenNotNonSpecific(t *testing.T) {
	rm, _ := newTestSetup(t)
	status, err := rm.ReserveNow(context.Background(), 4, nil, nil, "ABCD", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Rejected, status)
}
