package availability

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/state"
)

type fakeTxActivity struct {
	activeScopes map[int]bool // evseID -> active; empty map = nothing active
}

func (f *fakeTxActivity) IsActiveOnScope(evseID, connectorID *int) bool {
	if evseID == nil {
		for _, v := range f.activeScopes {
			if v {
				return true
			}
		}
		return false
	}
	return f.activeScopes[*evseID]
}

func newTestManager(t *testing.T) (*Manager, *state.Manager, *fakeTxActivity) {
	t.Helper()
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	sm := state.New(h, state.Callbacks{})
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}
	sm.RegisterConnector(key)
	require.NoError(t, sm.Boot(context.Background()))

	txs := &fakeTxActivity{activeScopes: map[int]bool{}}
	am := New(sm, txs, Callbacks{})
	return am, sm, txs
}

func TestChangeAvailabilityAppliesImmediatelyWhenIdle(t *testing.T) {
	am, sm, _ := newTestManager(t)
	evseID := 1
	scheduled, err := am.ChangeAvailability(context.Background(), &evseID, nil, state.Inoperative)
	require.NoError(t, err)
	require.False(t, scheduled)
	require.Equal(t, state.Inoperative, sm.GetEffectiveStatus(state.ConnectorKey{EvseID: 1, ConnectorID: 1}))
}

func TestChangeAvailabilityDeferredWhileTransactionActive(t *testing.T) {
	am, sm, txs := newTestManager(t)
	evseID := 1
	txs.activeScopes[1] = true

	scheduled, err := am.ChangeAvailability(context.Background(), &evseID, nil, state.Inoperative)
	require.NoError(t, err)
	require.True(t, scheduled)
	require.Equal(t, state.Operative, sm.GetEffectiveStatus(state.ConnectorKey{EvseID: 1, ConnectorID: 1}))

	txs.activeScopes[1] = false
	require.NoError(t, am.RetryPending(context.Background()))
	require.Equal(t, state.Inoperative, sm.GetEffectiveStatus(state.ConnectorKey{EvseID: 1, ConnectorID: 1}))
}

func TestAllConnectorsUnavailableFiresOnce(t *testing.T) {
	am, _, _ := newTestManager(t)
	fired := 0
	am.cb.OnAllConnectorsUnavailable = func() { fired++ }

	change := func(status state.OperationalStatus) {
		evseID := 1
		_, err := am.ChangeAvailability(context.Background(), &evseID, nil, status)
		require.NoError(t, err)
	}

	change(state.Inoperative)
	require.Equal(t, 1, fired)

	// Re-applying the same status must not re-fire the callback.
	change(state.Inoperative)
	require.Equal(t, 1, fired)

	change(state.Operative)
	change(state.Inoperative)
	require.Equal(t, 2, fired)
}
