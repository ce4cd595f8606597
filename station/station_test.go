package station

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/envelope"
	"github.com/ocpp-core/station/reservation"
	"github.com/ocpp-core/station/smartcharging"
	"github.com/ocpp-core/station/state"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

func newTestStation(t *testing.T, version envelope.Version) *Station {
	t.Helper()
	s, err := New(Options{
		Version: version,
		Identity: Identity{
			StationID: "CS001",
			Vendor:    "TestVendor",
			Model:     "TestModel",
		},
		DatabasePath: filepath.Join(t.TempDir(), "station.sqlite"),
		Topology: []reservation.Connector{
			{Key: state.ConnectorKey{EvseID: 1, ConnectorID: 1}, ConnectorType: "cType2"},
			{Key: state.ConnectorKey{EvseID: 2, ConnectorID: 1}, ConnectorType: "cCCS1"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.st.Boot(context.Background()))
	t.Cleanup(func() { s.dbh.Close() })
	return s
}

func TestTransactionBeginMarksOccupiedAndPersists(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}

	id, err := s.txns.Begin(context.Background(), key, "TOKEN1", nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	evseID := 1
	require.True(t, s.txns.IsActiveOnScope(&evseID, nil))
	require.Equal(t, state.Occupied, s.st.GetConnectorWireStatus(key))

	rows, err := s.dbh.ActiveTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "TOKEN1", rows[0].IDToken)

	pending, err := s.dbh.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, v201.ActionTransactionEvent, pending[0].Action)
}

func TestTransactionEndKeepsRowUntilAck(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}

	id, err := s.txns.Begin(context.Background(), key, "TOKEN1", nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.txns.End(context.Background(), id, "Local"))

	// The stop is recorded but the row survives until the CSMS acks.
	stops, err := s.dbh.PendingStops(context.Background())
	require.NoError(t, err)
	require.Len(t, stops, 1)
	require.Equal(t, "Local", *stops[0].StopReason)

	evseID := 1
	require.False(t, s.txns.IsActiveOnScope(&evseID, nil))
	require.Equal(t, state.Available, s.st.GetConnectorWireStatus(key))
}

func TestResurrectPendingStopsDefaultsToPowerLoss(t *testing.T) {
	s := newTestStation(t, envelope.V201)

	// A stop recorded with no reason, as a power cut mid-write leaves it.
	id, err := s.txns.Begin(context.Background(), state.ConnectorKey{EvseID: 1, ConnectorID: 1}, "TOKEN1", nil, 0)
	require.NoError(t, err)
	s.txns.mu.Lock()
	txn := s.txns.active[id]
	now := time.Now().UTC()
	txn.StopTime = &now
	row := txn.Transaction
	s.txns.mu.Unlock()
	require.NoError(t, s.dbh.UpsertTransaction(context.Background(), row))

	before, err := s.dbh.ListPending(context.Background())
	require.NoError(t, err)

	s.txns.ResurrectPendingStops(context.Background())

	after, err := s.dbh.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)

	var found bool
	for _, rec := range after {
		var event v201.TransactionEventRequest
		require.NoError(t, json.Unmarshal([]byte(rec.Payload), &event))
		if event.EventType == v201.TransactionEventEnded {
			require.Equal(t, "PowerLoss", event.TransactionInfo.StoppedReason)
			found = true
		}
	}
	require.True(t, found, "resurrected stop event must be queued")
}

func TestRemoteStartParksUntilPlugIn(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}

	payload, _ := json.Marshal(v201.RequestStartTransactionRequest{
		IdToken:       v201.IdToken{IdToken: "REMOTE1", Type: "Central"},
		RemoteStartId: 7,
		EvseId:        1,
	})
	res, err := s.handleRequestStartV201(v201.ActionRequestStartTransaction, payload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", res.(v201.RequestStartTransactionResponse).Status)

	// Nothing runs until the cable goes in.
	evseID := 1
	require.False(t, s.txns.IsActiveOnScope(&evseID, nil))

	s.PlugIn(key)
	require.Eventually(t, func() bool {
		return s.txns.IsActiveOnScope(&evseID, nil)
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteStopUnknownTransactionRejected(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	payload, _ := json.Marshal(v201.RequestStopTransactionRequest{TransactionId: "nope"})
	res, err := s.handleRequestStopV201(v201.ActionRequestStopTransaction, payload)
	require.NoError(t, err)
	require.Equal(t, "Rejected", res.(v201.RequestStopTransactionResponse).Status)
}

func TestChangeAvailabilityProjectsUnavailable(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}

	payload, _ := json.Marshal(v201.ChangeAvailabilityRequest{
		OperationalStatus: "Inoperative",
		Evse:              &v201.EVSE{Id: 1},
	})
	res, err := s.handleChangeAvailabilityV201(v201.ActionChangeAvailability, payload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", res.(v201.ChangeAvailabilityResponse).Status)
	require.Equal(t, state.Unavailable, s.st.GetConnectorWireStatus(key))

	// The other EVSE is untouched.
	require.Equal(t, state.Available, s.st.GetConnectorWireStatus(state.ConnectorKey{EvseID: 2, ConnectorID: 1}))
}

func TestChangeAvailabilityScheduledDuringTransaction(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	_, err := s.txns.Begin(context.Background(), state.ConnectorKey{EvseID: 1, ConnectorID: 1}, "TOKEN1", nil, 0)
	require.NoError(t, err)

	payload, _ := json.Marshal(v201.ChangeAvailabilityRequest{
		OperationalStatus: "Inoperative",
		Evse:              &v201.EVSE{Id: 1},
	})
	res, err := s.handleChangeAvailabilityV201(v201.ActionChangeAvailability, payload)
	require.NoError(t, err)
	require.Equal(t, "Scheduled", res.(v201.ChangeAvailabilityResponse).Status)
}

func TestReserveNowOccupiedConnector(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}
	s.st.SetConnectorOccupied(key, true)

	evseID := 1
	payload, _ := json.Marshal(v201.ReserveNowRequest{
		Id:             10,
		ExpiryDateTime: time.Now().Add(time.Hour).Format(time.RFC3339),
		IdToken:        v201.IdToken{IdToken: "RES1", Type: "ISO14443"},
		EvseId:         &evseID,
	})
	res, err := s.handleReserveNowV201(v201.ActionReserveNow, payload)
	require.NoError(t, err)
	require.Equal(t, "Occupied", res.(v201.ReserveNowResponse).Status)
	require.Equal(t, state.Occupied, s.st.GetConnectorWireStatus(key))
}

func TestSetChargingProfileInstallsAndReports(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	start := time.Now().UTC().Format(time.RFC3339)

	payload, _ := json.Marshal(v201.SetChargingProfileRequest{
		EvseId: 1,
		ChargingProfile: v201.ChargingProfile{
			Id:                     42,
			StackLevel:             1,
			ChargingProfilePurpose: "TxDefaultProfile",
			ChargingProfileKind:    "Absolute",
			ChargingSchedule: []v201.ChargingSchedule{{
				ChargingRateUnit: "A",
				StartSchedule:    start,
				ChargingSchedulePeriod: []v201.ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: 16},
				},
			}},
		},
	})
	res, err := s.handleSetChargingProfileV201(v201.ActionSetChargingProfile, payload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", res.(v201.SetChargingProfileResponse).Status)

	id := 42
	reported := s.sc.GetReportedProfiles(smartcharging.Filter{ID: &id})
	require.Len(t, reported, 1)
	require.Equal(t, 1, reported[0].EvseID)
}

func TestGetAndSetVariablesRoundTrip(t *testing.T) {
	s := newTestStation(t, envelope.V201)

	setPayload, _ := json.Marshal(v201.SetVariablesRequest{
		SetVariableData: []v201.SetVariableData{{
			AttributeValue: "120",
			Component:      v201.Component{Name: "OCPPCommCtrlr"},
			Variable:       v201.Variable{Name: "HeartbeatInterval"},
		}},
	})
	res, err := s.handleSetVariables(v201.ActionSetVariables, setPayload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", res.(v201.SetVariablesResponse).SetVariableResult[0].AttributeStatus)

	getPayload, _ := json.Marshal(v201.GetVariablesRequest{
		GetVariableData: []v201.GetVariableData{{
			Component: v201.Component{Name: "OCPPCommCtrlr"},
			Variable:  v201.Variable{Name: "HeartbeatInterval"},
		}},
	})
	got, err := s.handleGetVariables(v201.ActionGetVariables, getPayload)
	require.NoError(t, err)
	require.Equal(t, "120", got.(v201.GetVariablesResponse).GetVariableResult[0].AttributeValue)
}

func TestDataTransferUnknownVendor(t *testing.T) {
	s := newTestStation(t, envelope.V201)
	res, err := s.handleDataTransfer(v201.ActionDataTransfer, []byte(`{"vendorId":"acme"}`))
	require.NoError(t, err)
	require.Equal(t, "UnknownVendorId", res.(map[string]string)["status"])
}
