package station

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/envelope"
	"github.com/ocpp-core/station/state"
	v16 "github.com/ocpp-core/station/ocpp/v16"
)

func TestV16LocalTransactionIDIsNumeric(t *testing.T) {
	s := newTestStation(t, envelope.V16)
	id, err := s.txns.Begin(context.Background(), state.ConnectorKey{EvseID: 1, ConnectorID: 1}, "TOKEN1", nil, 0)
	require.NoError(t, err)
	require.Regexp(t, `^\d+$`, id)

	// The StartTransaction is queued durably for this connector and token.
	pending, err := s.dbh.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, v16.ActionStartTransaction, pending[0].Action)

	var req v16.StartTransactionRequest
	require.NoError(t, json.Unmarshal([]byte(pending[0].Payload), &req))
	require.Equal(t, 1, req.ConnectorId)
	require.Equal(t, "TOKEN1", req.IdTag)
}

func TestV16ChangeConfigurationRoundTrip(t *testing.T) {
	s := newTestStation(t, envelope.V16)

	payload, _ := json.Marshal(v16.ChangeConfigurationRequest{
		Key:   "OCPPCommCtrlr.HeartbeatInterval",
		Value: "90",
	})
	res, err := s.handleChangeConfiguration(v16.ActionChangeConfiguration, payload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", res.(v16.ChangeConfigurationResponse).Status)

	getPayload, _ := json.Marshal(v16.GetConfigurationRequest{Key: []string{"OCPPCommCtrlr.HeartbeatInterval", "No.SuchKey"}})
	got, err := s.handleGetConfiguration(v16.ActionGetConfiguration, getPayload)
	require.NoError(t, err)
	resp := got.(v16.GetConfigurationResponse)
	require.Len(t, resp.ConfigurationKey, 1)
	require.Equal(t, "90", resp.ConfigurationKey[0].Value)
	require.Equal(t, []string{"No.SuchKey"}, resp.UnknownKey)
}

func TestV16ChangeConfigurationReadOnlyRejected(t *testing.T) {
	s := newTestStation(t, envelope.V16)
	payload, _ := json.Marshal(v16.ChangeConfigurationRequest{
		Key:   "SecurityCtrlr.MinSecurityProfile",
		Value: "2",
	})
	res, err := s.handleChangeConfiguration(v16.ActionChangeConfiguration, payload)
	require.NoError(t, err)
	require.Equal(t, "Rejected", res.(v16.ChangeConfigurationResponse).Status)
}

func TestV16ReserveNowAvailableConnector(t *testing.T) {
	s := newTestStation(t, envelope.V16)
	payload, _ := json.Marshal(v16.ReserveNowRequest{
		ConnectorId:   1,
		ExpiryDate:    time.Now().Add(time.Hour).Format(time.RFC3339),
		IdTag:         "RES1",
		ReservationId: 5,
	})
	res, err := s.handleReserveNowV16(v16.ActionReserveNow, payload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", res.(v16.ReserveNowResponse).Status)
	require.Equal(t, state.Reserved, s.st.GetConnectorWireStatus(state.ConnectorKey{EvseID: 1, ConnectorID: 1}))

	cancelPayload, _ := json.Marshal(v16.CancelReservationRequest{ReservationId: 5})
	cres, err := s.handleCancelReservation(v16.ActionCancelReservation, cancelPayload)
	require.NoError(t, err)
	require.Equal(t, "Accepted", cres.(map[string]string)["status"])
	require.Equal(t, state.Available, s.st.GetConnectorWireStatus(state.ConnectorKey{EvseID: 1, ConnectorID: 1}))
}

func TestV16TriggerMessageUnknownNotImplemented(t *testing.T) {
	s := newTestStation(t, envelope.V16)
	payload, _ := json.Marshal(v16.TriggerMessageRequest{RequestedMessage: "FirmwareStatusNotification"})
	res, err := s.handleTriggerMessageV16(v16.ActionTriggerMessage, payload)
	require.NoError(t, err)
	require.Equal(t, "NotImplemented", res.(v16.TriggerMessageResponse).Status)
}

func TestV16WireStatusWidening(t *testing.T) {
	s := newTestStation(t, envelope.V16)
	key := state.ConnectorKey{EvseID: 1, ConnectorID: 1}

	require.Equal(t, v16.StatusAvailable, s.v16WireStatus(key, state.Available))
	require.Equal(t, v16.StatusPreparing, s.v16WireStatus(key, state.Occupied))

	_, err := s.txns.Begin(context.Background(), key, "TOKEN1", nil, 0)
	require.NoError(t, err)
	require.Equal(t, v16.StatusCharging, s.v16WireStatus(key, state.Occupied))
}

func TestSplitConfigKey(t *testing.T) {
	key, ok := splitConfigKey("AuthCtrlr.LocalPreAuthorize")
	require.True(t, ok)
	require.Equal(t, "AuthCtrlr", key.Component)
	require.Equal(t, "LocalPreAuthorize", key.Variable)

	_, ok = splitConfigKey("NoDot")
	require.False(t, ok)
	_, ok = splitConfigKey(".Leading")
	require.False(t, ok)
	_, ok = splitConfigKey("Trailing.")
	require.False(t, ok)
}
