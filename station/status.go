package station

import (
	"fmt"
	"time"

	"github.com/ocpp-core/station/queue"
	"github.com/ocpp-core/station/state"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// sendStatusNotification advertises one connector's projected status.
// Returning an error keeps the state manager's sent-status mirror stale
// so the connector is re-advertised on the next reconnect.
func (s *Station) sendStatusNotification(key state.ConnectorKey, wire state.WireStatus) error {
	if !s.q.IsConnected() {
		return fmt.Errorf("offline, status for %d/%d not sent", key.EvseID, key.ConnectorID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if s.v16 {
		req := v16.StatusNotificationRequest{
			ConnectorId: key.EvseID,
			ErrorCode:   "NoError",
			Status:      s.v16WireStatus(key, wire),
			Timestamp:   now,
		}
		if wire == state.Faulted {
			req.ErrorCode = "OtherError"
		}
		_, err := s.enqueueJSON(s.ctx, v16.ActionStatusNotification, req, queue.Normal, "")
		return err
	}

	req := v201.StatusNotificationRequest{
		Timestamp:       now,
		ConnectorStatus: v201.ConnectorStatus(wire),
		EvseId:          key.EvseID,
		ConnectorId:     key.ConnectorID,
	}
	_, err := s.enqueueJSON(s.ctx, v201.ActionStatusNotification, req, queue.Normal, "")
	return err
}

// v16WireStatus widens the five projected statuses into OCPP 1.6's nine:
// an occupied connector reports Charging while a transaction runs,
// Preparing otherwise.
func (s *Station) v16WireStatus(key state.ConnectorKey, wire state.WireStatus) v16.ChargePointStatus {
	switch wire {
	case state.Available:
		return v16.StatusAvailable
	case state.Reserved:
		return v16.StatusReserved
	case state.Faulted:
		return v16.StatusFaulted
	case state.Unavailable:
		return v16.StatusUnavailable
	}
	if _, live := s.txns.LiveOnConnector(key); live {
		return v16.StatusCharging
	}
	return v16.StatusPreparing
}
