package station

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/queue"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// bootFlow runs once per connection: send BootNotification, and on
// Accepted move the queue to Booted, announce availability, advertise
// connector statuses, and flush anything the last run left behind.
func (s *Station) bootFlow(ctx context.Context) {
	for {
		status, interval, err := s.sendBootNotification(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("station: BootNotification round-trip failed")
			return
		}
		if interval > 0 {
			_ = s.dm.Set(devicemodel.KeyHeartbeatInterval, interval)
		}

		switch status {
		case "Accepted":
			s.onRegistered()
			return
		case "Pending", "Rejected":
			wait := interval
			if wait <= 0 {
				wait = 60
			}
			log.Info().Str("status", status).Int("retry_in_s", wait).Msg("station: registration not accepted, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(wait) * time.Second):
			}
			if !s.conn.IsConnected() {
				return
			}
		default:
			log.Error().Str("status", status).Msg("station: unknown registration status")
			return
		}
	}
}

func (s *Station) sendBootNotification(ctx context.Context) (status string, interval int, err error) {
	id := s.opts.Identity
	if s.v16 {
		req := v16.BootNotificationRequest{
			ChargePointVendor:       id.Vendor,
			ChargePointModel:        id.Model,
			ChargePointSerialNumber: id.SerialNumber,
			FirmwareVersion:         id.FirmwareVersion,
		}
		raw, err := s.call(ctx, v16.ActionBootNotification, req, queue.Normal)
		if err != nil {
			return "", 0, err
		}
		var resp v16.BootNotificationResponse
		if err := unmarshal(raw, &resp); err != nil {
			return "", 0, err
		}
		return string(resp.Status), resp.Interval, nil
	}

	req := v201.BootNotificationRequest{
		Reason: "PowerUp",
		ChargingStation: v201.ChargingStation{
			VendorName:      id.Vendor,
			Model:           id.Model,
			SerialNumber:    id.SerialNumber,
			FirmwareVersion: id.FirmwareVersion,
		},
	}
	raw, err := s.call(ctx, v201.ActionBootNotification, req, queue.Normal)
	if err != nil {
		return "", 0, err
	}
	var resp v201.BootNotificationResponse
	if err := unmarshal(raw, &resp); err != nil {
		return "", 0, err
	}
	return string(resp.Status), resp.Interval, nil
}

// onRegistered is the Accepted branch of the boot handshake.
func (s *Station) onRegistered() {
	s.q.SetState(queue.Booted)
	s.mu.Lock()
	first := !s.everBooted
	s.everBooted = true
	s.mu.Unlock()

	log.Info().Msg("station: registration accepted")

	// Announcement, then advertisement: availability callbacks fire for
	// the station, EVSEs, and connectors in that order, and every
	// connector's wire status goes out. Reconnects re-advertise only
	// what changed while offline.
	if first {
		s.st.TriggerAllEffectiveAvailabilityChangedCallbacks()
		s.st.SendStatusNotificationAllConnectors()
	} else {
		s.st.SendStatusNotificationChanged()
	}

	s.txns.ResurrectPendingStops(s.ctx)
	if err := s.avail.RetryPending(s.ctx); err != nil {
		log.Error().Err(err).Msg("station: deferred availability retry failed")
	}

	s.startHeartbeat()
}
