package station

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/queue"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// startHeartbeat launches the periodic Heartbeat loop after the first
// accepted registration. The interval is re-read every tick so a
// SetVariables change or a later BootNotification response takes effect
// without a restart.
func (s *Station) startHeartbeat() {
	s.hbOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.heartbeatLoop()
		}()
	})
}

func (s *Station) heartbeatLoop() {
	for {
		interval := s.dm.GetInt(devicemodel.KeyHeartbeatInterval)
		if interval <= 0 {
			interval = 300
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Duration(interval) * time.Second):
		}
		if !s.q.IsConnected() {
			continue
		}
		s.sendHeartbeat(false)
	}
}

// sendHeartbeat emits one Heartbeat. Triggered heartbeats (from a
// TriggerMessage request) jump the Normal queue.
func (s *Station) sendHeartbeat(triggered bool) {
	kind := queue.Normal
	if triggered {
		kind = queue.Triggered
	}
	action := v201.ActionHeartbeat
	if s.v16 {
		action = v16.ActionHeartbeat
	}
	if _, err := s.enqueueJSON(s.ctx, action, struct{}{}, kind, ""); err != nil {
		log.Warn().Err(err).Msg("station: failed to enqueue heartbeat")
	}
}
