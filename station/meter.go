package station

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/state"
)

// startMeterLoop launches clock-aligned meter sampling: ticks land on
// whole multiples of the configured interval so samples from every
// station in a fleet line up.
func (s *Station) startMeterLoop() {
	if s.opts.Hooks.ReadMeterWh == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.meterLoop()
	}()
}

func (s *Station) meterLoop() {
	for {
		interval := s.dm.GetInt(devicemodel.KeyMeterSampleInterval)
		if interval <= 0 {
			interval = 60
		}
		d := time.Duration(interval) * time.Second
		next := time.Now().Truncate(d).Add(d)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		s.sampleAllTransactions()
	}
}

func (s *Station) sampleAllTransactions() {
	s.txns.mu.Lock()
	ids := make([]string, 0, len(s.txns.active))
	keys := make([]state.ConnectorKey, 0, len(s.txns.active))
	for id, txn := range s.txns.active {
		if txn.StopTime == nil {
			ids = append(ids, id)
			keys = append(keys, state.ConnectorKey{EvseID: txn.EvseID, ConnectorID: txn.ConnectorID})
		}
	}
	s.txns.mu.Unlock()

	for i, id := range ids {
		wh := s.opts.Hooks.ReadMeterWh(keys[i])
		if err := s.txns.Sample(s.ctx, id, wh); err != nil {
			log.Warn().Err(err).Str("transaction_id", id).Msg("station: meter sample failed")
		}
	}
}
