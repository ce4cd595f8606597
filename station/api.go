package station

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/auth"
	"github.com/ocpp-core/station/state"
)

// PlugIn reports a cable insertion. The connector goes Occupied; if a
// remote start is parked on it, the transaction begins immediately.
func (s *Station) PlugIn(key state.ConnectorKey) {
	s.st.SetConnectorOccupied(key, true)

	s.mu.Lock()
	pending, ok := s.pendingRemoteStart[key]
	if ok {
		delete(s.pendingRemoteStart, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.txns.Begin(s.ctx, key, pending.idToken, nil, pending.remoteStartID); err != nil {
			log.Error().Err(err).Msg("station: parked remote start failed")
		}
	}()
}

// PlugOut reports a cable removal, stopping any running transaction.
func (s *Station) PlugOut(key state.ConnectorKey) {
	if txn, live := s.txns.LiveOnConnector(key); live {
		if err := s.txns.End(s.ctx, txn.ID, "EVDisconnected"); err != nil {
			log.Error().Err(err).Msg("station: stop on unplug failed")
		}
	}
	s.st.SetConnectorOccupied(key, false)
}

// SwipeCard presents an ID token at a connector. When the token
// authorizes and the cable is in, a transaction starts; when a
// transaction started by the same token is running, it stops instead.
func (s *Station) SwipeCard(ctx context.Context, key state.ConnectorKey, idToken string) (auth.Status, error) {
	if txn, live := s.txns.LiveOnConnector(key); live {
		if txn.IDToken != idToken {
			return auth.Invalid, nil
		}
		return auth.Accepted, s.txns.End(ctx, txn.ID, "Local")
	}

	info, err := s.authz.Authorize(ctx, idToken, "", "")
	if err != nil {
		return auth.Unknown, err
	}
	if info.Status != auth.Accepted {
		return info.Status, nil
	}

	if !s.st.IsConnectorOccupied(key) {
		return info.Status, fmt.Errorf("no cable plugged into %d/%d", key.EvseID, key.ConnectorID)
	}
	_, err = s.txns.Begin(ctx, key, idToken, nil, 0)
	return info.Status, err
}

// SetFault raises or clears a connector fault.
func (s *Station) SetFault(key state.ConnectorKey, faulted bool) {
	s.st.SetConnectorFaulted(key, faulted)
}
