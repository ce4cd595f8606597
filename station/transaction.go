package station

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/queue"
	"github.com/ocpp-core/station/state"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// txnTracker owns the transaction lifecycle: start on authorized
// plug-in, meter samples, stop, and resurrection from the database after
// a restart. Transactions are stored in an arena keyed by the station's
// local id; the CSMS-assigned id (OCPP 1.6) is resolved asynchronously
// from the StartTransaction response and substituted into any held
// outbound messages.
type txnTracker struct {
	mu     sync.Mutex
	s      *Station
	active map[string]*liveTxn // local id -> txn
}

type liveTxn struct {
	db.Transaction
	resolved bool // true once the CSMS id is known (always true on 2.0.1)
}

func newTxnTracker(s *Station) *txnTracker {
	return &txnTracker{s: s, active: make(map[string]*liveTxn)}
}

// Restore reloads active transactions at boot and re-marks their
// connectors occupied, without emitting any wire traffic.
func (t *txnTracker) Restore(ctx context.Context) error {
	rows, err := t.s.dbh.ActiveTransactions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		t.active[row.ID] = &liveTxn{Transaction: row, resolved: !t.s.v16 || row.CSMSID != nil}
		t.s.st.SetConnectorOccupied(state.ConnectorKey{EvseID: row.EvseID, ConnectorID: row.ConnectorID}, true)
	}
	if len(rows) > 0 {
		log.Info().Int("count", len(rows)).Msg("station: restored active transactions")
	}
	return nil
}

// newLocalID generates the station-assigned transaction id. OCPP 1.6
// carries a numeric id on the wire, so the placeholder must stay numeric
// for the held-payload substitution to preserve JSON typing.
func (t *txnTracker) newLocalID() string {
	if t.s.v16 {
		return strconv.Itoa(1_000_000_000 + rand.Intn(1_000_000_000))
	}
	return uuid.New().String()
}

// Begin starts a transaction on one connector: persist first, then mark
// occupied, close the contactor, and enqueue the start message.
func (t *txnTracker) Begin(ctx context.Context, key state.ConnectorKey, idToken string, reservationID *int, remoteStartID int) (string, error) {
	startMeter := 0
	if t.s.opts.Hooks.ReadMeterWh != nil {
		startMeter = t.s.opts.Hooks.ReadMeterWh(key)
	}
	row := db.Transaction{
		ID:            t.newLocalID(),
		EvseID:        key.EvseID,
		ConnectorID:   key.ConnectorID,
		StartTime:     time.Now().UTC(),
		StartMeter:    startMeter,
		IDToken:       idToken,
		ReservationID: reservationID,
		Active:        true,
	}
	if err := t.s.dbh.UpsertTransaction(ctx, row); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.active[row.ID] = &liveTxn{Transaction: row, resolved: !t.s.v16}
	t.mu.Unlock()

	t.s.st.SetConnectorOccupied(key, true)
	if t.s.opts.Hooks.StartEnergyDelivery != nil {
		if err := t.s.opts.Hooks.StartEnergyDelivery(key); err != nil {
			log.Error().Err(err).Int("evse_id", key.EvseID).Msg("station: energy delivery start failed")
		}
	}

	if t.s.v16 {
		return row.ID, t.sendStartV16(ctx, row)
	}
	return row.ID, t.sendStartV201(ctx, row, remoteStartID)
}

func (t *txnTracker) sendStartV16(ctx context.Context, row db.Transaction) error {
	req := v16.StartTransactionRequest{
		ConnectorId: row.EvseID,
		IdTag:       row.IDToken,
		MeterStart:  row.StartMeter,
		Timestamp:   row.StartTime.Format(time.RFC3339),
	}
	if row.ReservationID != nil {
		req.ReservationId = *row.ReservationID
	}
	id, err := t.s.enqueueJSON(ctx, v16.ActionStartTransaction, req, queue.Transactional, "")
	if err != nil {
		return err
	}
	t.s.wg.Add(1)
	go func() {
		defer t.s.wg.Done()
		t.awaitStartResponseV16(row.ID, id)
	}()
	return nil
}

// awaitStartResponseV16 blocks on the StartTransaction response, then
// substitutes the CSMS-assigned id into every held record and releases
// them.
func (t *txnTracker) awaitStartResponseV16(localID, uniqueID string) {
	res, err := t.s.q.Await(t.s.ctx, uniqueID)
	if err != nil {
		log.Warn().Err(err).Str("local_id", localID).Msg("station: StartTransaction round-trip failed")
		return
	}
	var resp v16.StartTransactionResponse
	if err := unmarshal(res.Payload, &resp); err != nil {
		log.Error().Err(err).Msg("station: undecodable StartTransaction response")
		return
	}
	csmsID := strconv.Itoa(resp.TransactionId)

	t.mu.Lock()
	txn, ok := t.active[localID]
	if ok {
		txn.CSMSID = &csmsID
		txn.resolved = true
		row := txn.Transaction
		t.mu.Unlock()
		_ = t.s.dbh.UpsertTransaction(t.s.ctx, row)
	} else {
		t.mu.Unlock()
	}

	if err := t.s.q.ResolveTransactionID(t.s.ctx, localID, csmsID); err != nil {
		log.Error().Err(err).Msg("station: failed to release held transaction messages")
	}

	if resp.IdTagInfo.Status != "Accepted" {
		log.Warn().Str("status", resp.IdTagInfo.Status).Msg("station: deauthorized by StartTransaction response, stopping")
		_ = t.End(t.s.ctx, localID, "DeAuthorized")
	}
}

func (t *txnTracker) sendStartV201(ctx context.Context, row db.Transaction, remoteStartID int) error {
	req := v201.TransactionEventRequest{
		EventType:     v201.TransactionEventStarted,
		Timestamp:     row.StartTime.Format(time.RFC3339),
		TriggerReason: v201.TriggerReasonAuthorized,
		SeqNo:         0,
		TransactionInfo: v201.Transaction{
			TransactionId: row.ID,
			ChargingState: v201.ChargingStateCharging,
			RemoteStartId: remoteStartID,
		},
		Evse:    &v201.EVSE{Id: row.EvseID, ConnectorId: row.ConnectorID},
		IdToken: &v201.IdToken{IdToken: row.IDToken, Type: "ISO14443"},
	}
	if row.ReservationID != nil {
		req.ReservationId = *row.ReservationID
	}
	if remoteStartID != 0 {
		req.TriggerReason = v201.TriggerReasonRemoteStart
	}
	_, err := t.s.enqueueJSON(ctx, v201.ActionTransactionEvent, req, queue.Transactional, "")
	return err
}

// Sample records one meter reading against the transaction and enqueues
// the corresponding MeterValues / TransactionEvent(Updated) message.
func (t *txnTracker) Sample(ctx context.Context, localID string, wh int) error {
	t.mu.Lock()
	txn, ok := t.active[localID]
	if !ok || txn.StopTime != nil {
		t.mu.Unlock()
		return fmt.Errorf("no live transaction %s", localID)
	}
	txn.SeqNo++
	row := txn.Transaction
	hold := ""
	if !txn.resolved {
		hold = localID
	}
	t.mu.Unlock()

	if err := t.s.dbh.UpsertTransaction(ctx, row); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if t.s.v16 {
		req := v16.MeterValuesRequest{
			ConnectorId:   row.EvseID,
			TransactionId: wireTxID(row),
			MeterValue: []v16.MeterValueEntry{{
				Timestamp: now,
				SampledValue: []v16.SampledValue{{
					Value:     strconv.Itoa(wh),
					Context:   "Sample.Periodic",
					Measurand: "Energy.Active.Import.Register",
					Unit:      "Wh",
				}},
			}},
		}
		_, err := t.s.enqueueJSON(ctx, v16.ActionMeterValues, req, queue.Transactional, hold)
		return err
	}

	req := v201.TransactionEventRequest{
		EventType:       v201.TransactionEventUpdated,
		Timestamp:       now,
		TriggerReason:   v201.TriggerReasonMeterValuePeriodic,
		SeqNo:           row.SeqNo,
		TransactionInfo: v201.Transaction{TransactionId: row.ID, ChargingState: v201.ChargingStateCharging},
		Evse:            &v201.EVSE{Id: row.EvseID, ConnectorId: row.ConnectorID},
		MeterValue: []v201.MeterValue{{
			Timestamp: now,
			SampledValue: []v201.SampledValue{{
				Value:         float64(wh),
				Context:       "Sample.Periodic",
				Measurand:     "Energy.Active.Import.Register",
				UnitOfMeasure: &v201.UnitOfMeasure{Unit: "Wh"},
			}},
		}},
	}
	_, err := t.s.enqueueJSON(ctx, v201.ActionTransactionEvent, req, queue.Transactional, "")
	return err
}

// End stops a transaction: record the stop durably, open the contactor,
// clear occupancy, and enqueue the stop message. The row is kept until
// the CSMS acknowledges it.
func (t *txnTracker) End(ctx context.Context, localID, reason string) error {
	t.mu.Lock()
	txn, ok := t.active[localID]
	if !ok || txn.StopTime != nil {
		t.mu.Unlock()
		return fmt.Errorf("no live transaction %s", localID)
	}
	key := state.ConnectorKey{EvseID: txn.EvseID, ConnectorID: txn.ConnectorID}
	stopMeter := txn.StartMeter
	if t.s.opts.Hooks.ReadMeterWh != nil {
		stopMeter = t.s.opts.Hooks.ReadMeterWh(key)
	}
	now := time.Now().UTC()
	txn.SeqNo++
	txn.StopTime = &now
	txn.StopMeter = &stopMeter
	txn.StopReason = &reason
	row := txn.Transaction
	hold := ""
	if !txn.resolved {
		hold = localID
	}
	t.mu.Unlock()

	if err := t.s.dbh.UpsertTransaction(ctx, row); err != nil {
		return err
	}

	if t.s.opts.Hooks.StopEnergyDelivery != nil {
		if err := t.s.opts.Hooks.StopEnergyDelivery(key); err != nil {
			log.Error().Err(err).Int("evse_id", key.EvseID).Msg("station: energy delivery stop failed")
		}
	}
	t.s.st.SetConnectorOccupied(key, false)

	uniqueID, err := t.enqueueStop(ctx, row, hold)
	if err != nil {
		return err
	}
	t.s.wg.Add(1)
	go func() {
		defer t.s.wg.Done()
		t.awaitStopAck(localID, uniqueID)
	}()
	return nil
}

func (t *txnTracker) enqueueStop(ctx context.Context, row db.Transaction, hold string) (string, error) {
	if t.s.v16 {
		req := v16.StopTransactionRequest{
			IdTag:         row.IDToken,
			MeterStop:     *row.StopMeter,
			Timestamp:     row.StopTime.Format(time.RFC3339),
			TransactionId: wireTxID(row),
			Reason:        *row.StopReason,
		}
		return t.s.enqueueJSON(ctx, v16.ActionStopTransaction, req, queue.Transactional, hold)
	}
	req := v201.TransactionEventRequest{
		EventType:     v201.TransactionEventEnded,
		Timestamp:     row.StopTime.Format(time.RFC3339),
		TriggerReason: v201.TriggerReasonStopAuthorized,
		SeqNo:         row.SeqNo,
		TransactionInfo: v201.Transaction{
			TransactionId: row.ID,
			ChargingState: v201.ChargingStateIdle,
			StoppedReason: *row.StopReason,
		},
		Evse: &v201.EVSE{Id: row.EvseID, ConnectorId: row.ConnectorID},
		MeterValue: []v201.MeterValue{{
			Timestamp: row.StopTime.Format(time.RFC3339),
			SampledValue: []v201.SampledValue{{
				Value:         float64(*row.StopMeter),
				Context:       "Transaction.End",
				Measurand:     "Energy.Active.Import.Register",
				UnitOfMeasure: &v201.UnitOfMeasure{Unit: "Wh"},
			}},
		}},
	}
	return t.s.enqueueJSON(ctx, v201.ActionTransactionEvent, req, queue.Transactional, hold)
}

// awaitStopAck deletes the transaction row once the CSMS has
// acknowledged the stop message, and retries any deferred availability
// changes now that the scope is idle.
func (t *txnTracker) awaitStopAck(localID, uniqueID string) {
	if _, err := t.s.q.Await(t.s.ctx, uniqueID); err != nil {
		log.Warn().Err(err).Str("local_id", localID).Msg("station: stop message not acknowledged, row kept for next boot")
	} else {
		_ = t.s.dbh.DeleteTransaction(t.s.ctx, localID)
	}

	t.mu.Lock()
	delete(t.active, localID)
	t.mu.Unlock()

	if err := t.s.avail.RetryPending(t.s.ctx); err != nil {
		log.Error().Err(err).Msg("station: deferred availability retry failed")
	}
}

// ResurrectPendingStops re-emits a stop message for every transaction
// whose stop was recorded but never acknowledged before the last
// shutdown. Called once per boot, after registration is accepted.
func (t *txnTracker) ResurrectPendingStops(ctx context.Context) {
	rows, err := t.s.dbh.PendingStops(ctx)
	if err != nil {
		log.Error().Err(err).Msg("station: pending-stop scan failed")
		return
	}
	for _, row := range rows {
		if row.StopReason == nil {
			reason := "PowerLoss"
			row.StopReason = &reason
		}
		if row.StopMeter == nil {
			m := row.StartMeter
			row.StopMeter = &m
		}
		uniqueID, err := t.enqueueStop(ctx, row, "")
		if err != nil {
			log.Error().Err(err).Str("id", row.ID).Msg("station: failed to resurrect stop")
			continue
		}
		log.Info().Str("id", row.ID).Str("reason", *row.StopReason).Msg("station: resurrected pending stop")
		localID := row.ID
		t.s.wg.Add(1)
		go func() {
			defer t.s.wg.Done()
			if _, err := t.s.q.Await(t.s.ctx, uniqueID); err == nil {
				_ = t.s.dbh.DeleteTransaction(t.s.ctx, localID)
			}
		}()
	}
}

// wireTxID renders the OCPP 1.6 numeric transaction id: the CSMS id when
// resolved, else the numeric local placeholder the queue will rewrite.
func wireTxID(row db.Transaction) int {
	id := row.ID
	if row.CSMSID != nil {
		id = *row.CSMSID
	}
	n, _ := strconv.Atoi(id)
	return n
}

// LiveTransactionEvse reports the EVSE of a live transaction by either
// its local or CSMS-assigned id.
func (t *txnTracker) LiveTransactionEvse(transactionID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, txn := range t.active {
		if txn.StopTime != nil {
			continue
		}
		if txn.ID == transactionID || (txn.CSMSID != nil && *txn.CSMSID == transactionID) {
			return txn.EvseID, true
		}
	}
	return 0, false
}

// LocalIDFor maps a wire-level transaction id (local or CSMS-assigned)
// back to the arena key.
func (t *txnTracker) LocalIDFor(wireID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, txn := range t.active {
		if txn.StopTime != nil {
			continue
		}
		if id == wireID || (txn.CSMSID != nil && *txn.CSMSID == wireID) {
			return id, true
		}
	}
	return "", false
}

// LiveOnEvse returns the live transaction on one EVSE, if any.
func (t *txnTracker) LiveOnEvse(evseID int) (db.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, txn := range t.active {
		if txn.StopTime == nil && txn.EvseID == evseID {
			return txn.Transaction, true
		}
	}
	return db.Transaction{}, false
}

// LiveOnConnector returns the live transaction on one connector, if any.
func (t *txnTracker) LiveOnConnector(key state.ConnectorKey) (db.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, txn := range t.active {
		if txn.StopTime == nil && txn.EvseID == key.EvseID && txn.ConnectorID == key.ConnectorID {
			return txn.Transaction, true
		}
	}
	return db.Transaction{}, false
}

// IsActiveOnScope reports whether any live transaction exists on the
// station (nil, nil), one EVSE, or one connector.
func (t *txnTracker) IsActiveOnScope(evseID, connectorID *int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, txn := range t.active {
		if txn.StopTime != nil {
			continue
		}
		if evseID != nil && txn.EvseID != *evseID {
			continue
		}
		if connectorID != nil && txn.ConnectorID != *connectorID {
			continue
		}
		return true
	}
	return false
}
