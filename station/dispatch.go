package station

import (
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/reservation"
	"github.com/ocpp-core/station/security"
	"github.com/ocpp-core/station/smartcharging"
	"github.com/ocpp-core/station/state"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// registerHandlers wires every inbound CSMS action the station answers.
// Unregistered actions get a NotImplemented CALLERROR from the queue.
func (s *Station) registerHandlers() {
	if s.v16 {
		s.q.RegisterHandler(v16.ActionRemoteStartTransaction, s.handleRemoteStartV16)
		s.q.RegisterHandler(v16.ActionRemoteStopTransaction, s.handleRemoteStopV16)
		s.q.RegisterHandler(v16.ActionSetChargingProfile, s.handleSetChargingProfileV16)
		s.q.RegisterHandler(v16.ActionGetCompositeSchedule, s.handleGetCompositeScheduleV16)
		s.q.RegisterHandler(v16.ActionClearChargingProfile, s.handleClearChargingProfileV16)
		s.q.RegisterHandler(v16.ActionReserveNow, s.handleReserveNowV16)
		s.q.RegisterHandler(v16.ActionCancelReservation, s.handleCancelReservation)
		s.q.RegisterHandler(v16.ActionChangeAvailability, s.handleChangeAvailabilityV16)
		s.q.RegisterHandler(v16.ActionChangeConfiguration, s.handleChangeConfiguration)
		s.q.RegisterHandler(v16.ActionGetConfiguration, s.handleGetConfiguration)
		s.q.RegisterHandler(v16.ActionTriggerMessage, s.handleTriggerMessageV16)
		s.q.RegisterHandler(v16.ActionCertificateSigned, s.handleCertificateSigned)
		s.q.RegisterHandler(v16.ActionReset, s.handleReset)
		s.q.RegisterHandler(v16.ActionDataTransfer, s.handleDataTransfer)
		return
	}
	s.q.RegisterHandler(v201.ActionRequestStartTransaction, s.handleRequestStartV201)
	s.q.RegisterHandler(v201.ActionRequestStopTransaction, s.handleRequestStopV201)
	s.q.RegisterHandler(v201.ActionSetChargingProfile, s.handleSetChargingProfileV201)
	s.q.RegisterHandler(v201.ActionGetCompositeSchedule, s.handleGetCompositeScheduleV201)
	s.q.RegisterHandler(v201.ActionClearChargingProfile, s.handleClearChargingProfileV201)
	s.q.RegisterHandler(v201.ActionReserveNow, s.handleReserveNowV201)
	s.q.RegisterHandler(v201.ActionCancelReservation, s.handleCancelReservation)
	s.q.RegisterHandler(v201.ActionChangeAvailability, s.handleChangeAvailabilityV201)
	s.q.RegisterHandler(v201.ActionGetVariables, s.handleGetVariables)
	s.q.RegisterHandler(v201.ActionSetVariables, s.handleSetVariables)
	s.q.RegisterHandler(v201.ActionTriggerMessage, s.handleTriggerMessageV201)
	s.q.RegisterHandler(v201.ActionCertificateSigned, s.handleCertificateSigned)
	s.q.RegisterHandler(v201.ActionReset, s.handleReset)
	s.q.RegisterHandler(v201.ActionDataTransfer, s.handleDataTransfer)
}

// connectorOn picks the first registered connector of one EVSE.
func (s *Station) connectorOn(evseID int) (state.ConnectorKey, bool) {
	for _, c := range s.opts.Topology {
		if c.Key.EvseID == evseID {
			return c.Key, true
		}
	}
	return state.ConnectorKey{}, false
}

func (s *Station) handleRemoteStartV16(action string, payload []byte) (any, error) {
	var req v16.RemoteStartTransactionRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	evseID := req.ConnectorId
	if evseID == 0 {
		evseID = s.opts.Topology[0].Key.EvseID
	}
	key, ok := s.connectorOn(evseID)
	if !ok {
		return v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}
	return v16.RemoteStartTransactionResponse{Status: s.acceptRemoteStart(key, req.IdTag, 0)}, nil
}

func (s *Station) handleRequestStartV201(action string, payload []byte) (any, error) {
	var req v201.RequestStartTransactionRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	evseID := req.EvseId
	if evseID == 0 {
		evseID = s.opts.Topology[0].Key.EvseID
	}
	key, ok := s.connectorOn(evseID)
	if !ok {
		return v201.RequestStartTransactionResponse{Status: "Rejected", StatusInfo: &v201.StatusInfo{ReasonCode: "UnknownEvse"}}, nil
	}
	return v201.RequestStartTransactionResponse{Status: s.acceptRemoteStart(key, req.IdToken.IdToken, req.RemoteStartId)}, nil
}

// acceptRemoteStart starts immediately when the cable is already in,
// otherwise parks the authorization until plug-in.
func (s *Station) acceptRemoteStart(key state.ConnectorKey, idToken string, remoteStartID int) string {
	switch s.st.GetConnectorWireStatus(key) {
	case state.Available, state.Reserved:
		s.mu.Lock()
		s.pendingRemoteStart[key] = remoteStart{idToken: idToken, remoteStartID: remoteStartID}
		s.mu.Unlock()
		return "Accepted"
	case state.Occupied:
		if _, live := s.txns.LiveOnConnector(key); live {
			return "Rejected"
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.txns.Begin(s.ctx, key, idToken, nil, remoteStartID); err != nil {
				log.Error().Err(err).Msg("station: remote start failed")
			}
		}()
		return "Accepted"
	default:
		return "Rejected"
	}
}

func (s *Station) handleRemoteStopV16(action string, payload []byte) (any, error) {
	var req v16.RemoteStopTransactionRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return v16.RemoteStopTransactionResponse{Status: s.acceptRemoteStop(strconv.Itoa(req.TransactionId))}, nil
}

func (s *Station) handleRequestStopV201(action string, payload []byte) (any, error) {
	var req v201.RequestStopTransactionRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return v201.RequestStopTransactionResponse{Status: s.acceptRemoteStop(req.TransactionId)}, nil
}

func (s *Station) acceptRemoteStop(wireID string) string {
	localID, ok := s.txns.LocalIDFor(wireID)
	if !ok {
		return "Rejected"
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.txns.End(s.ctx, localID, "Remote"); err != nil {
			log.Error().Err(err).Msg("station: remote stop failed")
		}
	}()
	return "Accepted"
}

func (s *Station) handleSetChargingProfileV16(action string, payload []byte) (any, error) {
	var req v16.SetChargingProfileRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	p, err := v16ProfileToInternal(req.ChargingProfile)
	if err != nil {
		return v16.SetChargingProfileResponse{Status: "Rejected"}, nil
	}
	if err := s.sc.Add(s.ctx, p.ID, req.ConnectorId, "CSO", p); err != nil {
		log.Warn().Err(err).Int("profile_id", p.ID).Msg("station: charging profile rejected")
		return v16.SetChargingProfileResponse{Status: "Rejected"}, nil
	}
	return v16.SetChargingProfileResponse{Status: "Accepted"}, nil
}

func (s *Station) handleSetChargingProfileV201(action string, payload []byte) (any, error) {
	var req v201.SetChargingProfileRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	p, err := v201ProfileToInternal(req.ChargingProfile)
	if err != nil {
		return v201.SetChargingProfileResponse{Status: "Rejected", StatusInfo: &v201.StatusInfo{ReasonCode: "InvalidSchedule"}}, nil
	}
	if err := s.sc.Add(s.ctx, p.ID, req.EvseId, "CSO", p); err != nil {
		log.Warn().Err(err).Int("profile_id", p.ID).Msg("station: charging profile rejected")
		reason := "Rejected"
		var cerr *corterr.Error
		if corterr.As(err, &cerr) {
			reason = cerr.Reason
		}
		return v201.SetChargingProfileResponse{Status: "Rejected", StatusInfo: &v201.StatusInfo{ReasonCode: reason}}, nil
	}
	return v201.SetChargingProfileResponse{Status: "Accepted"}, nil
}

// compositeQuery assembles the schedule query for one EVSE over the next
// duration seconds.
func (s *Station) compositeQuery(evseID, durationS int, unit string) smartcharging.Query {
	now := time.Now().UTC()
	q := smartcharging.Query{
		EvseID:   evseID,
		Start:    now,
		End:      now.Add(time.Duration(durationS) * time.Second),
		RateUnit: smartcharging.RateUnit(unit),
		Now:      now,
	}
	if q.RateUnit == "" {
		q.RateUnit = smartcharging.RateUnitAmps
	}
	if txn, ok := s.txns.LiveOnEvse(evseID); ok {
		q.SessionStart = txn.StartTime
		id := txn.ID
		q.LiveTxID = &id
	}
	return q
}

func (s *Station) handleGetCompositeScheduleV16(action string, payload []byte) (any, error) {
	var req v16.GetCompositeScheduleRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	cs, err := s.sc.ComputeCompositeSchedule(s.ctx, s.compositeQuery(req.ConnectorId, req.Duration, req.ChargingRateUnit))
	if err != nil {
		return v16.GetCompositeScheduleResponse{Status: "Rejected"}, nil
	}
	return compositeToV16(cs, req.ConnectorId), nil
}

func (s *Station) handleGetCompositeScheduleV201(action string, payload []byte) (any, error) {
	var req v201.GetCompositeScheduleRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	cs, err := s.sc.ComputeCompositeSchedule(s.ctx, s.compositeQuery(req.EvseId, req.Duration, req.ChargingRateUnit))
	if err != nil {
		return v201.GetCompositeScheduleResponse{Status: "Rejected"}, nil
	}
	return compositeToV201(cs, req.EvseId), nil
}

func (s *Station) handleClearChargingProfileV16(action string, payload []byte) (any, error) {
	var req v16.ClearChargingProfileRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var f smartcharging.Filter
	if req.Id != 0 {
		id := req.Id
		f.ID = &id
	}
	if req.ChargingProfilePurpose != "" {
		p := smartcharging.Purpose(req.ChargingProfilePurpose)
		f.Purpose = &p
	}
	f.StackLevel = req.StackLevel
	f.EvseID = req.ConnectorId
	n, err := s.sc.ClearProfiles(s.ctx, f)
	if err != nil || n == 0 {
		return v16.ClearChargingProfileResponse{Status: "Unknown"}, nil
	}
	return v16.ClearChargingProfileResponse{Status: "Accepted"}, nil
}

func (s *Station) handleClearChargingProfileV201(action string, payload []byte) (any, error) {
	var req v201.ClearChargingProfileRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var f smartcharging.Filter
	if req.ChargingProfileId != 0 {
		id := req.ChargingProfileId
		f.ID = &id
	}
	if c := req.ChargingProfileCriteria; c != nil {
		if c.ChargingProfilePurpose != "" {
			p := smartcharging.Purpose(c.ChargingProfilePurpose)
			f.Purpose = &p
		}
		if c.StackLevel != 0 {
			sl := c.StackLevel
			f.StackLevel = &sl
		}
		if c.EvseId != 0 {
			e := c.EvseId
			f.EvseID = &e
		}
	}
	n, err := s.sc.ClearProfiles(s.ctx, f)
	if err != nil || n == 0 {
		return v201.ClearChargingProfileResponse{Status: "Unknown"}, nil
	}
	return v201.ClearChargingProfileResponse{Status: "Accepted"}, nil
}

func (s *Station) handleReserveNowV16(action string, payload []byte) (any, error) {
	var req v16.ReserveNowRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	expiry, err := time.Parse(time.RFC3339, req.ExpiryDate)
	if err != nil {
		return nil, corterr.New(corterr.KindProtocol, "bad expiryDate", err)
	}
	evseID := req.ConnectorId
	status, err := s.resv.ReserveNow(s.ctx, req.ReservationId, &evseID, nil, req.IdTag, expiry)
	if err != nil {
		return v16.ReserveNowResponse{Status: string(reservation.Rejected)}, nil
	}
	return v16.ReserveNowResponse{Status: string(status)}, nil
}

func (s *Station) handleReserveNowV201(action string, payload []byte) (any, error) {
	var req v201.ReserveNowRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	expiry, err := time.Parse(time.RFC3339, req.ExpiryDateTime)
	if err != nil {
		return nil, corterr.New(corterr.KindProtocol, "bad expiryDateTime", err)
	}
	var connType *string
	if req.ConnectorType != "" {
		connType = &req.ConnectorType
	}
	status, err := s.resv.ReserveNow(s.ctx, req.Id, req.EvseId, connType, req.IdToken.IdToken, expiry)
	if err != nil {
		return v201.ReserveNowResponse{Status: string(reservation.Rejected)}, nil
	}
	return v201.ReserveNowResponse{Status: string(status)}, nil
}

func (s *Station) handleCancelReservation(action string, payload []byte) (any, error) {
	var req struct {
		ReservationId int `json:"reservationId"`
	}
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	status := s.resv.CancelReservation(req.ReservationId)
	return map[string]string{"status": string(status)}, nil
}

func (s *Station) handleChangeAvailabilityV16(action string, payload []byte) (any, error) {
	var req v16.ChangeAvailabilityRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	status := state.Operative
	if req.Type == "Inoperative" {
		status = state.Inoperative
	}
	var evseID *int
	if req.ConnectorId != 0 {
		id := req.ConnectorId
		evseID = &id
	}
	scheduled, err := s.avail.ChangeAvailability(s.ctx, evseID, nil, status)
	if err != nil {
		return v16.ChangeAvailabilityResponse{Status: "Rejected"}, nil
	}
	if scheduled {
		return v16.ChangeAvailabilityResponse{Status: "Scheduled"}, nil
	}
	return v16.ChangeAvailabilityResponse{Status: "Accepted"}, nil
}

func (s *Station) handleChangeAvailabilityV201(action string, payload []byte) (any, error) {
	var req v201.ChangeAvailabilityRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	status := state.Operative
	if req.OperationalStatus == "Inoperative" {
		status = state.Inoperative
	}
	var evseID, connectorID *int
	if req.Evse != nil {
		evseID = &req.Evse.Id
		if req.Evse.ConnectorId != 0 {
			connectorID = &req.Evse.ConnectorId
		}
	}
	scheduled, err := s.avail.ChangeAvailability(s.ctx, evseID, connectorID, status)
	if err != nil {
		return v201.ChangeAvailabilityResponse{Status: "Rejected"}, nil
	}
	if scheduled {
		return v201.ChangeAvailabilityResponse{Status: "Scheduled"}, nil
	}
	return v201.ChangeAvailabilityResponse{Status: "Accepted"}, nil
}

func (s *Station) handleTriggerMessageV16(action string, payload []byte) (any, error) {
	var req v16.TriggerMessageRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return v16.TriggerMessageResponse{Status: s.trigger(req.RequestedMessage)}, nil
}

func (s *Station) handleTriggerMessageV201(action string, payload []byte) (any, error) {
	var req v201.TriggerMessageRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return v201.TriggerMessageResponse{Status: s.trigger(req.RequestedMessage)}, nil
}

func (s *Station) trigger(requested string) string {
	switch requested {
	case "Heartbeat":
		s.sendHeartbeat(true)
		return "Accepted"
	case "StatusNotification":
		s.st.SendStatusNotificationAllConnectors()
		return "Accepted"
	case "BootNotification":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, _, err := s.sendBootNotification(s.ctx); err != nil {
				log.Warn().Err(err).Msg("station: triggered BootNotification failed")
			}
		}()
		return "Accepted"
	case "MeterValues", "TransactionEvent":
		if s.opts.Hooks.ReadMeterWh == nil {
			return "Rejected"
		}
		s.sampleAllTransactions()
		return "Accepted"
	case "SignChargingStationCertificate", "SignCertificate":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			csr, err := s.sec.GenerateCSR(security.ChargingStationCertificate, s.opts.Identity.StationID, s.opts.Identity.Vendor)
			if err != nil {
				log.Error().Err(err).Msg("station: triggered CSR generation failed")
				return
			}
			if err := s.RequestSignCertificate(s.ctx, security.ChargingStationCertificate, csr); err != nil {
				log.Error().Err(err).Msg("station: triggered SignCertificate failed")
			}
		}()
		return "Accepted"
	default:
		return "NotImplemented"
	}
}

func (s *Station) handleCertificateSigned(action string, payload []byte) (any, error) {
	var req v201.CertificateSignedRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	use := security.ChargingStationCertificate
	if req.CertificateType == string(security.V2GCertificate) {
		use = security.V2GCertificate
	}
	if err := s.sec.InstallSignedCertificate(use, []byte(req.CertificateChain)); err != nil {
		log.Error().Err(err).Str("use", string(use)).Msg("station: certificate install rejected")
		return v201.CertificateSignedResponse{Status: "Rejected"}, nil
	}
	return v201.CertificateSignedResponse{Status: "Accepted"}, nil
}

func (s *Station) handleReset(action string, payload []byte) (any, error) {
	var req struct {
		Type string `json:"type"`
	}
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.txns.mu.Lock()
		var ids []string
		for id, txn := range s.txns.active {
			if txn.StopTime == nil {
				ids = append(ids, id)
			}
		}
		s.txns.mu.Unlock()
		for _, id := range ids {
			if err := s.txns.End(s.ctx, id, "Reboot"); err != nil {
				log.Error().Err(err).Str("transaction_id", id).Msg("station: stop before reset failed")
			}
		}
		if s.opts.Hooks.OnReset != nil {
			s.opts.Hooks.OnReset(req.Type)
		}
	}()
	return map[string]string{"status": "Accepted"}, nil
}

func (s *Station) handleDataTransfer(action string, payload []byte) (any, error) {
	return map[string]string{"status": "UnknownVendorId"}, nil
}

func (s *Station) handleChangeConfiguration(action string, payload []byte) (any, error) {
	var req v16.ChangeConfigurationRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	key, ok := splitConfigKey(req.Key)
	if !ok {
		return v16.ChangeConfigurationResponse{Status: "NotSupported"}, nil
	}
	def, found := s.lookupDefinition(key)
	if !found {
		return v16.ChangeConfigurationResponse{Status: "NotSupported"}, nil
	}
	value, err := coerceValue(def, req.Value)
	if err != nil {
		return v16.ChangeConfigurationResponse{Status: "Rejected"}, nil
	}
	if err := s.dm.Set(key, value); err != nil {
		return v16.ChangeConfigurationResponse{Status: "Rejected"}, nil
	}
	return v16.ChangeConfigurationResponse{Status: "Accepted"}, nil
}

func (s *Station) handleGetConfiguration(action string, payload []byte) (any, error) {
	var req v16.GetConfigurationRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var resp v16.GetConfigurationResponse
	if len(req.Key) == 0 {
		for _, def := range s.dm.Definitions() {
			resp.ConfigurationKey = append(resp.ConfigurationKey, s.configEntry(def))
		}
		return resp, nil
	}
	for _, flat := range req.Key {
		key, ok := splitConfigKey(flat)
		if !ok {
			resp.UnknownKey = append(resp.UnknownKey, flat)
			continue
		}
		def, found := s.lookupDefinition(key)
		if !found {
			resp.UnknownKey = append(resp.UnknownKey, flat)
			continue
		}
		resp.ConfigurationKey = append(resp.ConfigurationKey, s.configEntry(def))
	}
	return resp, nil
}

func (s *Station) handleGetVariables(action string, payload []byte) (any, error) {
	var req v201.GetVariablesRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var resp v201.GetVariablesResponse
	for _, d := range req.GetVariableData {
		key := devicemodel.Key{Component: d.Component.Name, Variable: d.Variable.Name}
		result := v201.GetVariableResult{Component: d.Component, Variable: d.Variable}
		if v, ok := s.dm.Get(key); ok {
			result.AttributeStatus = "Accepted"
			result.AttributeValue = renderValue(v)
		} else {
			result.AttributeStatus = "UnknownVariable"
		}
		resp.GetVariableResult = append(resp.GetVariableResult, result)
	}
	return resp, nil
}

func (s *Station) handleSetVariables(action string, payload []byte) (any, error) {
	var req v201.SetVariablesRequest
	if err := unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var resp v201.SetVariablesResponse
	for _, d := range req.SetVariableData {
		key := devicemodel.Key{Component: d.Component.Name, Variable: d.Variable.Name}
		result := v201.SetVariableResult{Component: d.Component, Variable: d.Variable}
		def, found := s.lookupDefinition(key)
		if !found {
			result.AttributeStatus = "UnknownVariable"
			resp.SetVariableResult = append(resp.SetVariableResult, result)
			continue
		}
		value, err := coerceValue(def, d.AttributeValue)
		if err != nil {
			result.AttributeStatus = "Rejected"
			resp.SetVariableResult = append(resp.SetVariableResult, result)
			continue
		}
		if err := s.dm.Set(key, value); err != nil {
			result.AttributeStatus = "Rejected"
		} else {
			result.AttributeStatus = "Accepted"
		}
		resp.SetVariableResult = append(resp.SetVariableResult, result)
	}
	return resp, nil
}

func (s *Station) lookupDefinition(key devicemodel.Key) (devicemodel.Definition, bool) {
	for _, def := range s.dm.Definitions() {
		if def.Key == key {
			return def, true
		}
	}
	return devicemodel.Definition{}, false
}

func (s *Station) configEntry(def devicemodel.Definition) v16.ConfigurationKey {
	v, _ := s.dm.Get(def.Key)
	return v16.ConfigurationKey{
		Key:      def.Key.Component + "." + def.Key.Variable,
		Readonly: def.Mutability == devicemodel.ReadOnly,
		Value:    renderValue(v),
	}
}
