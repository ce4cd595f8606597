package station

import (
	"fmt"
	"math"
	"time"

	"github.com/ocpp-core/station/smartcharging"
	v16 "github.com/ocpp-core/station/ocpp/v16"
	v201 "github.com/ocpp-core/station/ocpp/v201"
)

// Limits substituted for the no-limit sentinel when a composite schedule
// is rendered to the wire: a gap in the profile stack means "charge at
// hardware maximum", and the wire format has no way to say infinity.
const (
	noLimitAmps  = 48.0
	noLimitWatts = 33120.0
)

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return &t, nil
}

func v16ProfileToInternal(w v16.ChargingProfile) (smartcharging.Profile, error) {
	p := smartcharging.Profile{
		ID:         w.ChargingProfileId,
		StackLevel: w.StackLevel,
		Purpose:    smartcharging.Purpose(w.ChargingProfilePurpose),
		Kind:       smartcharging.Kind(w.ChargingProfileKind),
	}
	if w.RecurrencyKind != "" {
		r := smartcharging.Recurrency(w.RecurrencyKind)
		p.Recurrency = &r
	}
	var err error
	if p.ValidFrom, err = parseTimePtr(w.ValidFrom); err != nil {
		return p, err
	}
	if p.ValidTo, err = parseTimePtr(w.ValidTo); err != nil {
		return p, err
	}
	if w.TransactionId != 0 {
		id := fmt.Sprintf("%d", w.TransactionId)
		p.TransactionID = &id
	}
	if w.ChargingSchedule == nil {
		return p, fmt.Errorf("missing chargingSchedule")
	}
	sched := smartcharging.Schedule{
		RateUnit: smartcharging.RateUnit(w.ChargingSchedule.ChargingRateUnit),
	}
	if sched.Start, err = parseTimePtr(w.ChargingSchedule.StartSchedule); err != nil {
		return p, err
	}
	if w.ChargingSchedule.Duration > 0 {
		d := time.Duration(w.ChargingSchedule.Duration) * time.Second
		sched.Duration = &d
	}
	if w.ChargingSchedule.MinChargingRate > 0 {
		m := w.ChargingSchedule.MinChargingRate
		sched.MinRate = &m
	}
	for _, wp := range w.ChargingSchedule.ChargingSchedulePeriod {
		period := smartcharging.Period{StartPeriodS: wp.StartPeriod, Limit: wp.Limit}
		if wp.NumberPhases > 0 {
			n := wp.NumberPhases
			period.NumberPhases = &n
		}
		sched.Periods = append(sched.Periods, period)
	}
	p.Schedule = sched
	return p, nil
}

func v201ProfileToInternal(w v201.ChargingProfile) (smartcharging.Profile, error) {
	p := smartcharging.Profile{
		ID:         w.Id,
		StackLevel: w.StackLevel,
		Purpose:    smartcharging.Purpose(w.ChargingProfilePurpose),
		Kind:       smartcharging.Kind(w.ChargingProfileKind),
	}
	if w.RecurrencyKind != "" {
		r := smartcharging.Recurrency(w.RecurrencyKind)
		p.Recurrency = &r
	}
	var err error
	if p.ValidFrom, err = parseTimePtr(w.ValidFrom); err != nil {
		return p, err
	}
	if p.ValidTo, err = parseTimePtr(w.ValidTo); err != nil {
		return p, err
	}
	if w.TransactionId != "" {
		id := w.TransactionId
		p.TransactionID = &id
	}
	if len(w.ChargingSchedule) == 0 {
		return p, fmt.Errorf("missing chargingSchedule")
	}
	ws := w.ChargingSchedule[0]
	sched := smartcharging.Schedule{RateUnit: smartcharging.RateUnit(ws.ChargingRateUnit)}
	if sched.Start, err = parseTimePtr(ws.StartSchedule); err != nil {
		return p, err
	}
	if ws.Duration > 0 {
		d := time.Duration(ws.Duration) * time.Second
		sched.Duration = &d
	}
	if ws.MinChargingRate > 0 {
		m := ws.MinChargingRate
		sched.MinRate = &m
	}
	for _, wp := range ws.ChargingSchedulePeriod {
		period := smartcharging.Period{
			StartPeriodS:   wp.StartPeriod,
			Limit:          wp.Limit,
			OperationMode:  wp.OperationMode,
			Setpoint:       wp.Setpoint,
			DischargeLimit: wp.DischargeLimit,
			EvseSleep:      wp.EvseSleep,
		}
		if wp.NumberPhases > 0 {
			n := wp.NumberPhases
			period.NumberPhases = &n
		}
		if wp.PhaseToUse > 0 {
			n := wp.PhaseToUse
			period.PhaseToUse = &n
		}
		sched.Periods = append(sched.Periods, period)
	}
	p.Schedule = sched
	return p, nil
}

func clampNoLimit(limit float64, unit smartcharging.RateUnit) float64 {
	if !math.IsInf(limit, 1) {
		return limit
	}
	if unit == smartcharging.RateUnitWatts {
		return noLimitWatts
	}
	return noLimitAmps
}

func compositeToV16(cs smartcharging.CompositeSchedule, connectorID int) v16.GetCompositeScheduleResponse {
	sched := &v16.ChargingSchedule{
		Duration:         int(cs.Duration / time.Second),
		StartSchedule:    cs.Start.Format(time.RFC3339),
		ChargingRateUnit: string(cs.RateUnit),
	}
	for _, p := range cs.Periods {
		wp := v16.ChargingSchedulePeriod{
			StartPeriod: p.StartOffsetS,
			Limit:       clampNoLimit(p.Limit, cs.RateUnit),
		}
		if p.NumberPhases != nil {
			wp.NumberPhases = *p.NumberPhases
		}
		sched.ChargingSchedulePeriod = append(sched.ChargingSchedulePeriod, wp)
	}
	return v16.GetCompositeScheduleResponse{
		Status:           "Accepted",
		ConnectorId:      connectorID,
		ScheduleStart:    cs.Start.Format(time.RFC3339),
		ChargingSchedule: sched,
	}
}

func compositeToV201(cs smartcharging.CompositeSchedule, evseID int) v201.GetCompositeScheduleResponse {
	wire := &v201.CompositeScheduleWire{
		EvseId:           evseID,
		Duration:         int(cs.Duration / time.Second),
		ScheduleStart:    cs.Start.Format(time.RFC3339),
		ChargingRateUnit: string(cs.RateUnit),
	}
	for _, p := range cs.Periods {
		wp := v201.ChargingSchedulePeriod{
			StartPeriod: p.StartOffsetS,
			Limit:       clampNoLimit(p.Limit, cs.RateUnit),
		}
		if p.NumberPhases != nil {
			wp.NumberPhases = *p.NumberPhases
		}
		wire.ChargingSchedulePeriod = append(wire.ChargingSchedulePeriod, wp)
	}
	return v201.GetCompositeScheduleResponse{Status: "Accepted", Schedule: wire}
}
