package smartcharging

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/devicemodel"
)

// Query is one composite-schedule request.
type Query struct {
	EvseID       int
	Start        time.Time
	End          time.Time
	RateUnit     RateUnit
	Now          time.Time // real current time, used for entry expansion
	SessionStart time.Time // owning transaction's start, zero if none
	LiveTxID     *string   // the transaction id active on EvseID, if any
}

// limitAt picks the entry with the highest stack level covering t.
// Returns ok=false for a gap (no entry covers t).
func limitAt(entries []Entry, t time.Time) (limit float64, phases *int, ok bool) {
	best := -1
	for i, e := range entries {
		if t.Before(e.StartAbs) || !t.Before(e.EndAbs) {
			continue
		}
		if best == -1 || e.StackLevel > entries[best].StackLevel {
			best = i
		}
	}
	if best == -1 {
		return 0, nil, false
	}
	return entries[best].Limit, entries[best].NumberPhases, true
}

func convert(limit float64, from, to RateUnit, voltage float64, phases int) float64 {
	if from == to {
		return limit
	}
	if from == RateUnitAmps && to == RateUnitWatts {
		return limit * voltage * float64(phases)
	}
	if from == RateUnitWatts && to == RateUnitAmps {
		if voltage == 0 || phases == 0 {
			return limit
		}
		return limit / (voltage * float64(phases))
	}
	return limit
}

func phasesOrDefault(p *int) int {
	if p == nil {
		return 3
	}
	return *p
}

// instantLimit composes the effective limit at one instant, per the
// purpose-class priority order.
func instantLimit(byPurpose map[Purpose][]Entry, t time.Time, targetUnit RateUnit, voltage float64, hasLiveTx bool) (limit float64, phases *int) {
	var candidates []candidate

	if cpMax, ph, ok := limitAt(byPurpose[PurposeChargePointMax], t); ok {
		candidates = append(candidates, candidate{convert(cpMax, rateUnitOf(byPurpose[PurposeChargePointMax], t), targetUnit, voltage, phasesOrDefault(ph)), ph})
	}
	if ext, ph, ok := limitAt(byPurpose[PurposeChargingStationExternal], t); ok {
		candidates = append(candidates, candidate{convert(ext, rateUnitOf(byPurpose[PurposeChargingStationExternal], t), targetUnit, voltage, phasesOrDefault(ph)), ph})
	}

	// TxProfile overrides TxDefaultProfile at the same instant when both
	// are present.
	if hasLiveTx {
		if tx, ph, ok := limitAt(byPurpose[PurposeTxProfile], t); ok {
			candidates = append(candidates, candidate{convert(tx, rateUnitOf(byPurpose[PurposeTxProfile], t), targetUnit, voltage, phasesOrDefault(ph)), ph})
			return minCandidate(candidates)
		}
	}
	if def, ph, ok := limitAt(byPurpose[PurposeTxDefault], t); ok {
		candidates = append(candidates, candidate{convert(def, rateUnitOf(byPurpose[PurposeTxDefault], t), targetUnit, voltage, phasesOrDefault(ph)), ph})
	}

	return minCandidate(candidates)
}

type candidate struct {
	value  float64
	phases *int
}

func minCandidate(candidates []candidate) (float64, *int) {
	if len(candidates) == 0 {
		return math.Inf(1), nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.value < best.value {
			best = c
		}
	}
	// The output phase count is the smallest one any composing source
	// specifies at this instant.
	var phases *int
	for _, c := range candidates {
		if c.phases != nil && (phases == nil || *c.phases < *phases) {
			phases = c.phases
		}
	}
	return best.value, phases
}

// rateUnitOf returns the RateUnit of whichever entry in entries covers t
// (all entries in one purpose class share the same RateUnit per profile
// in practice; this picks the covering one for correctness).
func rateUnitOf(entries []Entry, t time.Time) RateUnit {
	for _, e := range entries {
		if !t.Before(e.StartAbs) && t.Before(e.EndAbs) {
			return e.RateUnit
		}
	}
	return RateUnitAmps
}

// ComputeCompositeSchedule expands every applicable profile, then
// composes the piecewise-constant effective limit over
// [Query.Start, Query.End).
func (s *Store) ComputeCompositeSchedule(ctx context.Context, q Query) (CompositeSchedule, error) {
	if q.End.Before(q.Start) || q.End.Equal(q.Start) {
		return CompositeSchedule{}, corterr.New(corterr.KindRejected, "end must be after start", nil)
	}

	s.mu.Lock()
	var applicable []Profile
	for id, p := range s.profiles {
		evseID := s.evseOf[id]
		if evseID == q.EvseID || (p.Purpose == PurposeChargePointMax && evseID == StationWideEvseID) {
			applicable = append(applicable, p)
		}
	}
	s.mu.Unlock()

	byPurpose := make(map[Purpose][]Entry)
	for _, p := range applicable {
		entries := expandProfile(p, q.SessionStart, q.Now, q.End)
		byPurpose[p.Purpose] = append(byPurpose[p.Purpose], entries...)
	}

	hasLiveTx := q.LiveTxID != nil
	voltage := s.dm.GetFloat(devicemodel.KeySupplyVoltage)
	if voltage == 0 {
		voltage = 230
	}

	breakpoints := collectBreakpoints(byPurpose, q.Start, q.End)

	var periods []CompositePeriod
	for i := 0; i < len(breakpoints)-1; i++ {
		segStart := breakpoints[i]
		segEnd := breakpoints[i+1]
		mid := segStart.Add(segEnd.Sub(segStart) / 2)

		limit, phases := instantLimit(byPurpose, mid, q.RateUnit, voltage, hasLiveTx)

		offset := int(segStart.Sub(q.Start).Seconds())
		if len(periods) > 0 {
			last := &periods[len(periods)-1]
			if last.Limit == limit && phasesEqual(last.NumberPhases, phases) {
				continue // merge with previous period
			}
		}
		periods = append(periods, CompositePeriod{StartOffsetS: offset, Limit: limit, NumberPhases: phases})
	}

	return CompositeSchedule{Start: q.Start, Duration: q.End.Sub(q.Start), RateUnit: q.RateUnit, Periods: periods}, nil
}

func phasesEqual(a, b *int) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// collectBreakpoints gathers every entry boundary within [start, end],
// plus start and end themselves, sorted and de-duplicated.
func collectBreakpoints(byPurpose map[Purpose][]Entry, start, end time.Time) []time.Time {
	set := map[int64]time.Time{start.Unix(): start, end.Unix(): end}
	for _, entries := range byPurpose {
		for _, e := range entries {
			if e.StartAbs.After(start) && e.StartAbs.Before(end) {
				set[e.StartAbs.Unix()] = e.StartAbs
			}
			if e.EndAbs.After(start) && e.EndAbs.Before(end) {
				set[e.EndAbs.Unix()] = e.EndAbs
			}
		}
	}
	out := make([]time.Time, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
