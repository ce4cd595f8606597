package smartcharging

import "time"

// maxRecurringOccurrences bounds how many Recurring occurrences a single
// expansion considers, protecting against pathological schedule.start
// values far in the past.
const maxRecurringOccurrences = 64

// expandOccurrences returns the occurrence start times for a profile:
// the single start of a non-recurring profile, or the Recurring starts
// within [now-cycle, queryEnd].
func expandOccurrences(p Profile, sessionStart, now, queryEnd time.Time) []time.Time {
	switch p.Kind {
	case KindAbsolute:
		if p.Schedule.Start == nil {
			return nil
		}
		start := *p.Schedule.Start
		if p.ValidFrom != nil && p.ValidFrom.After(start) {
			start = *p.ValidFrom
		}
		return []time.Time{start}

	case KindRelative, KindDynamic:
		start := now
		if !sessionStart.IsZero() {
			start = sessionStart
		}
		return []time.Time{start}

	case KindRecurring:
		if p.Schedule.Start == nil || p.Recurrency == nil {
			return nil
		}
		var cycle time.Duration
		switch *p.Recurrency {
		case RecurrencyDaily:
			cycle = 24 * time.Hour
		case RecurrencyWeekly:
			cycle = 7 * 24 * time.Hour
		default:
			return nil
		}

		base := *p.Schedule.Start
		// Find the occurrence start closest to but not after queryEnd,
		// then walk backwards while still within [now-cycle, queryEnd].
		occStart := base
		if cycle > 0 {
			elapsed := queryEnd.Sub(base)
			if elapsed > 0 {
				steps := int64(elapsed / cycle)
				occStart = base.Add(time.Duration(steps) * cycle)
				for occStart.After(queryEnd) {
					occStart = occStart.Add(-cycle)
				}
			}
		}

		var occurrences []time.Time
		cursor := occStart
		lowerBound := now.Add(-cycle)
		for i := 0; i < maxRecurringOccurrences && !cursor.Before(lowerBound); i++ {
			if !cursor.After(queryEnd) {
				occurrences = append(occurrences, cursor)
			}
			cursor = cursor.Add(-cycle)
		}
		// Walked backwards; callers rely on ascending order to bound each
		// occurrence by the next one's start.
		for i, j := 0, len(occurrences)-1; i < j; i, j = i+1, j-1 {
			occurrences[i], occurrences[j] = occurrences[j], occurrences[i]
		}
		return occurrences

	default:
		return nil
	}
}

// expandProfile turns one profile into its absolute-time period
// entries. now/queryEnd bound the window of interest; sessionStart is
// the owning transaction's start time (zero value if none).
func expandProfile(p Profile, sessionStart, now, queryEnd time.Time) []Entry {
	occurrences := expandOccurrences(p, sessionStart, now, queryEnd)
	if len(occurrences) == 0 {
		return nil
	}

	var entries []Entry
	for occIdx, occStart := range occurrences {
		var nextOccStart *time.Time
		if occIdx+1 < len(occurrences) {
			t := occurrences[occIdx+1]
			if t.After(occStart) {
				nextOccStart = &t
			}
		}

		for i, period := range p.Schedule.Periods {
			periodStart := occStart.Add(time.Duration(period.StartPeriodS) * time.Second)

			end := queryEnd
			if i+1 < len(p.Schedule.Periods) {
				nextStart := occStart.Add(time.Duration(p.Schedule.Periods[i+1].StartPeriodS) * time.Second)
				if nextStart.Before(end) {
					end = nextStart
				}
			} else if nextOccStart != nil && nextOccStart.Before(end) {
				end = *nextOccStart
			}
			if p.Schedule.Duration != nil {
				durationEnd := occStart.Add(*p.Schedule.Duration)
				if durationEnd.Before(end) {
					end = durationEnd
				}
			}
			if p.ValidTo != nil && p.ValidTo.Before(end) {
				end = *p.ValidTo
			}

			if !end.After(periodStart) || !end.After(now) {
				continue
			}
			start := periodStart
			if start.Before(now) {
				start = now
			}

			entries = append(entries, Entry{
				ProfileID:    p.ID,
				StartAbs:     start,
				EndAbs:       end,
				Limit:        period.Limit,
				NumberPhases: period.NumberPhases,
				PhaseToUse:   period.PhaseToUse,
				StackLevel:   p.StackLevel,
				Purpose:      p.Purpose,
				RateUnit:     p.Schedule.RateUnit,
				MinRate:      p.Schedule.MinRate,
			})
		}
	}
	return entries
}
