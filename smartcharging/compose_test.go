package smartcharging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var composeT0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TestComposeStackedTxProfiles: a TxDefaultProfile
// at stack level 1 and a TxProfile at stack level 2 starting 10 minutes
// later compose into three periods over a 30-minute window.
func TestComposeStackedTxProfiles(t *testing.T) {
	s := newTestStore(t, fakeTxLookup{live: map[string]int{"tx-1": 1}})
	txID := "tx-1"

	txDefaultStart := composeT0
	require.NoError(t, s.Add(context.Background(), 1, 1, "CSMS", Profile{
		ID: 1, StackLevel: 1, Purpose: PurposeTxDefault, Kind: KindAbsolute,
		Schedule: Schedule{RateUnit: RateUnitAmps, Start: &txDefaultStart, Periods: []Period{
			{StartPeriodS: 0, Limit: 32},
		}},
	}))

	txProfileStart := composeT0.Add(10 * time.Minute)
	require.NoError(t, s.Add(context.Background(), 2, 1, "CSMS", Profile{
		ID: 2, StackLevel: 2, Purpose: PurposeTxProfile, Kind: KindAbsolute, TransactionID: &txID,
		Schedule: Schedule{RateUnit: RateUnitAmps, Start: &txProfileStart, Periods: []Period{
			{StartPeriodS: 0, Limit: 16},
			{StartPeriodS: 600, Limit: 24},
		}},
	}))

	sched, err := s.ComputeCompositeSchedule(context.Background(), Query{
		EvseID: 1, Start: composeT0, End: composeT0.Add(30 * time.Minute),
		RateUnit: RateUnitAmps, Now: composeT0, LiveTxID: &txID,
	})
	require.NoError(t, err)
	require.Len(t, sched.Periods, 3)
	require.Equal(t, 0, sched.Periods[0].StartOffsetS)
	require.Equal(t, float64(32), sched.Periods[0].Limit)
	require.Equal(t, 600, sched.Periods[1].StartOffsetS)
	require.Equal(t, float64(16), sched.Periods[1].Limit)
	require.Equal(t, 1200, sched.Periods[2].StartOffsetS)
	require.Equal(t, float64(24), sched.Periods[2].Limit)
}

// TestComposeProbeGrid: probe 100
// timestamps across the query window and check each against an
// independently computed expectation.
func TestComposeProbeGrid(t *testing.T) {
	s := newTestStore(t, fakeTxLookup{live: map[string]int{"tx-1": 1}})
	txID := "tx-1"

	cpMaxStart := composeT0
	require.NoError(t, s.Add(context.Background(), 1, StationWideEvseID, "CSMS", Profile{
		ID: 1, StackLevel: 0, Purpose: PurposeChargePointMax, Kind: KindAbsolute,
		Schedule: Schedule{RateUnit: RateUnitAmps, Start: &cpMaxStart, Periods: []Period{
			{StartPeriodS: 0, Limit: 50},
		}},
	}))

	txDefaultStart := composeT0
	require.NoError(t, s.Add(context.Background(), 2, 1, "CSMS", Profile{
		ID: 2, StackLevel: 1, Purpose: PurposeTxDefault, Kind: KindAbsolute,
		Schedule: Schedule{RateUnit: RateUnitAmps, Start: &txDefaultStart, Periods: []Period{
			{StartPeriodS: 0, Limit: 32},
		}},
	}))

	txStart := composeT0.Add(200 * time.Second)
	txEnd := composeT0.Add(1000 * time.Second)
	require.NoError(t, s.Add(context.Background(), 3, 1, "CSMS", Profile{
		ID: 3, StackLevel: 2, Purpose: PurposeTxProfile, Kind: KindAbsolute, TransactionID: &txID,
		ValidTo: &txEnd,
		Schedule: Schedule{RateUnit: RateUnitAmps, Start: &txStart, Periods: []Period{
			{StartPeriodS: 0, Limit: 10},
		}},
	}))

	queryEnd := composeT0.Add(30 * time.Minute)
	sched, err := s.ComputeCompositeSchedule(context.Background(), Query{
		EvseID: 1, Start: composeT0, End: queryEnd,
		RateUnit: RateUnitAmps, Now: composeT0, LiveTxID: &txID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sched.Periods)

	limitAtOffset := func(offsetS int) float64 {
		best := sched.Periods[0]
		for _, p := range sched.Periods {
			if p.StartOffsetS <= offsetS {
				best = p
			}
		}
		return best.Limit
	}

	for i := 0; i < 100; i++ {
		offset := i * 18 // 1800s window / 100 samples
		var want float64
		if offset >= 200 && offset < 1000 {
			want = 10
		} else {
			want = 32
		}
		got := limitAtOffset(offset)
		require.Equalf(t, want, got, "offset=%ds", offset)
	}
}
