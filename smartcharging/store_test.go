package smartcharging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
)

type fakeTxLookup struct {
	live map[string]int
}

func (f fakeTxLookup) LiveTransactionEvse(id string) (int, bool) {
	evse, ok := f.live[id]
	return evse, ok
}

func newTestStore(t *testing.T, txns TransactionLookup) *Store {
	t.Helper()
	dir := t.TempDir()
	h, err := db.Open(filepath.Join(dir, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	dm := devicemodel.New()
	if txns == nil {
		txns = fakeTxLookup{live: map[string]int{}}
	}
	return NewStore(dm, h, txns)
}

func absoluteProfile(id, stackLevel int, start time.Time, periods []Period) Profile {
	return Profile{
		ID:         id,
		StackLevel: stackLevel,
		Purpose:    PurposeTxDefault,
		Kind:       KindAbsolute,
		Schedule:   Schedule{RateUnit: RateUnitAmps, Start: &start, Periods: periods},
	}
}

func TestAddRejectsNonIncreasingPeriods(t *testing.T) {
	s := newTestStore(t, nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := absoluteProfile(1, 0, start, []Period{{StartPeriodS: 0, Limit: 16}, {StartPeriodS: 0, Limit: 32}})
	err := s.Add(context.Background(), 1, 1, "CSMS", p)
	require.Error(t, err)
}

func TestAddTxProfileRequiresLiveTransaction(t *testing.T) {
	s := newTestStore(t, fakeTxLookup{live: map[string]int{"tx-1": 1}})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txID := "tx-2"
	p := Profile{
		ID: 2, StackLevel: 1, Purpose: PurposeTxProfile, Kind: KindAbsolute,
		TransactionID: &txID,
		Schedule:      Schedule{RateUnit: RateUnitAmps, Start: &start, Periods: []Period{{StartPeriodS: 0, Limit: 16}}},
	}
	err := s.Add(context.Background(), 2, 1, "CSMS", p)
	require.Error(t, err)

	txID2 := "tx-1"
	p.TransactionID = &txID2
	require.NoError(t, s.Add(context.Background(), 2, 1, "CSMS", p))
}

func TestAddChargePointMaxMustBindEvseZero(t *testing.T) {
	s := newTestStore(t, nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Profile{
		ID: 3, StackLevel: 0, Purpose: PurposeChargePointMax, Kind: KindAbsolute,
		Schedule: Schedule{RateUnit: RateUnitAmps, Start: &start, Periods: []Period{{StartPeriodS: 0, Limit: 32}}},
	}
	require.Error(t, s.Add(context.Background(), 3, 1, "CSMS", p))
	require.NoError(t, s.Add(context.Background(), 3, StationWideEvseID, "CSMS", p))
}

// TestAddRateLimitExceeded: two accepted
// inserts must be separated by at least the configured rate limit, else
// the second is rejected with ChargingProfileRateLimitExceeded.
func TestAddRateLimitExceeded(t *testing.T) {
	s := newTestStore(t, nil)
	s.dm.Register(devicemodel.Definition{Key: devicemodel.KeyChargingProfileRateLimit, Kind: devicemodel.KindInt, Default: 3600_000})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p1 := absoluteProfile(10, 0, start, []Period{{StartPeriodS: 0, Limit: 16}})
	require.NoError(t, s.Add(context.Background(), 10, 1, "CSMS", p1))

	p2 := absoluteProfile(11, 0, start, []Period{{StartPeriodS: 0, Limit: 20}})
	err := s.Add(context.Background(), 11, 1, "CSMS", p2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ChargingProfileRateLimitExceeded")
}

func TestClearProfilesByFilter(t *testing.T) {
	s := newTestStore(t, nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := absoluteProfile(20, 0, start, []Period{{StartPeriodS: 0, Limit: 16}})
	require.NoError(t, s.Add(context.Background(), 20, 1, "CSMS", p))

	id := 20
	n, err := s.ClearProfiles(context.Background(), Filter{ID: &id})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, s.GetReportedProfiles(Filter{}))
}
