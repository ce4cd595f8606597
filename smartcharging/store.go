package smartcharging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ocpp-core/station/corterr"
	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
)

// TransactionLookup answers "is there a live transaction with this id on
// this EVSE" for TxProfile validation. The
// queue/station packages own transaction lifecycle; smartcharging only
// consults it.
type TransactionLookup interface {
	LiveTransactionEvse(transactionID string) (evseID int, live bool)
}

// Store holds the in-memory profile arena (keyed by id)
// mirrored to the database, plus the validation/rate-limit state of
// profile installation.
type Store struct {
	mu       sync.Mutex
	profiles map[int]Profile
	evseOf   map[int]int // profile id -> evse id
	source   map[int]string

	lastAcceptedInsert time.Time

	dm   *devicemodel.Store
	dbh  *db.Handler
	txns TransactionLookup
}

func NewStore(dm *devicemodel.Store, dbh *db.Handler, txns TransactionLookup) *Store {
	return &Store{
		profiles: make(map[int]Profile),
		evseOf:   make(map[int]int),
		source:   make(map[int]string),
		dm:       dm,
		dbh:      dbh,
		txns:     txns,
	}
}

// Restore repopulates the arena from durable storage at boot.
func (s *Store) Restore(id, evseID int, source string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[id] = p
	s.evseOf[id] = evseID
	s.source[id] = source
}

// Filter selects profiles by any combination of id/purpose/stack-level/evse.
type Filter struct {
	ID         *int
	Purpose    *Purpose
	StackLevel *int
	EvseID     *int
}

func (f Filter) matches(id, evseID int, p Profile) bool {
	if f.ID != nil && *f.ID != id {
		return false
	}
	if f.Purpose != nil && *f.Purpose != p.Purpose {
		return false
	}
	if f.StackLevel != nil && *f.StackLevel != p.StackLevel {
		return false
	}
	if f.EvseID != nil && *f.EvseID != evseID {
		return false
	}
	return true
}

// ReportedProfile is get_reported_profiles' tagged result.
type ReportedProfile struct {
	Profile Profile
	EvseID  int
	Source  string
}

func (s *Store) GetReportedProfiles(filter Filter) []ReportedProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReportedProfile
	for id, p := range s.profiles {
		evseID := s.evseOf[id]
		if filter.matches(id, evseID, p) {
			out = append(out, ReportedProfile{Profile: p, EvseID: evseID, Source: s.source[id]})
		}
	}
	return out
}

// ClearProfiles removes matching profiles from the arena and the
// database.
func (s *Store) ClearProfiles(ctx context.Context, filter Filter) (int, error) {
	s.mu.Lock()
	var toDelete []int
	for id, p := range s.profiles {
		evseID := s.evseOf[id]
		if filter.matches(id, evseID, p) {
			toDelete = append(toDelete, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toDelete {
		if err := s.dbh.DeleteProfile(ctx, id); err != nil {
			return 0, err
		}
		s.mu.Lock()
		delete(s.profiles, id)
		delete(s.evseOf, id)
		delete(s.source, id)
		s.mu.Unlock()
	}
	return len(toDelete), nil
}

// Limits bundles the configured validation bounds read from the device
// model once per insert.
type Limits struct {
	MaxStackLevel          int
	MaxInstalledProfiles   int
	SupportedRateUnits     map[RateUnit]bool
	RateLimitMs            int64
	MaxExternalConstraints int
	DynamicKindSupported   bool
	PriorityChargingSupported bool
	LocalGenerationSupported  bool
}

func (s *Store) readLimits() Limits {
	unitStr := s.dm.GetString(devicemodel.KeySupportedRateUnits)
	units := map[RateUnit]bool{RateUnitAmps: true, RateUnitWatts: true}
	if unitStr != "" {
		units = map[RateUnit]bool{}
		for _, r := range []RateUnit{RateUnitAmps, RateUnitWatts} {
			if contains(unitStr, string(r)) {
				units[r] = true
			}
		}
	}
	return Limits{
		MaxStackLevel:             s.dm.GetInt(devicemodel.KeyChargingProfileMaxStack),
		MaxInstalledProfiles:      s.dm.GetInt(devicemodel.KeyChargingProfileMaxCount),
		SupportedRateUnits:        units,
		RateLimitMs:               int64(s.dm.GetInt(devicemodel.KeyChargingProfileRateLimit)),
		MaxExternalConstraints:    s.dm.GetInt(devicemodel.KeyMaxExternalConstraintsID),
		DynamicKindSupported:      s.dm.GetBool(devicemodel.KeyDynamicProfileSupported),
		PriorityChargingSupported: s.dm.GetBool(devicemodel.KeyPriorityChargingSupported),
		LocalGenerationSupported:  s.dm.GetBool(devicemodel.KeyLocalGenerationSupported),
	}
}

func contains(csv, needle string) bool {
	for i := 0; i+len(needle) <= len(csv); i++ {
		if csv[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Add validates and installs a profile. Returns a
// *corterr.Error with KindRejected and a diagnostic reason on failure.
func (s *Store) Add(ctx context.Context, id, evseID int, source string, p Profile) error {
	limits := s.readLimits()

	if err := s.validate(id, evseID, p, limits); err != nil {
		return err
	}

	s.mu.Lock()
	if limits.RateLimitMs > 0 && !s.lastAcceptedInsert.IsZero() {
		elapsed := time.Since(s.lastAcceptedInsert)
		if elapsed < time.Duration(limits.RateLimitMs)*time.Millisecond {
			s.mu.Unlock()
			return corterr.New(corterr.KindRejected, "ChargingProfileRateLimitExceeded", nil)
		}
	}

	// Tie-break: replace the existing profile with the same
	// (evse, stack_level, purpose) combination when that combination is
	// unique (TxProfile per transaction, TxDefaultProfile per EVSE,
	// ChargePointMaxProfile at EVSE 0).
	for existingID, existing := range s.profiles {
		if s.evseOf[existingID] != evseID {
			continue
		}
		if existing.Purpose != p.Purpose {
			continue
		}
		uniqueCombo := p.Purpose == PurposeTxDefault || p.Purpose == PurposeChargePointMax ||
			(p.Purpose == PurposeTxProfile && p.TransactionID != nil && existing.TransactionID != nil && *existing.TransactionID == *p.TransactionID)
		if uniqueCombo && existing.StackLevel == p.StackLevel {
			delete(s.profiles, existingID)
			delete(s.evseOf, existingID)
			delete(s.source, existingID)
		}
	}

	if limits.MaxInstalledProfiles > 0 && len(s.profiles) >= limits.MaxInstalledProfiles {
		if _, exists := s.profiles[id]; !exists {
			s.mu.Unlock()
			return corterr.New(corterr.KindRejected, "too many installed profiles", nil)
		}
	}

	s.profiles[id] = p
	s.evseOf[id] = evseID
	s.source[id] = source
	s.lastAcceptedInsert = time.Now()
	s.mu.Unlock()

	payload, err := json.Marshal(p)
	if err != nil {
		return corterr.New(corterr.KindStorage, "encode profile", err)
	}
	row := db.ProfileRow{ID: id, EvseID: evseID, Source: source, StackLevel: p.StackLevel, Purpose: string(p.Purpose), Payload: string(payload)}
	if err := s.dbh.UpsertProfile(ctx, row); err != nil {
		return err
	}
	return nil
}

// RestoreFromRows repopulates the arena from db.ProfileRow records loaded
// at boot.
func (s *Store) RestoreFromRows(rows []db.ProfileRow) error {
	for _, row := range rows {
		var p Profile
		if err := json.Unmarshal([]byte(row.Payload), &p); err != nil {
			return corterr.New(corterr.KindStorage, "decode persisted profile", err)
		}
		s.Restore(row.ID, row.EvseID, row.Source, p)
	}
	return nil
}

func (s *Store) validate(id, evseID int, p Profile, limits Limits) error {
	if p.Purpose == PurposeChargingStationExternal {
		return corterr.New(corterr.KindRejected, "ChargingStationExternalConstraints is read-only", nil)
	}
	if limits.MaxStackLevel > 0 && p.StackLevel > limits.MaxStackLevel {
		return corterr.New(corterr.KindRejected, "stack level exceeds configured maximum", nil)
	}
	if err := validatePeriods(p.Schedule.Periods); err != nil {
		return err
	}
	if p.Purpose == PurposeTxProfile {
		if p.TransactionID == nil {
			return corterr.New(corterr.KindRejected, "TxProfile requires a transaction id", nil)
		}
		liveEvse, live := s.txns.LiveTransactionEvse(*p.TransactionID)
		if !live || liveEvse != evseID {
			return corterr.New(corterr.KindRejected, "TxProfile must reference a live transaction on the named EVSE", nil)
		}
	}
	if p.Purpose == PurposeChargePointMax && evseID != StationWideEvseID {
		return corterr.New(corterr.KindRejected, "ChargePointMaxProfile must be bound to EVSE 0", nil)
	}
	switch p.Kind {
	case KindAbsolute:
		if p.Schedule.Start == nil {
			return corterr.New(corterr.KindRejected, "Absolute profile requires schedule.start", nil)
		}
	case KindRecurring:
		if p.Recurrency == nil || p.Schedule.Start == nil {
			return corterr.New(corterr.KindRejected, "Recurring profile requires recurrency and schedule.start", nil)
		}
	}
	if !limits.SupportedRateUnits[p.Schedule.RateUnit] {
		return corterr.New(corterr.KindRejected, fmt.Sprintf("rate unit %s is not supported", p.Schedule.RateUnit), nil)
	}
	if p.Kind == KindDynamic && !limits.DynamicKindSupported {
		return corterr.New(corterr.KindRejected, "Dynamic kind is not supported", nil)
	}
	if p.Purpose == PurposePriorityCharging && !limits.PriorityChargingSupported {
		return corterr.New(corterr.KindRejected, "PriorityCharging purpose is not supported", nil)
	}
	if p.Purpose == PurposeLocalGeneration && !limits.LocalGenerationSupported {
		return corterr.New(corterr.KindRejected, "LocalGeneration purpose is not supported", nil)
	}
	if limits.MaxExternalConstraints > 0 && id <= limits.MaxExternalConstraints {
		return corterr.New(corterr.KindRejected, "id must exceed MaxExternalConstraintsId", nil)
	}
	return nil
}

func validatePeriods(periods []Period) error {
	if len(periods) == 0 {
		return corterr.New(corterr.KindRejected, "schedule must contain at least one period", nil)
	}
	if periods[0].StartPeriodS != 0 {
		return corterr.New(corterr.KindRejected, "first period must start at 0", nil)
	}
	for i := 1; i < len(periods); i++ {
		if periods[i].StartPeriodS <= periods[i-1].StartPeriodS {
			return corterr.New(corterr.KindRejected, "periods must be strictly increasing in start_period_s", nil)
		}
	}
	return nil
}
