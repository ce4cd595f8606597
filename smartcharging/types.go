// Package smartcharging stores charging profiles and composes the
// effective limit schedule: validated installation of profiles and
// computation of the point-in-time composite schedule from overlapping
// profiles at multiple stack levels. Profiles reference transactions
// and EVSEs by id, resolved at use.
package smartcharging

import "time"

// Purpose is the charging profile purpose.
type Purpose string

const (
	PurposeChargePointMax              Purpose = "ChargePointMaxProfile"
	PurposeTxDefault                   Purpose = "TxDefaultProfile"
	PurposeTxProfile                   Purpose = "TxProfile"
	PurposeChargingStationExternal     Purpose = "ChargingStationExternalConstraints"
	PurposePriorityCharging            Purpose = "PriorityCharging"
	PurposeLocalGeneration             Purpose = "LocalGeneration"
)

// Kind is the profile kind.
type Kind string

const (
	KindAbsolute  Kind = "Absolute"
	KindRecurring Kind = "Recurring"
	KindRelative  Kind = "Relative"
	KindDynamic   Kind = "Dynamic"
)

// Recurrency is the recurrency discriminator.
type Recurrency string

const (
	RecurrencyDaily  Recurrency = "Daily"
	RecurrencyWeekly Recurrency = "Weekly"
)

// RateUnit is the unit a schedule's limits are expressed in.
type RateUnit string

const (
	RateUnitAmps  RateUnit = "A"
	RateUnitWatts RateUnit = "W"
)

// Period is one entry of the schedule.periods.
type Period struct {
	StartPeriodS   int
	Limit          float64
	LimitL2        *float64
	LimitL3        *float64
	NumberPhases   *int
	PhaseToUse     *int
	OperationMode  string // OCPP 2.1 Dynamic kind
	Setpoint       *float64
	DischargeLimit *float64
	EvseSleep      bool
}

// Schedule is the embedded charging schedule.
type Schedule struct {
	RateUnit RateUnit
	Start    *time.Time
	Duration *time.Duration
	MinRate  *float64
	Periods  []Period
}

// Profile is the Charging profile.
type Profile struct {
	ID            int
	StackLevel    int
	Purpose       Purpose
	Kind          Kind
	Recurrency    *Recurrency
	ValidFrom     *time.Time
	ValidTo       *time.Time
	TransactionID *string
	Schedule      Schedule

	// UsesRandomizedDelay/UsesLimitAtSoC record whether the profile uses
	// these OCPP 2.1 features. Validation does not check them against the
	// device model, so such profiles are accepted regardless.
	UsesRandomizedDelay bool
	UsesLimitAtSoC      bool
}

// EvseID 0 denotes the station as a whole.
const StationWideEvseID = 0

// Entry is the internal Period entry: one profile + one
// occurrence + one period, resolved to absolute time.
type Entry struct {
	ProfileID    int
	StartAbs     time.Time
	EndAbs       time.Time
	Limit        float64
	NumberPhases *int
	PhaseToUse   *int
	StackLevel   int
	Purpose      Purpose
	RateUnit     RateUnit
	MinRate      *float64
}

// CompositePeriod is one entry of the returned composite schedule
//`).
type CompositePeriod struct {
	StartOffsetS int
	Limit        float64 // math.Inf(1) denotes "no limit"
	NumberPhases *int
}

// CompositeSchedule is the computed limit curve for one query window.
type CompositeSchedule struct {
	Start    time.Time
	Duration time.Duration
	RateUnit RateUnit
	Periods  []CompositePeriod
}
