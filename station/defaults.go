package station

import "github.com/ocpp-core/station/devicemodel"

// registerDefaults declares every variable the core consumes, with its
// type, mutability, persistence, and default value. Host overrides and
// persisted values are applied on top.
func registerDefaults(dm *devicemodel.Store) {
	defs := []devicemodel.Definition{
		{Key: devicemodel.KeyTxMessageAttempts, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 5},
		{Key: devicemodel.KeyTxMessageRetryInterval, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 10},
		{Key: devicemodel.KeyRetryBackOffRepeat, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 3},
		{Key: devicemodel.KeyRetryBackOffWaitMin, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 1000},
		{Key: devicemodel.KeyRetryBackOffRandom, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 500},
		{Key: devicemodel.KeyMessageTimeout, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 30_000},
		{Key: devicemodel.KeyHeartbeatInterval, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 300},
		{Key: devicemodel.KeyMeterSampleInterval, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 60},
		{Key: devicemodel.KeyMinSecurityProfile, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadOnly, Persist: true, Default: 1},
		{Key: devicemodel.KeyCertificateExpiryCheck, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 43_200},
		{Key: devicemodel.KeyCertExpiryThresholdDay, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 30},
		{Key: devicemodel.KeyOCSPRefreshInterval, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 86_400},
		{Key: devicemodel.KeyAuthCacheEnabled, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadWrite, Persist: true, Default: true},
		{Key: devicemodel.KeyAuthCacheStorage, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 1 << 20},
		{Key: devicemodel.KeyLocalPreAuthorize, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadWrite, Persist: true, Default: true},
		{Key: devicemodel.KeyLocalAuthListEnabled, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadWrite, Persist: true, Default: true},
		{Key: devicemodel.KeyOfflineUnknownAuth, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadWrite, Persist: true, Default: false},
		{Key: devicemodel.KeyChargingScheduleMaxPeriods, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadOnly, Persist: false, Default: 1024},
		{Key: devicemodel.KeyChargingProfileMaxStack, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadOnly, Persist: false, Default: 10},
		{Key: devicemodel.KeyChargingProfileMaxCount, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadOnly, Persist: false, Default: 64},
		{Key: devicemodel.KeyChargingProfileRateLimit, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 0},
		{Key: devicemodel.KeySupportedRateUnits, Kind: devicemodel.KindString, Mutability: devicemodel.ReadOnly, Persist: false, Default: "A,W"},
		{Key: devicemodel.KeySupplyVoltage, Kind: devicemodel.KindFloat, Mutability: devicemodel.ReadOnly, Persist: false, Default: 230.0},
		{Key: devicemodel.KeyMaxExternalConstraintsID, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadOnly, Persist: false, Default: 0},
		{Key: devicemodel.KeyDynamicProfileSupported, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadOnly, Persist: false, Default: false},
		{Key: devicemodel.KeyPriorityChargingSupported, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadOnly, Persist: false, Default: false},
		{Key: devicemodel.KeyLocalGenerationSupported, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadOnly, Persist: false, Default: false},
		{Key: devicemodel.KeyEntryConnectorTimeout, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 60},
		{Key: devicemodel.KeyReservationEnabled, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadWrite, Persist: true, Default: true},
		{Key: devicemodel.KeyReservationNonEvseSpecific, Kind: devicemodel.KindBool, Mutability: devicemodel.ReadWrite, Persist: true, Default: false},
		{Key: devicemodel.KeyDrainGracePeriodSeconds, Kind: devicemodel.KindInt, Mutability: devicemodel.ReadWrite, Persist: true, Default: 5},
	}
	for _, d := range defs {
		dm.Register(d)
	}
}
