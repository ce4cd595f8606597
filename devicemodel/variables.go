package devicemodel

// Well-known variable keys. Every tunable the core consumes is
// registered here exactly once and read through the Store, never
// hard-coded.
var (
	KeyTxMessageAttempts      = Key{"TxCtrlr", "TransactionMessageAttempts"}
	KeyTxMessageRetryInterval = Key{"TxCtrlr", "TransactionMessageRetryInterval"}
	KeyRetryBackOffRepeat     = Key{"OCPPCommCtrlr", "RetryBackOffRepeatTimes"}
	KeyRetryBackOffWaitMin    = Key{"OCPPCommCtrlr", "RetryBackOffWaitMinimum"}
	KeyRetryBackOffRandom     = Key{"OCPPCommCtrlr", "RetryBackOffRandomRange"}
	KeyMessageTimeout         = Key{"OCPPCommCtrlr", "MessageTimeout"}
	KeyHeartbeatInterval      = Key{"OCPPCommCtrlr", "HeartbeatInterval"}
	KeyMeterSampleInterval    = Key{"SampledDataCtrlr", "TxUpdatedInterval"}
	KeyMinSecurityProfile     = Key{"SecurityCtrlr", "MinSecurityProfile"}
	KeyCertificateExpiryCheck = Key{"SecurityCtrlr", "CertificateExpiryCheckInterval"}
	KeyCertExpiryThresholdDay = Key{"SecurityCtrlr", "CertificateExpiryThresholdDays"}
	KeyOCSPRefreshInterval    = Key{"SecurityCtrlr", "OCSPRequestInterval"}
	KeyAuthCacheEnabled       = Key{"AuthCacheCtrlr", "Enabled"}
	KeyAuthCacheStorage       = Key{"AuthCacheCtrlr", "Storage"}
	KeyLocalPreAuthorize      = Key{"AuthCtrlr", "LocalPreAuthorize"}
	KeyLocalAuthListEnabled   = Key{"LocalAuthListCtrlr", "Enabled"}
	KeyOfflineUnknownAuth     = Key{"AuthCtrlr", "OfflineTxForUnknownIdEnabled"}
	KeyChargingScheduleMaxPeriods = Key{"SmartChargingCtrlr", "MaxPeriods"}
	KeyChargingProfileMaxStack    = Key{"SmartChargingCtrlr", "ProfileStackLevel"}
	KeyChargingProfileMaxCount   = Key{"SmartChargingCtrlr", "ChargingProfileMaxInstalled"}
	KeyChargingProfileRateLimit  = Key{"SmartChargingCtrlr", "ChargingProfileUpdateRateLimit"}
	KeySupportedRateUnits        = Key{"SmartChargingCtrlr", "RateUnit"} // comma separated "A,W"
	KeySupplyVoltage             = Key{"SmartChargingCtrlr", "SupplyVoltage"}
	KeyMaxExternalConstraintsID  = Key{"SmartChargingCtrlr", "MaxExternalConstraintsId"}
	KeyDynamicProfileSupported   = Key{"SmartChargingCtrlr", "DynamicProfileSupported"}
	KeyPriorityChargingSupported = Key{"SmartChargingCtrlr", "PriorityChargingSupported"}
	KeyLocalGenerationSupported  = Key{"SmartChargingCtrlr", "LocalGenerationSupported"}
	KeyEntryConnectorTimeout     = Key{"OCPPCommCtrlr", "ConnectionTimeOut"}
	KeyReservationEnabled        = Key{"ReservationCtrlr", "Enabled"}
	KeyReservationNonEvseSpecific = Key{"ReservationCtrlr", "NonEvseSpecific"}
	KeyDrainGracePeriodSeconds   = Key{"OCPPCommCtrlr", "DrainGracePeriod"}
)
