// Package v201 declares the OCPP 2.0.1/2.1 action names and payload
// structs the station originates or answers. Frame encoding/decoding
// lives in the envelope package; this package is data shapes only.
package v201

// OCPP 2.0.1/2.1 Actions
const (
	ActionAuthorize                 = "Authorize"
	ActionBootNotification          = "BootNotification"
	ActionCancelReservation         = "CancelReservation"
	ActionCertificateSigned         = "CertificateSigned"
	ActionChangeAvailability        = "ChangeAvailability"
	ActionClearChargingProfile      = "ClearChargingProfile"
	ActionDataTransfer              = "DataTransfer"
	ActionGetCompositeSchedule      = "GetCompositeSchedule"
	ActionGetVariables              = "GetVariables"
	ActionHeartbeat                 = "Heartbeat"
	ActionMeterValues               = "MeterValues"
	ActionRequestStartTransaction   = "RequestStartTransaction"
	ActionRequestStopTransaction    = "RequestStopTransaction"
	ActionReservationStatusUpdate   = "ReservationStatusUpdate"
	ActionReserveNow                = "ReserveNow"
	ActionReset                     = "Reset"
	ActionSecurityEventNotification = "SecurityEventNotification"
	ActionSetChargingProfile        = "SetChargingProfile"
	ActionSetVariables              = "SetVariables"
	ActionSignCertificate           = "SignCertificate"
	ActionStatusNotification        = "StatusNotification"
	ActionTransactionEvent          = "TransactionEvent"
	ActionTriggerMessage            = "TriggerMessage"
)

// ConnectorStatus represents the status of a connector in OCPP 2.0.1
type ConnectorStatus string

const (
	ConnectorStatusAvailable   ConnectorStatus = "Available"
	ConnectorStatusOccupied    ConnectorStatus = "Occupied"
	ConnectorStatusReserved    ConnectorStatus = "Reserved"
	ConnectorStatusUnavailable ConnectorStatus = "Unavailable"
	ConnectorStatusFaulted     ConnectorStatus = "Faulted"
)

// RegistrationStatus represents the registration status
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// TransactionEventType represents the type of transaction event
type TransactionEventType string

const (
	TransactionEventStarted TransactionEventType = "Started"
	TransactionEventUpdated TransactionEventType = "Updated"
	TransactionEventEnded   TransactionEventType = "Ended"
)

// TriggerReason represents the reason for a transaction event
type TriggerReason string

const (
	TriggerReasonAuthorized           TriggerReason = "Authorized"
	TriggerReasonCablePluggedIn       TriggerReason = "CablePluggedIn"
	TriggerReasonChargingRateChanged  TriggerReason = "ChargingRateChanged"
	TriggerReasonChargingStateChanged TriggerReason = "ChargingStateChanged"
	TriggerReasonDeauthorized         TriggerReason = "Deauthorized"
	TriggerReasonEnergyLimitReached   TriggerReason = "EnergyLimitReached"
	TriggerReasonEVCommunicationLost  TriggerReason = "EVCommunicationLost"
	TriggerReasonEVConnectTimeout     TriggerReason = "EVConnectTimeout"
	TriggerReasonMeterValueClock      TriggerReason = "MeterValueClock"
	TriggerReasonMeterValuePeriodic   TriggerReason = "MeterValuePeriodic"
	TriggerReasonTimeLimitReached     TriggerReason = "TimeLimitReached"
	TriggerReasonTrigger              TriggerReason = "Trigger"
	TriggerReasonUnlockCommand        TriggerReason = "UnlockCommand"
	TriggerReasonStopAuthorized       TriggerReason = "StopAuthorized"
	TriggerReasonEVDeparted           TriggerReason = "EVDeparted"
	TriggerReasonEVDetected           TriggerReason = "EVDetected"
	TriggerReasonRemoteStart          TriggerReason = "RemoteStart"
	TriggerReasonRemoteStop           TriggerReason = "RemoteStop"
	TriggerReasonAbnormalCondition    TriggerReason = "AbnormalCondition"
	TriggerReasonSignedDataReceived   TriggerReason = "SignedDataReceived"
	TriggerReasonResetCommand         TriggerReason = "ResetCommand"
)

// ChargingState represents the charging state
type ChargingState string

const (
	ChargingStateCharging      ChargingState = "Charging"
	ChargingStateEVConnected   ChargingState = "EVConnected"
	ChargingStateSuspendedEV   ChargingState = "SuspendedEV"
	ChargingStateSuspendedEVSE ChargingState = "SuspendedEVSE"
	ChargingStateIdle          ChargingState = "Idle"
)

// ChargingStation represents a charging station
type ChargingStation struct {
	SerialNumber    string `json:"serialNumber,omitempty"`
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
	Modem           *Modem `json:"modem,omitempty"`
}

// Modem represents modem information
type Modem struct {
	Iccid string `json:"iccid,omitempty"`
	Imsi  string `json:"imsi,omitempty"`
}

// BootNotificationRequest is the request for BootNotification
type BootNotificationRequest struct {
	Reason          string          `json:"reason"`
	ChargingStation ChargingStation `json:"chargingStation"`
}

// BootNotificationResponse is the response for BootNotification
type BootNotificationResponse struct {
	CurrentTime string             `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
	StatusInfo  *StatusInfo        `json:"statusInfo,omitempty"`
}

// StatusInfo provides additional status information
type StatusInfo struct {
	ReasonCode     string `json:"reasonCode"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

// StatusNotificationRequest is the request for StatusNotification
type StatusNotificationRequest struct {
	Timestamp       string          `json:"timestamp"`
	ConnectorStatus ConnectorStatus `json:"connectorStatus"`
	EvseId          int             `json:"evseId"`
	ConnectorId     int             `json:"connectorId"`
}

// StatusNotificationResponse is the response for StatusNotification
type StatusNotificationResponse struct{}

// EVSE represents an EVSE
type EVSE struct {
	Id          int `json:"id"`
	ConnectorId int `json:"connectorId,omitempty"`
}

// IdToken represents an ID token
type IdToken struct {
	IdToken string `json:"idToken"`
	Type    string `json:"type"`
}

// IdTokenInfo contains authorization information
type IdTokenInfo struct {
	Status              string          `json:"status"`
	CacheExpiryDateTime string          `json:"cacheExpiryDateTime,omitempty"`
	ChargingPriority    int             `json:"chargingPriority,omitempty"`
	Language1           string          `json:"language1,omitempty"`
	Language2           string          `json:"language2,omitempty"`
	GroupIdToken        *IdToken        `json:"groupIdToken,omitempty"`
	PersonalMessage     *MessageContent `json:"personalMessage,omitempty"`
}

// MessageContent represents a message
type MessageContent struct {
	Format   string `json:"format"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// AuthorizeRequest is the request for Authorize
type AuthorizeRequest struct {
	IdToken                     IdToken `json:"idToken"`
	Certificate                 string  `json:"certificate,omitempty"`
	Iso15118CertificateHashData string  `json:"iso15118CertificateHashData,omitempty"`
}

// AuthorizeResponse is the response for Authorize
type AuthorizeResponse struct {
	IdTokenInfo       IdTokenInfo `json:"idTokenInfo"`
	CertificateStatus string      `json:"certificateStatus,omitempty"`
}

// Transaction represents a transaction
type Transaction struct {
	TransactionId     string        `json:"transactionId"`
	ChargingState     ChargingState `json:"chargingState,omitempty"`
	TimeSpentCharging int           `json:"timeSpentCharging,omitempty"`
	StoppedReason     string        `json:"stoppedReason,omitempty"`
	RemoteStartId     int           `json:"remoteStartId,omitempty"`
}

// TransactionEventRequest is the request for TransactionEvent
type TransactionEventRequest struct {
	EventType          TransactionEventType `json:"eventType"`
	Timestamp          string               `json:"timestamp"`
	TriggerReason      TriggerReason        `json:"triggerReason"`
	SeqNo              int                  `json:"seqNo"`
	TransactionInfo    Transaction          `json:"transactionInfo"`
	Offline            bool                 `json:"offline,omitempty"`
	NumberOfPhasesUsed int                  `json:"numberOfPhasesUsed,omitempty"`
	CableMaxCurrent    float64              `json:"cableMaxCurrent,omitempty"`
	ReservationId      int                  `json:"reservationId,omitempty"`
	Evse               *EVSE                `json:"evse,omitempty"`
	IdToken            *IdToken             `json:"idToken,omitempty"`
	MeterValue         []MeterValue         `json:"meterValue,omitempty"`
}

// TransactionEventResponse is the response for TransactionEvent
type TransactionEventResponse struct {
	TotalCost              float64         `json:"totalCost,omitempty"`
	ChargingPriority       int             `json:"chargingPriority,omitempty"`
	IdTokenInfo            *IdTokenInfo    `json:"idTokenInfo,omitempty"`
	UpdatedPersonalMessage *MessageContent `json:"updatedPersonalMessage,omitempty"`
}

// MeterValue represents meter values
type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

// SampledValue represents a sampled value
type SampledValue struct {
	Value            float64           `json:"value"`
	Context          string            `json:"context,omitempty"`
	Measurand        string            `json:"measurand,omitempty"`
	Phase            string            `json:"phase,omitempty"`
	Location         string            `json:"location,omitempty"`
	SignedMeterValue *SignedMeterValue `json:"signedMeterValue,omitempty"`
	UnitOfMeasure    *UnitOfMeasure    `json:"unitOfMeasure,omitempty"`
}

// SignedMeterValue represents a signed meter value
type SignedMeterValue struct {
	SignedMeterData string `json:"signedMeterData"`
	SigningMethod   string `json:"signingMethod"`
	EncodingMethod  string `json:"encodingMethod"`
	PublicKey       string `json:"publicKey"`
}

// UnitOfMeasure represents a unit of measure
type UnitOfMeasure struct {
	Unit       string `json:"unit,omitempty"`
	Multiplier int    `json:"multiplier,omitempty"`
}

// MeterValuesRequest is the request for MeterValues
type MeterValuesRequest struct {
	EvseId     int          `json:"evseId"`
	MeterValue []MeterValue `json:"meterValue"`
}

// MeterValuesResponse is the response for MeterValues
type MeterValuesResponse struct{}

// RequestStartTransactionRequest is the request from server to start transaction
type RequestStartTransactionRequest struct {
	IdToken         IdToken          `json:"idToken"`
	RemoteStartId   int              `json:"remoteStartId"`
	EvseId          int              `json:"evseId,omitempty"`
	GroupIdToken    *IdToken         `json:"groupIdToken,omitempty"`
	ChargingProfile *ChargingProfile `json:"chargingProfile,omitempty"`
}

// RequestStartTransactionResponse is the response to RequestStartTransaction
type RequestStartTransactionResponse struct {
	Status        string      `json:"status"` // Accepted, Rejected
	TransactionId string      `json:"transactionId,omitempty"`
	StatusInfo    *StatusInfo `json:"statusInfo,omitempty"`
}

// RequestStopTransactionRequest is the request from server to stop transaction
type RequestStopTransactionRequest struct {
	TransactionId string `json:"transactionId"`
}

// RequestStopTransactionResponse is the response to RequestStopTransaction
type RequestStopTransactionResponse struct {
	Status     string      `json:"status"` // Accepted, Rejected
	StatusInfo *StatusInfo `json:"statusInfo,omitempty"`
}

// ChargingProfile represents a charging profile
type ChargingProfile struct {
	Id                     int                `json:"id"`
	StackLevel             int                `json:"stackLevel"`
	ChargingProfilePurpose string             `json:"chargingProfilePurpose"`
	ChargingProfileKind    string             `json:"chargingProfileKind"`
	RecurrencyKind         string             `json:"recurrencyKind,omitempty"`
	ValidFrom              string             `json:"validFrom,omitempty"`
	ValidTo                string             `json:"validTo,omitempty"`
	ChargingSchedule       []ChargingSchedule `json:"chargingSchedule"`
	TransactionId          string             `json:"transactionId,omitempty"`
}

// ChargingSchedule represents a charging schedule
type ChargingSchedule struct {
	Id                     int                      `json:"id"`
	StartSchedule          string                   `json:"startSchedule,omitempty"`
	Duration               int                      `json:"duration,omitempty"`
	ChargingRateUnit       string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod"`
	MinChargingRate        float64                  `json:"minChargingRate,omitempty"`
}

// ChargingSchedulePeriod represents a period in charging schedule
type ChargingSchedulePeriod struct {
	StartPeriod    int      `json:"startPeriod"`
	Limit          float64  `json:"limit"`
	NumberPhases   int      `json:"numberPhases,omitempty"`
	PhaseToUse     int      `json:"phaseToUse,omitempty"`
	OperationMode  string   `json:"operationMode,omitempty"`
	Setpoint       *float64 `json:"setpoint,omitempty"`
	DischargeLimit *float64 `json:"dischargeLimit,omitempty"`
	EvseSleep      bool     `json:"evseSleep,omitempty"`
}

// SetChargingProfileRequest is the request for SetChargingProfile
type SetChargingProfileRequest struct {
	EvseId          int             `json:"evseId"`
	ChargingProfile ChargingProfile `json:"chargingProfile"`
}

// SetChargingProfileResponse is the response for SetChargingProfile
type SetChargingProfileResponse struct {
	Status     string      `json:"status"`
	StatusInfo *StatusInfo `json:"statusInfo,omitempty"`
}

// GetCompositeScheduleRequest is the request for GetCompositeSchedule
type GetCompositeScheduleRequest struct {
	Duration         int    `json:"duration"`
	ChargingRateUnit string `json:"chargingRateUnit,omitempty"`
	EvseId           int    `json:"evseId"`
}

// GetCompositeScheduleResponse is the response for GetCompositeSchedule
type GetCompositeScheduleResponse struct {
	Status   string                 `json:"status"`
	Schedule *CompositeScheduleWire `json:"schedule,omitempty"`
}

// CompositeScheduleWire is the wire form of a computed composite schedule
type CompositeScheduleWire struct {
	EvseId                 int                      `json:"evseId"`
	Duration               int                      `json:"duration"`
	ScheduleStart          string                   `json:"scheduleStart"`
	ChargingRateUnit       string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod"`
}

// ClearChargingProfileRequest is the request for ClearChargingProfile
type ClearChargingProfileRequest struct {
	ChargingProfileId       int                      `json:"chargingProfileId,omitempty"`
	ChargingProfileCriteria *ChargingProfileCriteria `json:"chargingProfileCriteria,omitempty"`
}

// ChargingProfileCriteria narrows ClearChargingProfile's filter
type ChargingProfileCriteria struct {
	ChargingProfilePurpose string `json:"chargingProfilePurpose,omitempty"`
	StackLevel             int    `json:"stackLevel,omitempty"`
	EvseId                 int    `json:"evseId,omitempty"`
}

// ClearChargingProfileResponse is the response for ClearChargingProfile
type ClearChargingProfileResponse struct {
	Status string `json:"status"`
}

// ReserveNowRequest is the request for ReserveNow
type ReserveNowRequest struct {
	Id             int      `json:"id"`
	ExpiryDateTime string   `json:"expiryDateTime"`
	ConnectorType  string   `json:"connectorType,omitempty"`
	IdToken        IdToken  `json:"idToken"`
	EvseId         *int     `json:"evseId,omitempty"`
	GroupIdToken   *IdToken `json:"groupIdToken,omitempty"`
}

// ReserveNowResponse is the response for ReserveNow
type ReserveNowResponse struct {
	Status     string      `json:"status"`
	StatusInfo *StatusInfo `json:"statusInfo,omitempty"`
}

// CancelReservationRequest is the request for CancelReservation
type CancelReservationRequest struct {
	ReservationId int `json:"reservationId"`
}

// CancelReservationResponse is the response for CancelReservation
type CancelReservationResponse struct {
	Status string `json:"status"`
}

// ReservationStatusUpdateRequest is the request for ReservationStatusUpdate
type ReservationStatusUpdateRequest struct {
	ReservationId           int    `json:"reservationId"`
	ReservationUpdateStatus string `json:"reservationUpdateStatus"`
}

// ReservationStatusUpdateResponse is the response for ReservationStatusUpdate
type ReservationStatusUpdateResponse struct{}

// ChangeAvailabilityRequest is the request for ChangeAvailability
type ChangeAvailabilityRequest struct {
	OperationalStatus string `json:"operationalStatus"`
	Evse              *EVSE  `json:"evse,omitempty"`
}

// ChangeAvailabilityResponse is the response for ChangeAvailability
type ChangeAvailabilityResponse struct {
	Status     string      `json:"status"`
	StatusInfo *StatusInfo `json:"statusInfo,omitempty"`
}

// GetVariablesRequest is the request for GetVariables
type GetVariablesRequest struct {
	GetVariableData []GetVariableData `json:"getVariableData"`
}

// GetVariableData names one variable to read
type GetVariableData struct {
	Component Component `json:"component"`
	Variable  Variable  `json:"variable"`
}

// Component identifies a physical or logical component
type Component struct {
	Name     string `json:"name"`
	Instance string `json:"instance,omitempty"`
	Evse     *EVSE  `json:"evse,omitempty"`
}

// Variable identifies a variable within a component
type Variable struct {
	Name     string `json:"name"`
	Instance string `json:"instance,omitempty"`
}

// GetVariableResult is one entry of a GetVariables response
type GetVariableResult struct {
	AttributeStatus string    `json:"attributeStatus"`
	Component       Component `json:"component"`
	Variable        Variable  `json:"variable"`
	AttributeValue  string    `json:"attributeValue,omitempty"`
}

// GetVariablesResponse is the response for GetVariables
type GetVariablesResponse struct {
	GetVariableResult []GetVariableResult `json:"getVariableResult"`
}

// SetVariablesRequest is the request for SetVariables
type SetVariablesRequest struct {
	SetVariableData []SetVariableData `json:"setVariableData"`
}

// SetVariableData names one variable to write
type SetVariableData struct {
	AttributeValue string    `json:"attributeValue"`
	Component      Component `json:"component"`
	Variable       Variable  `json:"variable"`
}

// SetVariableResult is one entry of a SetVariables response
type SetVariableResult struct {
	AttributeStatus string    `json:"attributeStatus"`
	Component       Component `json:"component"`
	Variable        Variable  `json:"variable"`
	StatusInfo      *StatusInfo `json:"statusInfo,omitempty"`
}

// SetVariablesResponse is the response for SetVariables
type SetVariablesResponse struct {
	SetVariableResult []SetVariableResult `json:"setVariableResult"`
}

// TriggerMessageRequest is the request for TriggerMessage
type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	Evse             *EVSE  `json:"evse,omitempty"`
}

// TriggerMessageResponse is the response for TriggerMessage
type TriggerMessageResponse struct {
	Status string `json:"status"` // Accepted, Rejected, NotImplemented
}

// ResetRequest is the request for Reset
type ResetRequest struct {
	Type   string `json:"type"` // Immediate, OnIdle
	EvseId int    `json:"evseId,omitempty"`
}

// ResetResponse is the response for Reset
type ResetResponse struct {
	Status string `json:"status"` // Accepted, Rejected, Scheduled
}

// SignCertificateRequest is the request for SignCertificate
type SignCertificateRequest struct {
	Csr             string `json:"csr"`
	CertificateType string `json:"certificateType,omitempty"`
}

// SignCertificateResponse is the response for SignCertificate
type SignCertificateResponse struct {
	Status string `json:"status"`
}

// CertificateSignedRequest is the request for CertificateSigned
type CertificateSignedRequest struct {
	CertificateChain string `json:"certificateChain"`
	CertificateType  string `json:"certificateType,omitempty"`
}

// CertificateSignedResponse is the response for CertificateSigned
type CertificateSignedResponse struct {
	Status string `json:"status"`
}

// SecurityEventNotificationRequest is the request for SecurityEventNotification
type SecurityEventNotificationRequest struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	TechInfo  string `json:"techInfo,omitempty"`
}

// SecurityEventNotificationResponse is the response for SecurityEventNotification
type SecurityEventNotificationResponse struct{}

// DataTransferRequest is the request for DataTransfer
type DataTransferRequest struct {
	VendorId  string `json:"vendorId"`
	MessageId string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

// DataTransferResponse is the response for DataTransfer
type DataTransferResponse struct {
	Status string `json:"status"` // Accepted, Rejected, UnknownMessageId, UnknownVendorId
	Data   string `json:"data,omitempty"`
}
