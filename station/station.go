// Package station is the Charge Point facade: it wires the database
// handler, device model, certificate store, connectivity manager,
// message queue, component state manager, smart-charging core,
// authorization, reservation, and availability blocks into one
// long-lived runtime, dispatches inbound CSMS calls to the responsible
// block, and exposes the public API the surrounding application drives.
package station

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/auth"
	"github.com/ocpp-core/station/availability"
	"github.com/ocpp-core/station/connectivity"
	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
	"github.com/ocpp-core/station/envelope"
	"github.com/ocpp-core/station/queue"
	"github.com/ocpp-core/station/reservation"
	"github.com/ocpp-core/station/security"
	"github.com/ocpp-core/station/smartcharging"
	"github.com/ocpp-core/station/state"
)

// Hooks are the application-supplied functions that touch hardware or
// the outside world. The core invokes them without knowing their
// implementation; any of them may be nil.
type Hooks struct {
	// StartEnergyDelivery closes the contactor for one connector.
	StartEnergyDelivery func(key state.ConnectorKey) error
	// StopEnergyDelivery opens the contactor.
	StopEnergyDelivery func(key state.ConnectorKey) error
	// ReadMeterWh reads the connector's energy register in Wh.
	ReadMeterWh func(key state.ConnectorKey) int
	// UnlockConnector releases the cable lock.
	UnlockConnector func(key state.ConnectorKey) error
	// OnReset is invoked after a Reset request has been accepted and all
	// transactions stopped; the application performs the actual restart.
	OnReset func(kind string)
	// FetchOCSP performs the HTTP round-trip to an OCSP responder.
	FetchOCSP func(ctx context.Context, reqDER []byte, responderURL string) ([]byte, error)
	// UpdateCertificateSymlinks mirrors the active V2G leaf to disk.
	UpdateCertificateSymlinks func(leaf *x509.Certificate) error
	// OnAllConnectorsUnavailable fires when every connector has gone
	// Inoperative with no transaction active.
	OnAllConnectorsUnavailable func()
	// OnConnectorAvailabilityChanged reports effective-status changes.
	OnConnectorAvailabilityChanged func(key state.ConnectorKey, effective state.OperationalStatus)
}

// Identity is the station's self-description sent in BootNotification.
type Identity struct {
	StationID       string
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

// Options configures a Station.
type Options struct {
	Version      envelope.Version
	Identity     Identity
	DatabasePath string

	Profiles           []connectivity.Profile
	MinSecurityProfile int

	// Topology lists every connector; EVSE ids are derived from it.
	Topology []reservation.Connector

	// LocalAuthList optionally seeds a static local authorization list.
	LocalAuthList map[string]auth.IdTokenInfo

	// Variables overrides device-model defaults before persisted values
	// are restored, keyed component then variable.
	Variables map[string]map[string]any

	Hooks Hooks
}

// Station owns one logical CSMS connection and the station's protocol
// state.
type Station struct {
	opts Options
	v16  bool

	dbh   *db.Handler
	dm    *devicemodel.Store
	sec   *security.Store
	stimers *security.Timers
	conn  *connectivity.Manager
	q     *queue.Queue
	st    *state.Manager
	sc    *smartcharging.Store
	authz *auth.Authorizer
	resv  *reservation.Manager
	avail *availability.Manager
	txns  *txnTracker

	mu                 sync.Mutex
	pendingRemoteStart map[state.ConnectorKey]remoteStart
	everBooted         bool
	hbOnce             sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type remoteStart struct {
	idToken       string
	remoteStartID int
}

type staticLocalList map[string]auth.IdTokenInfo

func (l staticLocalList) Lookup(idToken string) (auth.IdTokenInfo, bool) {
	info, ok := l[idToken]
	return info, ok
}

// New wires every functional block. The returned Station is inert until
// Start is called.
func New(opts Options) (*Station, error) {
	if opts.Version == "" {
		opts.Version = envelope.V201
	}
	dbh, err := db.Open(opts.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Station{
		opts:               opts,
		v16:                opts.Version == envelope.V16,
		dbh:                dbh,
		dm:                 devicemodel.New(),
		pendingRemoteStart: make(map[state.ConnectorKey]remoteStart),
		ctx:                context.Background(), // replaced by Start
	}

	registerDefaults(s.dm)
	for comp, vars := range opts.Variables {
		for name, value := range vars {
			s.dm.Restore(devicemodel.Key{Component: comp, Variable: name}, normalizeYAML(value))
		}
	}
	s.dm.SetPersistHook(func(k devicemodel.Key, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return dbh.SetVariable(context.Background(), k.Component, k.Variable, string(raw))
	})

	s.q = queue.New(dbh, s.dm, s)

	s.sec = security.New(security.Callbacks{
		ReconnectWithNewClientCert: s.reconnect,
		UpdateFilesystemSymlinks:   opts.Hooks.UpdateCertificateSymlinks,
		OnSecurityEvent:            s.sendSecurityEvent,
	})
	s.sec.SetSecurityProfile(activeSecurityProfile(opts.Profiles))

	s.st = state.New(dbh, state.Callbacks{
		OnConnectorEffectiveAvailabilityChanged: opts.Hooks.OnConnectorAvailabilityChanged,
		SendStatusNotification:                  s.sendStatusNotification,
	})
	for _, c := range opts.Topology {
		s.st.RegisterConnector(c.Key)
	}

	s.txns = newTxnTracker(s)
	s.sc = smartcharging.NewStore(s.dm, dbh, s.txns)

	var list auth.LocalList
	if len(opts.LocalAuthList) > 0 {
		list = staticLocalList(opts.LocalAuthList)
	}
	s.authz = auth.New(s.dm, dbh, list, s.q, s)

	s.resv = reservation.New(s.dm, s.st, opts.Topology, reservation.Callbacks{
		OnReservationStatusUpdate: func(id int, reason reservation.UpdateReason) {
			s.sendReservationStatusUpdate(id, string(reason))
		},
	})
	s.avail = availability.New(s.st, s.txns, availability.Callbacks{
		OnAllConnectorsUnavailable: opts.Hooks.OnAllConnectorsUnavailable,
	})

	s.conn = connectivity.New(opts.Profiles, string(opts.Version), opts.MinSecurityProfile, connectivity.Callbacks{
		OnOpen:        s.onOpen,
		OnClose:       s.onClose,
		OnWireMessage: s.onWireMessage,
	})

	s.stimers = security.NewTimers(s.sec, s.dm, s, ocspResponderFunc(opts.Hooks.FetchOCSP))

	s.registerHandlers()
	return s, nil
}

type ocspResponderFunc func(ctx context.Context, reqDER []byte, responderURL string) ([]byte, error)

func (f ocspResponderFunc) Fetch(ctx context.Context, reqDER []byte, responderURL string) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("no OCSP responder configured")
	}
	return f(ctx, reqDER, responderURL)
}

// activeSecurityProfile is the level of the highest-priority profile,
// the one Connect tries first.
func activeSecurityProfile(profiles []connectivity.Profile) int {
	best, level := int(^uint(0)>>1), 1
	for _, p := range profiles {
		if p.Priority < best {
			best, level = p.Priority, p.SecurityProfile
		}
	}
	return level
}

// normalizeYAML widens yaml.v3's scalar types to the device model's.
func normalizeYAML(v any) any {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float32:
		return float64(n)
	}
	return v
}

// Start restores durable state, launches the background loops, and
// initiates the first connection attempt.
func (s *Station) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.restoreVariables(s.ctx); err != nil {
		return err
	}
	if err := s.st.Boot(s.ctx); err != nil {
		return err
	}
	if err := s.q.Restore(s.ctx); err != nil {
		return err
	}
	if err := s.txns.Restore(s.ctx); err != nil {
		return err
	}
	rows, err := s.dbh.ListProfiles(s.ctx)
	if err != nil {
		return err
	}
	if err := s.sc.RestoreFromRows(rows); err != nil {
		return err
	}

	s.q.Start(s.ctx)
	s.stimers.Start(s.ctx)
	s.startMeterLoop()

	if err := s.conn.Connect(s.ctx); err != nil {
		return err
	}
	log.Info().Str("station_id", s.opts.Identity.StationID).Str("version", string(s.opts.Version)).Msg("station: started")
	return nil
}

// Stop drains the queue for the configured grace period, then tears the
// runtime down. Pending transactional records remain on disk for the
// next boot.
func (s *Station) Stop() {
	graceS := s.dm.GetInt(devicemodel.KeyDrainGracePeriodSeconds)
	if graceS <= 0 {
		graceS = 5
	}
	s.q.Stop(time.Duration(graceS) * time.Second)
	s.conn.Disconnect("shutdown")
	s.stimers.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.dbh.Close(); err != nil {
		log.Error().Err(err).Msg("station: database close failed")
	}
}

func (s *Station) restoreVariables(ctx context.Context) error {
	vars, err := s.dbh.AllVariables(ctx)
	if err != nil {
		return err
	}
	for k, raw := range vars {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Warn().Str("component", k[0]).Str("variable", k[1]).Msg("station: skipping undecodable persisted variable")
			continue
		}
		if f, ok := v.(float64); ok && f == float64(int(f)) {
			v = int(f)
		}
		s.dm.Restore(devicemodel.Key{Component: k[0], Variable: k[1]}, v)
	}
	return nil
}

// Send implements the queue's Sender contract by delegating to the
// connectivity manager.
func (s *Station) Send(text string) error {
	return s.conn.Send(text)
}

func (s *Station) onOpen() {
	s.q.SetState(queue.Connected)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bootFlow(s.ctx)
	}()
}

func (s *Station) onClose(reason string) {
	s.q.SetState(queue.Disconnected)
	log.Warn().Str("reason", reason).Msg("station: connection closed")
}

func (s *Station) onWireMessage(text string) {
	reply, ok := s.q.OnWireMessage(s.ctx, text)
	if !ok {
		return
	}
	if err := s.conn.Send(string(reply)); err != nil {
		log.Warn().Err(err).Msg("station: failed to send reply")
	}
}

// reconnect performs the orderly reconnect needed after a client
// certificate rotation at security profile 3.
func (s *Station) reconnect() {
	s.conn.Disconnect("security parameters changed")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.conn.Connect(s.ctx); err != nil {
			log.Error().Err(err).Msg("station: reconnect after certificate rotation failed")
		}
	}()
}

// DeviceModel exposes the configuration surface.
func (s *Station) DeviceModel() *devicemodel.Store { return s.dm }

// SecurityStore exposes certificate installation for host provisioning.
func (s *Station) SecurityStore() *security.Store { return s.sec }

// IsConnected reports whether the CSMS link is up.
func (s *Station) IsConnected() bool { return s.conn.IsConnected() }

// WireStatus returns the OCPP-visible status of one connector.
func (s *Station) WireStatus(key state.ConnectorKey) state.WireStatus {
	return s.st.GetConnectorWireStatus(key)
}
