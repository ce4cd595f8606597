package security

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ocpp-core/station/devicemodel"
)

// CSRRequester originates the SignCertificate CALL (owned by the
// station facade, which has the queue); the security package only knows
// when to ask, not how to send.
type CSRRequester interface {
	RequestSignCertificate(ctx context.Context, use Use, csrPEM []byte) error
}

// OCSPResponder performs the OCSP round-trip against the external
// responder named in the leaf's AIA extension; only the request/response
// encoding lives in this package.
type OCSPResponder interface {
	Fetch(ctx context.Context, reqDER []byte, responderURL string) ([]byte, error)
}

// Timers owns the long-lived certificate-expiry and OCSP-refresh
// timers, each an owned handle that cancels on Stop.
type Timers struct {
	store  *Store
	dm     *devicemodel.Store
	csr    CSRRequester
	ocsp   OCSPResponder
	stopCh chan struct{}
}

func NewTimers(store *Store, dm *devicemodel.Store, csr CSRRequester, ocspResponder OCSPResponder) *Timers {
	return &Timers{store: store, dm: dm, csr: csr, ocsp: ocspResponder, stopCh: make(chan struct{})}
}

// Start launches the expiry-check and OCSP-refresh goroutines.
func (t *Timers) Start(ctx context.Context) {
	go t.expiryLoop(ctx)
	go t.ocspLoop(ctx)
}

func (t *Timers) Stop() {
	close(t.stopCh)
}

func (t *Timers) expiryLoop(ctx context.Context) {
	for {
		intervalS := t.dm.GetInt(devicemodel.KeyCertificateExpiryCheck)
		if intervalS <= 0 {
			intervalS = 3600
		}
		select {
		case <-time.After(time.Duration(intervalS) * time.Second):
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
		t.checkExpiry(ctx)
	}
}

func (t *Timers) checkExpiry(ctx context.Context) {
	thresholdDays := t.dm.GetInt(devicemodel.KeyCertExpiryThresholdDay)
	if thresholdDays <= 0 {
		thresholdDays = 30
	}
	threshold := time.Duration(thresholdDays) * 24 * time.Hour

	for _, use := range []Use{ChargingStationCertificate, V2GCertificate} {
		if !t.store.ExpiresWithin(use, threshold, time.Now()) {
			continue
		}
		inst, ok := t.store.GetInstalled(use)
		if !ok {
			continue
		}
		log.Info().Str("use", string(use)).Time("not_after", inst.Leaf.NotAfter).Msg("security: certificate nearing expiry, requesting renewal")

		org := ""
		if len(inst.Leaf.Subject.Organization) > 0 {
			org = inst.Leaf.Subject.Organization[0]
		}
		csrPEM, err := t.store.GenerateCSR(use, inst.Leaf.Subject.CommonName, org)
		if err != nil {
			log.Error().Err(err).Str("use", string(use)).Msg("security: failed to generate renewal CSR")
			continue
		}
		if t.csr != nil {
			if err := t.csr.RequestSignCertificate(ctx, use, csrPEM); err != nil {
				log.Error().Err(err).Msg("security: failed to enqueue SignCertificate")
			}
		}
	}
}

func (t *Timers) ocspLoop(ctx context.Context) {
	for {
		intervalS := t.dm.GetInt(devicemodel.KeyOCSPRefreshInterval)
		if intervalS <= 0 {
			intervalS = 86400
		}
		select {
		case <-time.After(time.Duration(intervalS) * time.Second):
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
		t.refreshAllV2GOCSP(ctx)
	}
}

// refreshAllV2GOCSP walks every installed V2G leaf, builds the OCSP
// request against the issuer carried in its installed chain, dispatches
// it to the responder named in the leaf's AIA extension, and caches the
// verified answer for stapling.
func (t *Timers) refreshAllV2GOCSP(ctx context.Context) {
	inst, ok := t.store.GetInstalled(V2GCertificate)
	if !ok || t.ocsp == nil {
		return
	}
	leaf := inst.Leaf
	if len(inst.Chain) < 2 || len(leaf.OCSPServer) == 0 {
		log.Debug().Str("serial", leaf.SerialNumber.String()).Msg("security: V2G leaf has no issuer or OCSP responder, skipping refresh")
		return
	}
	issuer := inst.Chain[1]

	reqDER, err := OCSPRequestData(leaf, issuer)
	if err != nil {
		log.Error().Err(err).Msg("security: failed to build OCSP request")
		return
	}
	raw, err := t.ocsp.Fetch(ctx, reqDER, leaf.OCSPServer[0])
	if err != nil {
		log.Warn().Err(err).Str("responder", leaf.OCSPServer[0]).Msg("security: OCSP fetch failed, keeping cached response")
		return
	}
	if err := t.store.CacheOCSPResponse(leaf, issuer, raw); err != nil {
		log.Warn().Err(err).Msg("security: discarding unverifiable OCSP response")
		return
	}
	log.Info().Str("serial", leaf.SerialNumber.String()).Msg("security: OCSP response refreshed")
}
