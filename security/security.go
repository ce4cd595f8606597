// Package security is the certificate and security-event core: the
// certificate store, CSR generation, chain verification, OCSP
// request-data extraction, the CertificateSigned install flow, and the
// periodic expiry/OCSP-refresh timers.
package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ocsp"

	"github.com/ocpp-core/station/corterr"
)

// Use is the CSR use discriminator.
type Use string

const (
	ChargingStationCertificate Use = "ChargingStationCertificate"
	V2GCertificate             Use = "V2GCertificate"
)

// EventName is a SecurityEvent enum value the core can raise.
type EventName string

const (
	EventReconfigurationOfSecurityParameters EventName = "ReconfigurationOfSecurityParameters"
	EventInvalidChargingStationCertificate   EventName = "InvalidChargingStationCertificate"
	EventInvalidCentralSystemCertificate     EventName = "InvalidCentralSystemCertificate"
)

// Installed is one leaf + its chain, keyed by Use.
type Installed struct {
	Use       Use
	Leaf      *x509.Certificate
	Chain     []*x509.Certificate
	KeyPEM    []byte
	InstalledAt time.Time
}

// Callbacks are the hooks the rotation flow fires beyond the
// certificate store itself.
type Callbacks struct {
	// ReconnectWithNewClientCert is called after a ChargingStationCertificate
	// install at security profile 3, so the Connectivity Manager can
	// reconnect using the rotated client certificate.
	ReconnectWithNewClientCert func()
	// UpdateFilesystemSymlinks optionally mirrors the active V2G leaf to
	// disk for external tooling; nil disables the feature.
	UpdateFilesystemSymlinks func(leaf *x509.Certificate) error
	// OnSecurityEvent reports a SecurityEventNotification upstream.
	OnSecurityEvent func(name EventName, techInfo string)
}

// Store is the certificate/CSR/OCSP core.
type Store struct {
	mu sync.Mutex

	trustAnchors map[Use]*x509.CertPool
	installed    map[Use]*Installed
	pendingKeys  map[Use]*ecdsa.PrivateKey // CSR private key awaiting CertificateSigned

	ocspCache map[string]*ocsp.Response // keyed by leaf serial number string

	securityProfile int
	cb              Callbacks
}

func New(cb Callbacks) *Store {
	return &Store{
		trustAnchors: make(map[Use]*x509.CertPool),
		installed:    make(map[Use]*Installed),
		pendingKeys:  make(map[Use]*ecdsa.PrivateKey),
		ocspCache:    make(map[string]*ocsp.Response),
		cb:           cb,
	}
}

// SetTrustAnchors installs the CA pool used to verify chains of the
// given use.
func (s *Store) SetTrustAnchors(use Use, pool *x509.CertPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustAnchors[use] = pool
}

func (s *Store) SetSecurityProfile(profile int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securityProfile = profile
}

// GenerateCSR implements the CSR flow entry point: produce a
// PEM-encoded PKCS#10 request for the given use, remembering the private
// key until the matching CertificateSigned arrives.
func (s *Store) GenerateCSR(use Use, commonName, organization string) (csrPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, corterr.New(corterr.KindSecurity, "generate CSR key", err)
	}

	template := x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{organization},
		},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, corterr.New(corterr.KindSecurity, "create CSR", err)
	}

	s.mu.Lock()
	s.pendingKeys[use] = key
	s.mu.Unlock()

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// InstallSignedCertificate implements the CertificateSigned
// handler: verify, install, and fan out the use-specific follow-up
// actions. Returns an error (and raises InvalidChargingStationCertificate)
// on verification failure.
func (s *Store) InstallSignedCertificate(use Use, chainPEM []byte) error {
	certs, err := parsePEMChain(chainPEM)
	if err != nil {
		s.fail(use, "failed to parse certificate chain: "+err.Error())
		return corterr.New(corterr.KindSecurity, "parse certificate chain", err)
	}
	if len(certs) == 0 {
		s.fail(use, "empty certificate chain")
		return corterr.New(corterr.KindSecurity, "empty certificate chain", nil)
	}
	leaf := certs[0]

	s.mu.Lock()
	pool := s.trustAnchors[use]
	key := s.pendingKeys[use]
	s.mu.Unlock()
	if pool == nil {
		s.fail(use, "no trust anchors configured for "+string(use))
		return corterr.New(corterr.KindSecurity, "no trust anchors configured", nil)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		s.fail(use, "chain verification failed: "+err.Error())
		return corterr.New(corterr.KindSecurity, "chain verification failed", err)
	}

	var keyPEM []byte
	if key != nil {
		der, err := x509.MarshalECPrivateKey(key)
		if err == nil {
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
		}
	}

	s.mu.Lock()
	s.installed[use] = &Installed{Use: use, Leaf: leaf, Chain: certs, KeyPEM: keyPEM, InstalledAt: time.Now()}
	delete(s.pendingKeys, use)
	s.mu.Unlock()

	log.Info().Str("use", string(use)).Str("subject", leaf.Subject.CommonName).Msg("security: certificate installed")

	switch use {
	case V2GCertificate:
		s.refreshOCSPFor(leaf)
		if s.cb.UpdateFilesystemSymlinks != nil {
			if err := s.cb.UpdateFilesystemSymlinks(leaf); err != nil {
				log.Warn().Err(err).Msg("security: failed to update V2G certificate symlinks")
			}
		}
	case ChargingStationCertificate:
		s.mu.Lock()
		profile := s.securityProfile
		s.mu.Unlock()
		if profile == 3 {
			if s.cb.ReconnectWithNewClientCert != nil {
				s.cb.ReconnectWithNewClientCert()
			}
			s.raise(EventReconfigurationOfSecurityParameters, "client certificate rotated")
		}
	}
	return nil
}

func (s *Store) fail(use Use, reason string) {
	s.raise(EventInvalidChargingStationCertificate, reason)
}

func (s *Store) raise(name EventName, techInfo string) {
	if s.cb.OnSecurityEvent != nil {
		s.cb.OnSecurityEvent(name, techInfo)
	}
}

func parsePEMChain(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no CERTIFICATE PEM blocks found")
	}
	return certs, nil
}

// GetInstalled returns the currently installed leaf+chain for a use, if any.
func (s *Store) GetInstalled(use Use) (*Installed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installed[use]
	return inst, ok
}

// OCSPRequestData builds the DER-encoded OCSP request for a leaf
// certificate against its issuer.
func OCSPRequestData(leaf, issuer *x509.Certificate) ([]byte, error) {
	req, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return nil, corterr.New(corterr.KindSecurity, "build OCSP request", err)
	}
	return req, nil
}

// refreshOCSPFor drops any cached OCSP response for one V2G leaf so no
// stale answer is stapled for it. It does not contact a responder or
// cache a new response; a fresh one is stored only when
// CacheOCSPResponse is called, as the OCSP refresh timer does.
func (s *Store) refreshOCSPFor(leaf *x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ocspCache, leaf.SerialNumber.String())
}

// CacheOCSPResponse stores a verified OCSP response for stapling,
// parsed against the issuing certificate.
func (s *Store) CacheOCSPResponse(leaf, issuer *x509.Certificate, raw []byte) error {
	resp, err := ocsp.ParseResponseForCert(raw, leaf, issuer)
	if err != nil {
		return corterr.New(corterr.KindSecurity, "parse OCSP response", err)
	}
	s.mu.Lock()
	s.ocspCache[leaf.SerialNumber.String()] = resp
	s.mu.Unlock()
	return nil
}

// CachedOCSPStatus reports the last cached OCSP status for a leaf, if any.
func (s *Store) CachedOCSPStatus(leaf *x509.Certificate) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.ocspCache[leaf.SerialNumber.String()]
	if !ok {
		return 0, false
	}
	return resp.Status, true
}

// ExpiresWithin reports whether the installed certificate for use is
// within threshold of expiry, driving the CSR-refresh timer.
func (s *Store) ExpiresWithin(use Use, threshold time.Duration, now time.Time) bool {
	s.mu.Lock()
	inst, ok := s.installed[use]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return inst.Leaf.NotAfter.Sub(now) < threshold
}

// AllV2GLeaves returns every installed V2G leaf (currently at most one;
// kept as a slice because the OCSP refresh timer is specified to "walk
// all installed V2G leaves", anticipating multi-leaf rollover).
func (s *Store) AllV2GLeaves() []*x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.installed[V2GCertificate]; ok {
		return []*x509.Certificate{inst.Leaf}
	}
	return nil
}
