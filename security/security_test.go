package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeCA(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func signLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string, notAfter time.Time) ([]byte, *x509.Certificate) {
	t.Helper()
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"Acme"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})...)
	return chainPEM, leaf
}

// TestInstallSignedCertificateVerifiesChain: a valid
// CertificateSigned verifies, installs, and (at security profile 3)
// triggers reconnect plus a ReconfigurationOfSecurityParameters event.
func TestInstallSignedCertificateVerifiesChain(t *testing.T) {
	ca, caKey := makeCA(t, "Test Root CA")
	chainPEM, _ := signLeaf(t, ca, caKey, "station-1", time.Now().Add(90*24*time.Hour))

	var reconnected bool
	var events []EventName
	store := New(Callbacks{
		ReconnectWithNewClientCert: func() { reconnected = true },
		OnSecurityEvent:            func(name EventName, _ string) { events = append(events, name) },
	})
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	store.SetTrustAnchors(ChargingStationCertificate, pool)
	store.SetSecurityProfile(3)

	err := store.InstallSignedCertificate(ChargingStationCertificate, chainPEM)
	require.NoError(t, err)
	require.True(t, reconnected)
	require.Contains(t, events, EventReconfigurationOfSecurityParameters)

	inst, ok := store.GetInstalled(ChargingStationCertificate)
	require.True(t, ok)
	require.Equal(t, "station-1", inst.Leaf.Subject.CommonName)
}

// TestInstallSignedCertificateRejectsUntrustedChain covers the install
// failure path: verification failure raises InvalidChargingStationCertificate
// and the certificate is not installed.
func TestInstallSignedCertificateRejectsUntrustedChain(t *testing.T) {
	ca, caKey := makeCA(t, "Untrusted CA")
	chainPEM, _ := signLeaf(t, ca, caKey, "station-1", time.Now().Add(90*24*time.Hour))

	var events []EventName
	store := New(Callbacks{OnSecurityEvent: func(name EventName, _ string) { events = append(events, name) }})
	store.SetTrustAnchors(ChargingStationCertificate, x509.NewCertPool()) // empty pool: nothing trusted

	err := store.InstallSignedCertificate(ChargingStationCertificate, chainPEM)
	require.Error(t, err)
	require.Contains(t, events, EventInvalidChargingStationCertificate)
	_, ok := store.GetInstalled(ChargingStationCertificate)
	require.False(t, ok)
}

func TestExpiresWithin(t *testing.T) {
	ca, caKey := makeCA(t, "Root")
	chainPEM, _ := signLeaf(t, ca, caKey, "station-1", time.Now().Add(5*24*time.Hour))

	store := New(Callbacks{})
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	store.SetTrustAnchors(V2GCertificate, pool)
	require.NoError(t, store.InstallSignedCertificate(V2GCertificate, chainPEM))

	require.True(t, store.ExpiresWithin(V2GCertificate, 30*24*time.Hour, time.Now()))
	require.False(t, store.ExpiresWithin(V2GCertificate, time.Hour, time.Now()))
}
