// Package config loads the station host's bootstrap file: identity,
// network profiles, topology, and device-model variable overrides.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS certificate configuration for one network profile
type TLSConfig struct {
	CAFile         string `yaml:"ca_file"`          // CA certificate to verify server cert chain
	ServerCertFile string `yaml:"server_cert_file"` // Trusted server certificate (for self-signed certs)
	CertFile       string `yaml:"cert_file"`        // Client certificate
	KeyFile        string `yaml:"key_file"`         // Client private key
	SkipVerify     bool   `yaml:"skip_verify"`      // Skip server certificate verification (insecure)
}

// NetworkProfile is one prioritized way of reaching the CSMS
type NetworkProfile struct {
	Slot            int        `yaml:"slot"`
	Priority        int        `yaml:"priority"` // lower connects first
	URL             string     `yaml:"url"`
	SecurityProfile int        `yaml:"security_profile"` // 1..3
	Iface           string     `yaml:"iface"`
	BasicAuthUser   string     `yaml:"basic_auth_user"`
	BasicAuthPass   string     `yaml:"basic_auth_pass"`
	TLS             *TLSConfig `yaml:"tls"`
}

// Connector is one physical outlet within an EVSE
type Connector struct {
	ID   int    `yaml:"id"`
	Type string `yaml:"type"` // e.g. cType2, cCCS1; empty matches any reservation request
}

// EVSE is one point of energy delivery and its connectors
type EVSE struct {
	ID         int         `yaml:"id"`
	Connectors []Connector `yaml:"connectors"`
}

// LocalAuthEntry seeds the local authorization list
type LocalAuthEntry struct {
	IdToken     string `yaml:"id_token"`
	Status      string `yaml:"status"`
	ExpiryDate  string `yaml:"expiry_date"`  // RFC3339, empty = no expiry
	ParentToken string `yaml:"parent_token"`
}

// Config holds the station host configuration
type Config struct {
	OCPPVersion     string `yaml:"ocpp_version"` // "1.6", "2.0.1" or "2.1"
	StationID       string `yaml:"station_id"`
	Vendor          string `yaml:"vendor"`
	Model           string `yaml:"model"`
	SerialNumber    string `yaml:"serial_number"`
	FirmwareVersion string `yaml:"firmware_version"`

	DatabasePath       string `yaml:"database_path"`
	MinSecurityProfile int    `yaml:"min_security_profile"`

	NetworkProfiles []NetworkProfile `yaml:"network_profiles"`
	EVSEs           []EVSE           `yaml:"evses"`
	LocalAuthList   []LocalAuthEntry `yaml:"local_auth_list"`

	// Variables overrides device-model defaults, keyed
	// component -> variable -> value.
	Variables map[string]map[string]any `yaml:"variables"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{
		// Set defaults
		Vendor:             "OCPPCore",
		Model:              "StationCore",
		FirmwareVersion:    "1.0.0",
		DatabasePath:       "station.db",
		MinSecurityProfile: 1,
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.OCPPVersion {
	case "1.6", "2.0.1", "2.1":
	default:
		return fmt.Errorf("ocpp_version must be '1.6', '2.0.1' or '2.1', got '%s'", c.OCPPVersion)
	}

	if c.StationID == "" {
		return fmt.Errorf("station_id is required")
	}

	if len(c.NetworkProfiles) == 0 {
		return fmt.Errorf("at least one network profile is required")
	}

	seenSlots := make(map[int]bool)
	for _, p := range c.NetworkProfiles {
		if p.URL == "" {
			return fmt.Errorf("network profile slot %d: url is required", p.Slot)
		}
		if p.SecurityProfile < 1 || p.SecurityProfile > 3 {
			return fmt.Errorf("network profile slot %d: security_profile must be 1..3", p.Slot)
		}
		if seenSlots[p.Slot] {
			return fmt.Errorf("duplicate network profile slot %d", p.Slot)
		}
		seenSlots[p.Slot] = true
	}

	if c.MinSecurityProfile < 1 || c.MinSecurityProfile > 3 {
		return fmt.Errorf("min_security_profile must be 1..3")
	}

	if len(c.EVSEs) == 0 {
		return fmt.Errorf("at least one evse is required")
	}
	for _, e := range c.EVSEs {
		if e.ID <= 0 {
			return fmt.Errorf("evse ids must be positive (0 denotes the station)")
		}
		if len(e.Connectors) == 0 {
			return fmt.Errorf("evse %d: at least one connector is required", e.ID)
		}
	}

	return nil
}

// BuildTLSConfig returns the tls.Config for one network profile, or nil
// when the profile carries no TLS block
func (p *NetworkProfile) BuildTLSConfig() (*tls.Config, error) {
	if p.TLS == nil {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	// Skip server certificate verification if requested
	if p.TLS.SkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	// Build certificate pool for trusted certificates
	certPool := x509.NewCertPool()
	hasCerts := false

	// Load CA certificate if provided
	if p.TLS.CAFile != "" {
		caCert, err := os.ReadFile(p.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		hasCerts = true
	}

	// Load trusted server certificate if provided (for self-signed certs)
	if p.TLS.ServerCertFile != "" {
		serverCert, err := os.ReadFile(p.TLS.ServerCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read server certificate: %w", err)
		}
		if !certPool.AppendCertsFromPEM(serverCert) {
			return nil, fmt.Errorf("failed to parse server certificate")
		}
		hasCerts = true
	}

	if hasCerts {
		tlsConfig.RootCAs = certPool
	}

	// Load client certificate and key if provided (security profile 3)
	if p.TLS.CertFile != "" && p.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.TLS.CertFile, p.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// IsOCPP16 returns true if the configured version is 1.6
func (c *Config) IsOCPP16() bool {
	return c.OCPPVersion == "1.6"
}

// Subprotocol returns the WebSocket subprotocol for the configured version
func (c *Config) Subprotocol() string {
	return "ocpp" + c.OCPPVersion
}
