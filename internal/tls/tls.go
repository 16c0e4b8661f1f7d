package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/extmgr/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults both bounds to TLS 1.3.
func resolveTLSVersions(cfg *config.TLSConfig) (min uint16, max uint16, err error) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if cfg.MinVersion != "" && cfg.MinVersion != "default" {
		v, ok := parseTLSVersion(cfg.MinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unsupported min_version %q", cfg.MinVersion)
		}
		min = v
	}
	if cfg.MaxVersion != "" && cfg.MaxVersion != "default" {
		v, ok := parseTLSVersion(cfg.MaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unsupported max_version %q", cfg.MaxVersion)
		}
		max = v
	}
	if min > max {
		return 0, 0, errors.New("min_version is greater than max_version")
	}
	return min, max, nil
}

// certLoader reloads the key pair on each handshake so rotated files are
// picked up without a restart.
func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

// SetupTLS returns the server TLS config, or nil when TLS is disabled.
// Explicit cert/key files win over a certificate directory; a directory with
// auto_generate set gets a self-signed pair on first use.
func SetupTLS(cfg *config.TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(cfg)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("TLS enabled but no valid certificate configuration found")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	// #nosec G402 min version is configurable
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func generateCertificate(cfg *config.TLSConfig, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	ag := cfg.AutoGen
	if ag == nil {
		ag = &config.AutoGenTLS{}
	}
	dns := ag.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := ag.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1", "::1"}
	}
	days := ag.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(ag.CommonName, "localhost"),
		Organization: getOrDefault(ag.Organization, "extmgr"),
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
	})
}
