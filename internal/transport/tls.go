package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

var (
	ErrInvalidSecurityMode     = errors.New("transport: invalid security mode")
	ErrTLSRequired             = errors.New("transport: tls required")
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed")
)

// TLSFiles describes a TLS context by file paths, as loaded from config.
type TLSFiles struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	Mode               SecurityMode
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (f TLSFiles) ValidateClient() error {
	mode := NormalizeSecurityMode(f.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, f.Mode)
	}
	if mode == SecurityModeProduction {
		if !f.Enabled {
			return ErrTLSRequired
		}
		if f.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if f.Mutual && !f.Enabled {
		return ErrTLSRequired
	}
	if f.Mutual {
		if strings.TrimSpace(f.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(f.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (f TLSFiles) ValidateServer() error {
	mode := NormalizeSecurityMode(f.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, f.Mode)
	}
	if mode == SecurityModeProduction && !f.Enabled {
		return ErrTLSRequired
	}
	if f.Mutual && !f.Enabled {
		return ErrTLSRequired
	}
	if f.Enabled {
		if strings.TrimSpace(f.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(f.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if f.Mutual && strings.TrimSpace(f.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ClientConfig builds the dial-side TLS context. It returns nil when TLS is
// disabled, which leaves tls:// and wss:// on the unauthenticated default.
func (f TLSFiles) ClientConfig() (*tls.Config, error) {
	if !f.Enabled {
		return nil, nil
	}
	if err := f.ValidateClient(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: f.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(f.ServerName),
	}
	if caPath := strings.TrimSpace(f.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if f.Mutual {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerConfig builds the listener-side TLS context, or nil when disabled.
func (f TLSFiles) ServerConfig() (*tls.Config, error) {
	if !f.Enabled {
		return nil, nil
	}
	if err := f.ValidateServer(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if f.Mutual {
		pool, err := loadPool(f.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

// clientTLS resolves the effective dial-side context for host.
func clientTLS(cfg *tls.Config, hostport string) *tls.Config {
	var out *tls.Config
	if cfg == nil {
		out = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
	} else {
		out = cfg.Clone()
	}
	if out.ServerName == "" {
		if host, _, err := net.SplitHostPort(hostport); err == nil {
			out.ServerName = host
		}
	}
	return out
}
