package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/routerd/internal/testutil/testlog"
)

func TestNewConfigDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.TLS != nil {
		t.Fatalf("expected nil tls context by default")
	}
	if cfg.MaxFramePayloadLength != DefaultMaxFramePayloadLength {
		t.Fatalf("unexpected max frame payload: %d", cfg.MaxFramePayloadLength)
	}
	if cfg.KeepAliveEnabled() {
		t.Fatalf("keep-alive should be off by default")
	}
}

func TestNewConfigRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)

	cases := map[string]Option{
		"zero frame":       WithMaxFramePayloadLength(0),
		"negative frame":   WithMaxFramePayloadLength(-1),
		"zero period":      WithKeepAlive(0, time.Second),
		"zero timeout":     WithKeepAlive(time.Second, 0),
		"negative timeout": WithKeepAlive(time.Second, -time.Second),
		"zero dial":        WithDialTimeout(0),
	}
	for name, opt := range cases {
		if _, err := NewConfig(opt); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", name, err)
		}
	}
}

func TestConfigValidateKeepAlivePairing(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.PingPeriod = time.Second
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected pairing error, got %v", err)
	}
	cfg.PingTimeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if !cfg.KeepAliveEnabled() {
		t.Fatalf("expected keep-alive enabled")
	}
}

func TestParseAddress(t *testing.T) {
	testlog.Start(t)

	u, err := parseAddress("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("parse bare: %v", err)
	}
	if u.Scheme != SchemeTCP || u.Host != "127.0.0.1:8080" {
		t.Fatalf("unexpected bare parse: %s", u)
	}
	u, err = parseAddress("WS://localhost:8080/ws1")
	if err != nil {
		t.Fatalf("parse ws: %v", err)
	}
	if u.Scheme != SchemeWS || u.Path != "/ws1" {
		t.Fatalf("unexpected ws parse: %s", u)
	}
	if _, err := parseAddress(""); !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("expected ErrUnsupportedURL, got %v", err)
	}
	if _, err := Listen("udp://127.0.0.1:0", DefaultConfig()); !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("expected unsupported scheme, got %v", err)
	}
	if _, err := Listen("tls://127.0.0.1:0", DefaultConfig()); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected tls listener without cert to fail, got %v", err)
	}
}

func TestTLSFilesValidation(t *testing.T) {
	testlog.Start(t)

	prod := TLSFiles{Mode: SecurityModeProduction}
	if err := prod.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	insecure := TLSFiles{Enabled: true, InsecureSkipVerify: true, Mode: SecurityModeProduction}
	if err := insecure.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected insecure rejection, got %v", err)
	}
	server := TLSFiles{Enabled: true, CertFile: "server.crt"}
	if err := server.ValidateServer(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	mutual := TLSFiles{Enabled: true, Mutual: true, CertFile: "s.crt", KeyFile: "s.key"}
	if err := mutual.ValidateServer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	if err := (TLSFiles{Mode: "staging"}).ValidateServer(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
	disabled, err := TLSFiles{}.ClientConfig()
	if err != nil || disabled != nil {
		t.Fatalf("expected nil context when tls disabled, got %v %v", disabled, err)
	}
}
