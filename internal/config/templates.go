package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindRouter = "router"
	KindClient = "client"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRouter:
		return routerTemplate, nil
	case KindClient:
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("%w: unknown config kind %q", ErrInvalidConfig, kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and discards the result.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRouter:
		_, err := LoadRouter(path)
		return err
	case KindClient:
		_, err := LoadClient(path)
		return err
	default:
		return fmt.Errorf("%w: unknown config kind %q", ErrInvalidConfig, kind)
	}
}

const routerTemplate = `realms = ["realm1"]
auto_create_realms = false
agent = "routerd"
session_queue_size = 256
handshake_timeout = "5s"
listen = ["ws://0.0.0.0:8080/ws1", "tcp://0.0.0.0:8081"]
metrics_addr = "127.0.0.1:9090"

max_frame_payload_length = 65535
keepalive_period = "30s"
keepalive_timeout = "10s"
write_timeout = "15s"

tls_security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`

const clientTemplate = `realm = "realm1"
address = "ws://127.0.0.1:8080/ws1"
agent = "routerd-client"
handshake_timeout = "5s"
goodbye_timeout = "2s"
reconnect_max_attempts = -1
reconnect_interval = "3s"

keepalive_period = "30s"
keepalive_timeout = "10s"
dial_timeout = "5s"

tls_security_mode = "development"
tls_enabled = false
tls_server_name = ""
tls_ca_file = ""
`
