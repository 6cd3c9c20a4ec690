package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// TunnelConfig describes one local-side tunnel to run.
type TunnelConfig struct {
	TunnelId   string `json:"tunnelId"`
	LocalPort  uint16 `json:"localPort"`
	RemotePort uint16 `json:"remotePort"`
	UseIPv4    bool   `json:"useIPv4"`
}

// Config is the declarative tunnel-list config file format, in the spirit
// of the teacher's SessionConfigRequest (a version plus a list of channel
// descriptors), adapted to a flat JSON file a human can hand-edit.
type Config struct {
	Server string `json:"server"`
	// Transport selects the concrete Transport implementation: "ws"
	// (default, gorilla/websocket) or "ssh" (golang.org/x/crypto/ssh).
	Transport string `json:"transport"`
	// Auth is "user:password", used only when Transport is "ssh".
	Auth string `json:"auth,omitempty"`
	// Fingerprint, if set, pins the expected SSH host key prefix; if
	// empty the host key is not verified.
	Fingerprint string         `json:"fingerprint,omitempty"`
	Tunnels     []TunnelConfig `json:"tunnels"`
}

// LoadConfig reads and parses the JSON config file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tunnelproxy: read config %q: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("tunnelproxy: parse config %q: %w", path, err)
	}
	if cfg.Transport == "" {
		cfg.Transport = "ws"
	}
	return &cfg, nil
}
