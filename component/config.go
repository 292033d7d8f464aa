package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/isolation"
)

// Config holds the Component process configuration
type Config struct {
	// DevMode enables development mode (TCP instead of vsock, no hardening)
	DevMode bool `yaml:"dev_mode"`

	// ID is this Component's provisioned identifier; its low byte is the bus address
	ID uint32 `yaml:"id"`

	// BootMessage is returned to the AP on a successful boot
	BootMessage string `yaml:"boot_message"`

	Bus       BusConfig        `yaml:"bus"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	Health    HealthConfig     `yaml:"health"`
	Isolation isolation.Config `yaml:"isolation"`
}

// BusConfig selects the transport the Component listens on
type BusConfig struct {
	Backend string           `yaml:"backend"` // stream or nats
	Stream  bus.StreamConfig `yaml:"stream"`
	NATS    bus.NATSConfig   `yaml:"nats"`
}

// SecretsConfig locates the provisioned bundles
type SecretsConfig struct {
	Path            string `yaml:"path"`
	AttestationPath string `yaml:"attestation_path"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Bus.Backend != "stream" && cfg.Bus.Backend != "nats" {
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
	if bus.IsReserved(bus.AddressOf(cfg.ID)) {
		return nil, fmt.Errorf("component ID 0x%08x maps to reserved address 0x%02x", cfg.ID, bus.AddressOf(cfg.ID))
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode:     false,
		ID:          0x11111124,
		BootMessage: "Component boot",
		Bus: BusConfig{
			Backend: "stream",
			Stream: bus.StreamConfig{
				Host:     "127.0.0.1",
				CID:      3, // Host CID when listening from the parent side
				BasePort: 7000,
			},
			NATS: bus.NATSConfig{
				URL:             "nats://127.0.0.1:4222",
				CredentialsFile: "/etc/bootguard/nats.creds",
				Prefix:          "bootguard.bus",
				ReconnectWait:   2000,
				MaxReconnects:   -1, // Unlimited
			},
		},
		Secrets: SecretsConfig{
			Path:            "/etc/bootguard/component.secrets",
			AttestationPath: "/etc/bootguard/attestation.sealed",
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Isolation: isolation.DefaultConfig(false),
	}
}

func formatID(id uint32) string {
	return fmt.Sprintf("0x%08x", id)
}
