package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/bootguard/bus"
	"github.com/mesmerverse/bootguard/flash"
	"github.com/mesmerverse/bootguard/isolation"
	"github.com/mesmerverse/bootguard/secrets"
)

// Config holds the Application Processor configuration
type Config struct {
	// DevMode enables development mode (TCP instead of vsock, no hardening)
	DevMode bool `yaml:"dev_mode"`

	// Components are the IDs written to an uninitialized flash record
	Components []uint32 `yaml:"components"`

	// Banner is printed after a successful boot
	Banner string `yaml:"banner"`

	Bus       BusConfig        `yaml:"bus"`
	Flash     FlashConfig      `yaml:"flash"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	Protocol  ProtocolConfig   `yaml:"protocol"`
	Isolation isolation.Config `yaml:"isolation"`
}

// BusConfig selects the transport to the Components
type BusConfig struct {
	Backend string           `yaml:"backend"` // stream or nats
	Stream  bus.StreamConfig `yaml:"stream"`
	NATS    bus.NATSConfig   `yaml:"nats"`
}

// FlashConfig selects where the provisioned record lives
type FlashConfig struct {
	Backend string         `yaml:"backend"` // file, sqlite, s3 or memory (dev mode only)
	Path    string         `yaml:"path"`
	PageID  int            `yaml:"page_id"` // sqlite only
	S3      flash.S3Config `yaml:"s3"`
}

// SecretsConfig selects where the AP bundle is loaded from
type SecretsConfig struct {
	Source string            `yaml:"source"` // file or ssm
	Path   string            `yaml:"path"`
	SSM    secrets.SSMConfig `yaml:"ssm"`
}

// ProtocolConfig tunes the controller
type ProtocolConfig struct {
	TimeoutMS          int  `yaml:"timeout_ms"`
	StrictBootAck      bool `yaml:"strict_boot_ack"`
	VerifyBeforeCommit bool `yaml:"verify_before_commit"`
	PingInterval       int  `yaml:"ping_interval_seconds"`

	// Discovery scan range, inclusive
	ScanFirst uint8   `yaml:"scan_first"`
	ScanLast  uint8   `yaml:"scan_last"`
	Blacklist []uint8 `yaml:"blacklist"`
}

// Timeout returns the per-exchange deadline
func (p ProtocolConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Bus.Backend {
	case "stream", "nats":
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	switch c.Flash.Backend {
	case "file", "sqlite", "s3":
	case "memory":
		if !c.DevMode {
			return fmt.Errorf("memory flash backend requires dev_mode")
		}
	default:
		return fmt.Errorf("unknown flash backend %q", c.Flash.Backend)
	}
	switch c.Secrets.Source {
	case "file", "ssm":
	default:
		return fmt.Errorf("unknown secrets source %q", c.Secrets.Source)
	}
	if c.Protocol.ScanFirst > c.Protocol.ScanLast {
		return fmt.Errorf("scan range 0x%02x-0x%02x is empty", c.Protocol.ScanFirst, c.Protocol.ScanLast)
	}
	if c.Protocol.PingInterval <= 0 {
		return fmt.Errorf("ping_interval_seconds must be positive, got %d", c.Protocol.PingInterval)
	}
	if len(c.Components) > flash.MaxComponents {
		return fmt.Errorf("%d components configured, at most %d supported", len(c.Components), flash.MaxComponents)
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode:    false,
		Components: []uint32{0x11111124, 0x11111125},
		Banner:     "Welcome to the BootGuard system",
		Bus: BusConfig{
			Backend: "stream",
			Stream: bus.StreamConfig{
				Host:     "127.0.0.1",
				CID:      16,
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
		Flash: FlashConfig{
			Backend: "file",
			Path:    "/var/lib/bootguard/flash.page",
			PageID:  0,
			S3: flash.S3Config{
				Bucket:    "bootguard-flash",
				Region:    "us-east-1",
				KeyPrefix: "ap/",
			},
		},
		Secrets: SecretsConfig{
			Source: "file",
			Path:   "/etc/bootguard/ap.secrets",
			SSM: secrets.SSMConfig{
				Parameter: "/bootguard/ap-secrets",
				Region:    "us-east-1",
			},
		},
		Protocol: ProtocolConfig{
			TimeoutMS:    int(bus.DefaultTimeout / time.Millisecond),
			PingInterval: 5,
			ScanFirst:    bus.ScanFirst,
			ScanLast:     bus.ScanLast,
			Blacklist:    bus.Blacklist,
		},
		Isolation: isolation.DefaultConfig(false),
	}
}
