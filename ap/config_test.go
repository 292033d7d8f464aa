package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mesmerverse/bootguard/flash"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Bus.Backend != def.Bus.Backend || cfg.Flash.Backend != def.Flash.Backend {
		t.Errorf("Expected defaults, got bus=%s flash=%s", cfg.Bus.Backend, cfg.Flash.Backend)
	}
	if cfg.Protocol.Timeout() <= 0 {
		t.Error("Expected a positive default timeout")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ap.yaml")
	data := `
dev_mode: true
components: [0x11111124, 0x11111125, 0x11111126]
banner: "Hello"
bus:
  backend: nats
  nats:
    url: nats://bus:4222
    prefix: test.bus
flash:
  backend: sqlite
  path: /tmp/flash.db
  page_id: 3
protocol:
  timeout_ms: 500
  strict_boot_ack: true
  blacklist: [0x18, 0x30]
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.DevMode {
		t.Error("Expected dev mode")
	}
	if len(cfg.Components) != 3 || cfg.Components[2] != 0x11111126 {
		t.Errorf("Unexpected components %x", cfg.Components)
	}
	if cfg.Bus.Backend != "nats" || cfg.Bus.NATS.Prefix != "test.bus" {
		t.Errorf("Unexpected bus config %+v", cfg.Bus)
	}
	// Fields absent from the file keep their defaults
	if cfg.Bus.NATS.ReconnectWait != DefaultConfig().Bus.NATS.ReconnectWait {
		t.Errorf("Expected default reconnect wait, got %d", cfg.Bus.NATS.ReconnectWait)
	}
	if cfg.Flash.PageID != 3 {
		t.Errorf("Expected page 3, got %d", cfg.Flash.PageID)
	}
	if len(cfg.Protocol.Blacklist) != 2 || cfg.Protocol.Blacklist[1] != 0x30 {
		t.Errorf("Unexpected blacklist %x", cfg.Protocol.Blacklist)
	}
	if cfg.Protocol.Timeout().Milliseconds() != 500 || !cfg.Protocol.StrictBootAck {
		t.Errorf("Unexpected protocol config %+v", cfg.Protocol)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bus backend", "bus: {backend: i2c}"},
		{"flash backend", "flash: {backend: eeprom}"},
		{"secrets source", "secrets: {source: env}"},
		{"malformed", "components: ["},
		{"empty scan range", "protocol: {scan_first: 0x70, scan_last: 0x10}"},
		{"zero ping interval", "protocol: {ping_interval_seconds: 0}"},
		{"negative ping interval", "protocol: {ping_interval_seconds: -5}"},
		{"memory flash outside dev mode", "flash: {backend: memory}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ap.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestMemoryFlashBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ap.yaml")
	if err := os.WriteFile(path, []byte("dev_mode: true\nflash: {backend: memory}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	page, closeFn, err := openFlash(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openFlash failed: %v", err)
	}
	defer closeFn()

	store := flash.NewStore(page)
	if err := store.Init(context.Background(), cfg.Components); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Replace(context.Background(), cfg.Components[0], 0x11111126); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	reloaded := flash.NewStore(page)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ids := reloaded.IDs(); len(ids) != len(cfg.Components) || ids[0] != 0x11111126 {
		t.Errorf("Expected replaced ID persisted on the page, got %x", ids)
	}
}
