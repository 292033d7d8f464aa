package isolation

import (
	"runtime"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	tests := []struct {
		name    string
		devMode bool
		want    bool
	}{
		{"dev mode", true, false},
		{"production", false, runtime.GOOS == "linux"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(tt.devMode)
			if cfg.DevMode != tt.devMode {
				t.Errorf("Expected DevMode %v, got %v", tt.devMode, cfg.DevMode)
			}
			if cfg.DisableCoreDumps != tt.want || cfg.LockMemory != tt.want || cfg.NoNewPrivs != tt.want {
				t.Errorf("Expected all steps %v, got %+v", tt.want, cfg)
			}
		})
	}
}

func TestEnforceDevModeIsNoop(t *testing.T) {
	// Must not touch process limits
	Enforce(DefaultConfig(true))
}

func TestCoreDumpsDisabled(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("Linux only")
	}
	Enforce(Config{DisableCoreDumps: true})
	if err := Verify(); err != nil {
		t.Errorf("Verify failed after disabling core dumps: %v", err)
	}
}
