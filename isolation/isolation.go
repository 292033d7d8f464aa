// Package isolation hardens processes that hold deployment keys.
// SECURITY: call Enforce before any secret is loaded.
package isolation

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Config selects which hardening steps run
type Config struct {
	DisableCoreDumps bool `yaml:"disable_core_dumps"`
	LockMemory       bool `yaml:"lock_memory"`
	NoNewPrivs       bool `yaml:"no_new_privs"`
	// DevMode skips hardening entirely
	DevMode bool `yaml:"-"`
}

// DefaultConfig enables every step outside dev mode
func DefaultConfig(devMode bool) Config {
	linux := runtime.GOOS == "linux"
	return Config{
		DisableCoreDumps: !devMode && linux,
		LockMemory:       !devMode && linux,
		NoNewPrivs:       !devMode && linux,
		DevMode:          devMode,
	}
}

// Enforce applies the configured steps. Failures are logged, not returned:
// a board or enclave without the needed privileges still boots.
func Enforce(cfg Config) {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, key isolation not enforced")
		return
	}
	if runtime.GOOS != "linux" {
		log.Warn().Str("os", runtime.GOOS).Msg("Process isolation only supported on Linux")
		return
	}

	if os.Geteuid() == 0 {
		log.Warn().Msg("SECURITY WARNING: Running as root is not recommended")
	}

	if cfg.NoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			log.Warn().Err(err).Msg("Failed to set no_new_privs")
		} else {
			log.Info().Msg("Set no_new_privs flag")
		}
	}

	// Keys must never reach a crash dump
	if cfg.DisableCoreDumps {
		if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
			log.Warn().Err(err).Msg("Failed to disable core dumps")
		} else {
			log.Info().Msg("Disabled core dumps")
		}
	}

	// Keys must never reach swap
	if cfg.LockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
		} else {
			log.Info().Msg("Memory locked (mlockall)")
		}
	}
}

// Verify reports whether core dumps are still disabled
func Verify() error {
	if runtime.GOOS != "linux" {
		return nil
	}
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		return fmt.Errorf("cannot check RLIMIT_CORE: %w", err)
	}
	if rlim.Cur != 0 || rlim.Max != 0 {
		return fmt.Errorf("SECURITY VIOLATION: core dumps are enabled")
	}
	return nil
}
