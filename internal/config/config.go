// Package config loads the native-debug backend's tunables from a TOML
// file and lets callers override them with command-line flags, the way
// runsc/config/flags.go registers flags on top of its Config struct.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds the backend's tunables. Only LogLevel takes effect:
// cmd/lwpdebugctl applies it to internal/debuglog. stopresume.New takes
// no Config, so no backend component reads the other fields (the event
// loop, for one, runs at its built-in 200 drain passes per second).
// Zero-value-safe: Default() returns one with sane values, used when no
// file is given.
type Config struct {
	// LogLevel is one of "debug", "info", "warning".
	LogLevel string `toml:"log_level"`

	// PollBackoffInitial and PollBackoffMax bound the EventLoop's
	// sigsuspend/waitpid-drain cadence (C5) and the attach_all_tasks
	// rescan cadence (C1/§4.6.1).
	PollBackoffInitial time.Duration `toml:"poll_backoff_initial"`
	PollBackoffMax     time.Duration `toml:"poll_backoff_max"`

	// WaitpidDrainRateHz caps how many WNOHANG waitpid calls per second
	// the event loop issues while draining (golang.org/x/time/rate),
	// guarding against a busy-poll if a tracee misbehaves.
	WaitpidDrainRateHz float64 `toml:"waitpid_drain_rate_hz"`

	// ProcMemProbeLockPath is the flock(2) guard file for the one-time
	// /proc/<pid>/mem writability self-probe (§9).
	ProcMemProbeLockPath string `toml:"proc_mem_probe_lock_path"`

	// PreferProcMem selects /proc/<pid>/mem over PTRACE_PEEKTEXT/POKETEXT
	// for bulk memory access when both are available (§9).
	PreferProcMem bool `toml:"prefer_proc_mem"`

	// MountNsHelperPath, when set, overrides re-exec of the running
	// binary for the C3 helper (useful for tests with a stub helper
	// binary).
	MountNsHelperPath string `toml:"mount_ns_helper_path"`
}

// Default returns the backend's built-in tunables.
func Default() *Config {
	return &Config{
		LogLevel:             "info",
		PollBackoffInitial:   2 * time.Millisecond,
		PollBackoffMax:       200 * time.Millisecond,
		WaitpidDrainRateHz:   2000,
		ProcMemProbeLockPath: "/tmp/lwpdebug-procmem-probe.lock",
		PreferProcMem:        true,
	}
}

// Load reads path (TOML) on top of Default(), returning the merged
// config. A missing file is not an error; Default() is returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, nil
}

// RegisterFlags registers flags that override cfg's fields in place,
// mirroring runsc/config/flags.go's flag-registration idiom.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug log verbosity: debug, info, or warning.")
	fs.DurationVar(&cfg.PollBackoffInitial, "poll-backoff-initial", cfg.PollBackoffInitial, "initial backoff between empty waitpid drains.")
	fs.DurationVar(&cfg.PollBackoffMax, "poll-backoff-max", cfg.PollBackoffMax, "maximum backoff between empty waitpid drains.")
	fs.Float64Var(&cfg.WaitpidDrainRateHz, "waitpid-drain-rate-hz", cfg.WaitpidDrainRateHz, "maximum WNOHANG waitpid calls per second during drain.")
	fs.StringVar(&cfg.ProcMemProbeLockPath, "proc-mem-probe-lock", cfg.ProcMemProbeLockPath, "flock path guarding the /proc/<pid>/mem writability probe.")
	fs.BoolVar(&cfg.PreferProcMem, "prefer-proc-mem", cfg.PreferProcMem, "prefer /proc/<pid>/mem over PEEKTEXT/POKETEXT for bulk memory access.")
	fs.StringVar(&cfg.MountNsHelperPath, "mount-ns-helper-path", cfg.MountNsHelperPath, "override binary path for the mount-namespace helper re-exec.")
}
