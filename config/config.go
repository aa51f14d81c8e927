// Package config centralizes the toolkit-wide settings that used to live as
// bare package-level flag variables in cmd/root.go: the state root, log
// destination/format, registry TLS behavior, and vsock CID/port defaults.
// Settings are seeded with defaults, bound to a pflag.FlagSet the way
// cmd/root.go already binds --root/--log/--log-format/--debug, then may be
// overridden by environment variables, which take precedence even over a
// flag that was set explicitly.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// Defaults for every setting, named after the teacher's own default state
// root ("/run/guestinit") and the toolkit's vsock conventions.
const (
	DefaultStateRoot       = "/run/guestinit"
	DefaultLogFormat       = "text"
	DefaultRegistryTimeout = 30 * time.Second
	DefaultVsockPort       = uint32(10000)
)

// Config is the toolkit's process-wide configuration.
type Config struct {
	// StateRoot is the directory container state is persisted under.
	StateRoot string
	// LogPath is the log file path; empty means stderr.
	LogPath string
	// LogFormat is "text" or "json".
	LogFormat string
	// Debug enables debug-level logging.
	Debug bool
	// RegistryInsecure skips TLS certificate verification for registry
	// clients, for talking to a registry running with a self-signed or
	// no certificate in development.
	RegistryInsecure bool
	// RegistryTimeout bounds a single registry HTTP round trip.
	RegistryTimeout time.Duration
	// VsockCID is the context ID the guest init dials or listens on.
	VsockCID uint32
	// VsockPort is the vsock port the guest init dials or listens on.
	VsockPort uint32
}

// Default returns a Config populated with the toolkit's defaults.
func Default() Config {
	return Config{
		StateRoot:       DefaultStateRoot,
		LogFormat:       DefaultLogFormat,
		RegistryTimeout: DefaultRegistryTimeout,
		VsockCID:        0,
		VsockPort:       DefaultVsockPort,
	}
}

// RegisterFlags binds cfg's fields to fs, using the same flag names and help
// text style as cmd/root.go's persistent flags, plus the registry/vsock
// settings cmd/root.go never exposed.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.StateRoot, "root", cfg.StateRoot, "root directory for storage of container state (default: "+DefaultStateRoot+")")
	fs.StringVar(&cfg.LogPath, "log", cfg.LogPath, "set the log file path")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "set the format for log output (text or json)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.BoolVar(&cfg.RegistryInsecure, "registry-insecure", cfg.RegistryInsecure, "skip TLS certificate verification for registry clients")
	fs.DurationVar(&cfg.RegistryTimeout, "registry-timeout", cfg.RegistryTimeout, "timeout for a single registry HTTP round trip")
	fs.Uint32Var(&cfg.VsockCID, "vsock-cid", cfg.VsockCID, "vsock context ID to dial or listen on (0: unset)")
	fs.Uint32Var(&cfg.VsockPort, "vsock-port", cfg.VsockPort, "vsock port to dial or listen on")
}

// env variable names, all under the GUESTINIT_ prefix.
const (
	envStateRoot       = "GUESTINIT_ROOT"
	envLogPath         = "GUESTINIT_LOG"
	envLogFormat       = "GUESTINIT_LOG_FORMAT"
	envDebug           = "GUESTINIT_DEBUG"
	envRegistryInsec   = "GUESTINIT_REGISTRY_INSECURE"
	envRegistryTimeout = "GUESTINIT_REGISTRY_TIMEOUT"
	envVsockCID        = "GUESTINIT_VSOCK_CID"
	envVsockPort       = "GUESTINIT_VSOCK_PORT"
)

// ApplyEnv overrides fields in cfg from GUESTINIT_* environment variables.
// It is meant to run after flag parsing so that an explicitly-passed flag
// (which RegisterFlags already wrote into cfg) still loses to an
// environment variable — matching the convention that environment is the
// outermost, most-deployment-specific layer of configuration.
func (cfg *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(envStateRoot); ok {
		cfg.StateRoot = v
	}
	if v, ok := os.LookupEnv(envLogPath); ok {
		cfg.LogPath = v
	}
	if v, ok := os.LookupEnv(envLogFormat); ok {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv(envDebug); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "config.apply_env", envDebug)
		}
		cfg.Debug = b
	}
	if v, ok := os.LookupEnv(envRegistryInsec); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "config.apply_env", envRegistryInsec)
		}
		cfg.RegistryInsecure = b
	}
	if v, ok := os.LookupEnv(envRegistryTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "config.apply_env", envRegistryTimeout)
		}
		cfg.RegistryTimeout = d
	}
	if v, ok := os.LookupEnv(envVsockCID); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "config.apply_env", envVsockCID)
		}
		cfg.VsockCID = uint32(n)
	}
	if v, ok := os.LookupEnv(envVsockPort); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrInvalidConfig, "config.apply_env", envVsockPort)
		}
		cfg.VsockPort = uint32(n)
	}
	return nil
}
