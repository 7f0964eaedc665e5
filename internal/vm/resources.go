package vm

import (
	"fmt"
	"time"

	"microvm-sandbox/internal/config"
)

// ResourceConfig is the fully-resolved resource envelope for one execution.
// It only exists in validated form: Normalize is the single producer, and the
// Runner refuses anything degenerate that slips past it.
type ResourceConfig struct {
	CPUs            int
	MemoryMB        int
	NetworkEnabled  bool
	Env             map[string]string
	Timeout         time.Duration
	WorkDir         string
	PythonArgs      []string
	Ports           []PortForward
	ExtraLaunchArgs []string
}

// PortForward maps a host port to a guest port while networking is enabled.
type PortForward struct {
	Host  int `json:"host"`
	Guest int `json:"guest"`
}

// Options carries caller-supplied overrides. Zero values mean "use the
// configured default"; negative numerics are rejected, not defaulted, so a
// typo never silently becomes a different envelope.
type Options struct {
	CPUs            int
	MemoryMB        int
	NetworkEnabled  bool
	Env             map[string]string
	TimeoutSeconds  int
	WorkDir         string
	PythonArgs      []string
	Ports           []PortForward
	ExtraLaunchArgs []string
}

// Normalize merges explicit options with configured defaults into a validated
// ResourceConfig. Everything downstream of this function may assume positive
// numerics and well-formed environment names.
func Normalize(opts Options, defaults config.VMConfig) (ResourceConfig, error) {
	rc := ResourceConfig{
		CPUs:            defaults.DefaultCPUs,
		MemoryMB:        defaults.DefaultMemoryMB,
		Timeout:         defaults.DefaultTimeout,
		WorkDir:         defaults.GuestWorkDir,
		NetworkEnabled:  opts.NetworkEnabled,
		PythonArgs:      []string{"-u"},
		ExtraLaunchArgs: opts.ExtraLaunchArgs,
	}

	if opts.CPUs != 0 {
		if opts.CPUs < 0 {
			return ResourceConfig{}, fmt.Errorf("%w: cpus must be positive, got %d", ErrInvalidConfig, opts.CPUs)
		}
		rc.CPUs = opts.CPUs
	}

	if opts.MemoryMB != 0 {
		if opts.MemoryMB < 0 {
			return ResourceConfig{}, fmt.Errorf("%w: memory_mb must be positive, got %d", ErrInvalidConfig, opts.MemoryMB)
		}
		rc.MemoryMB = opts.MemoryMB
	}

	if opts.TimeoutSeconds != 0 {
		if opts.TimeoutSeconds < 0 {
			return ResourceConfig{}, fmt.Errorf("%w: timeout_seconds must be positive, got %d", ErrInvalidConfig, opts.TimeoutSeconds)
		}
		rc.Timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	if defaults.MaxTimeout > 0 && rc.Timeout > defaults.MaxTimeout {
		return ResourceConfig{}, fmt.Errorf("%w: timeout %s exceeds maximum %s", ErrInvalidConfig, rc.Timeout, defaults.MaxTimeout)
	}

	if opts.WorkDir != "" {
		if opts.WorkDir[0] != '/' {
			return ResourceConfig{}, fmt.Errorf("%w: workdir must be an absolute guest path, got %q", ErrInvalidConfig, opts.WorkDir)
		}
		rc.WorkDir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		env := make(map[string]string, len(opts.Env))
		for k, v := range opts.Env {
			if !validEnvName(k) {
				return ResourceConfig{}, fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidConfig, k)
			}
			env[k] = v
		}
		rc.Env = env
	}

	if len(opts.PythonArgs) > 0 {
		rc.PythonArgs = opts.PythonArgs
	}

	for _, p := range opts.Ports {
		if p.Host < 1 || p.Host > 65535 || p.Guest < 1 || p.Guest > 65535 {
			return ResourceConfig{}, fmt.Errorf("%w: port forward %d:%d out of range", ErrInvalidConfig, p.Host, p.Guest)
		}
		if !opts.NetworkEnabled {
			return ResourceConfig{}, fmt.Errorf("%w: port forwards require network_enabled", ErrInvalidConfig)
		}
		rc.Ports = append(rc.Ports, p)
	}

	return rc, nil
}

// Validate re-checks the invariants the Runner depends on. Normalize already
// enforces them; this guards against hand-built configs in library use.
func (rc ResourceConfig) Validate() error {
	if rc.CPUs < 1 {
		return fmt.Errorf("%w: cpus must be >= 1, got %d", ErrInvalidConfig, rc.CPUs)
	}
	if rc.MemoryMB < 1 {
		return fmt.Errorf("%w: memory_mb must be >= 1, got %d", ErrInvalidConfig, rc.MemoryMB)
	}
	if rc.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, rc.Timeout)
	}
	if rc.WorkDir == "" || rc.WorkDir[0] != '/' {
		return fmt.Errorf("%w: workdir must be an absolute guest path, got %q", ErrInvalidConfig, rc.WorkDir)
	}
	for k := range rc.Env {
		if !validEnvName(k) {
			return fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidConfig, k)
		}
	}
	return nil
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
