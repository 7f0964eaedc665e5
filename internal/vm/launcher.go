package vm

import (
	"context"
	"io"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/config"
)

// Spec describes one VM instance to create. Everything a launcher needs is in
// here; launchers never reach back into the Runner.
type Spec struct {
	Name        string
	Image       string // launcher-acceptable name, no transport prefix
	CPUs        int
	MemoryMB    int
	WorkDir     string // guest work dir, e.g. /work
	HostWorkDir string // host directory mapped onto WorkDir
	Network     bool
	Ports       []PortForward
	ExtraArgs   []string
	Command     []string // guest entry command
}

// ExitStatus is the terminal state of a guest workload.
type ExitStatus struct {
	Code     int
	GuestRan bool // false when the launcher fell over before guest code ran
}

// Launcher is the external VM-launcher capability. Implementations: krunvm
// subprocess driving hardware-virtualized microVMs, a containerd fallback for
// hosts without KVM, and an in-memory fake for tests.
type Launcher interface {
	// Name identifies the backend for logs and results.
	Name() string

	// Create instantiates (but does not start) an isolated instance. On error
	// no instance resources remain allocated.
	Create(ctx context.Context, spec Spec) (Instance, error)
}

// Instance is one created VM. The creating Runner owns its whole lifetime:
// whatever happens, Delete runs before Execute returns.
type Instance interface {
	// Start runs the guest command, streaming captured output into the
	// writers, and blocks until guest exit, context deadline, or launcher
	// failure. Partial output is written even on deadline.
	Start(ctx context.Context, stdout, stderr io.Writer) (ExitStatus, error)

	// Kill forcefully terminates a running guest. Guests are untrusted and may
	// ignore signals, so this must not be cooperative.
	Kill(ctx context.Context) error

	// Delete releases every instance resource. Idempotent, safe after Kill.
	Delete(ctx context.Context) error
}

// NewLauncher picks a backend per configuration: krunvm when krunvm and KVM
// are present, otherwise containerd on Linux hosts that have it.
func NewLauncher(ctx context.Context, cfg *config.Config) (Launcher, error) {
	preference := cfg.VM.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "krunvm":
		return newKrunvmLauncher(cfg.VM)
	case "containerd":
		return newContainerdLauncher(ctx, cfg.VM)
	case "auto":
		l, err := newKrunvmLauncher(cfg.VM)
		if err == nil {
			log.Info().Msg("using krunvm microVM backend")
			return l, nil
		}
		log.Warn().Err(err).Msg("krunvm unavailable, trying containerd")

		if runtime.GOOS == "linux" {
			l, cerr := newContainerdLauncher(ctx, cfg.VM)
			if cerr == nil {
				log.Info().Msg("using containerd backend (no hardware isolation)")
				return l, nil
			}
			log.Warn().Err(cerr).Msg("containerd unavailable")
		}

		return nil, ErrLauncherUnavailable
	default:
		return nil, ErrLauncherUnavailable
	}
}

func binaryOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
