package doctor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Report describes which host capabilities are present. It is recomputed on
// every probe; host state (installed binaries, network) can change between calls.
type Report struct {
	Krunvm      bool `json:"krunvm"`
	Buildah     bool `json:"buildah"`
	KVM         bool `json:"kvm"`
	OfflineMode bool `json:"offline_mode"`
	Ready       bool `json:"ready"`
}

// connectivityProbe is dialed with a short timeout to detect offline hosts.
// Any registry would do; this one answers fast and is what image pulls hit anyway.
const connectivityProbe = "registry-1.docker.io:443"

// Prober checks that the VM launcher, the image builder and hardware
// virtualization are usable. A missing dependency is a false field, never an
// error; only a catastrophic host fault surfaces as one.
type Prober struct {
	kvmPath     string
	dialTimeout time.Duration

	// test seams
	lookPath func(string) (string, error)
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProber() *Prober {
	var d net.Dialer
	return &Prober{
		kvmPath:     "/dev/kvm",
		dialTimeout: 2 * time.Second,
		lookPath:    exec.LookPath,
		dial:        d.DialContext,
	}
}

// Probe runs all capability checks. It never blocks longer than the dial
// timeout plus a few PATH lookups.
func (p *Prober) Probe(ctx context.Context) (Report, error) {
	r := Report{
		Krunvm:  p.binaryPresent("krunvm"),
		Buildah: p.binaryPresent("buildah"),
		KVM:     p.kvmPresent(),
	}
	r.OfflineMode = !p.networkReachable(ctx)
	r.Ready = r.Krunvm && r.Buildah && r.KVM

	log.Debug().
		Bool("krunvm", r.Krunvm).
		Bool("buildah", r.Buildah).
		Bool("kvm", r.KVM).
		Bool("offline_mode", r.OfflineMode).
		Msg("dependency probe")

	return r, nil
}

func (p *Prober) binaryPresent(name string) bool {
	_, err := p.lookPath(name)
	return err == nil
}

func (p *Prober) kvmPresent() bool {
	_, err := os.Stat(p.kvmPath)
	return err == nil
}

func (p *Prober) networkReachable(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", connectivityProbe)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
