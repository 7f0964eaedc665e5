package doctor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// newTestProber builds a Prober with scripted lookups so tests don't depend on
// what the host has installed.
func newTestProber(present map[string]bool, online bool) *Prober {
	return &Prober{
		kvmPath:     "/dev/null", // always present
		dialTimeout: 50 * time.Millisecond,
		lookPath: func(name string) (string, error) {
			if present[name] {
				return "/usr/bin/" + name, nil
			}
			return "", errors.New("not found")
		},
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if online {
				c, s := net.Pipe()
				go s.Close()
				return c, nil
			}
			return nil, errors.New("unreachable")
		},
	}
}

func TestProbeAllPresent(t *testing.T) {
	p := newTestProber(map[string]bool{"krunvm": true, "buildah": true}, true)

	r, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !r.Krunvm || !r.Buildah || !r.KVM {
		t.Errorf("expected all capabilities present, got %+v", r)
	}
	if r.OfflineMode {
		t.Error("expected online")
	}
	if !r.Ready {
		t.Error("expected ready when launcher, builder and KVM are present")
	}
}

func TestProbeMissingDependencyIsNotAnError(t *testing.T) {
	tests := []struct {
		name    string
		present map[string]bool
	}{
		{"no krunvm", map[string]bool{"buildah": true}},
		{"no buildah", map[string]bool{"krunvm": true}},
		{"nothing", map[string]bool{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProber(tt.present, true)
			r, err := p.Probe(context.Background())
			if err != nil {
				t.Fatalf("missing dependency must not be an error, got %v", err)
			}
			if r.Ready {
				t.Errorf("Ready = true with missing dependencies: %+v", r)
			}
		})
	}
}

func TestProbeOffline(t *testing.T) {
	p := newTestProber(map[string]bool{"krunvm": true, "buildah": true}, false)

	r, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !r.OfflineMode {
		t.Error("expected offline_mode when the probe endpoint is unreachable")
	}
	// Offline does not gate readiness: cached/local images still work.
	if !r.Ready {
		t.Error("offline host with all tools present should still be ready")
	}
}

func TestProbeMissingKVM(t *testing.T) {
	p := newTestProber(map[string]bool{"krunvm": true, "buildah": true}, true)
	p.kvmPath = "/nonexistent/kvm"

	r, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if r.KVM {
		t.Error("expected KVM = false")
	}
	if r.Ready {
		t.Error("expected not ready without KVM")
	}
}
