package tests

import (
	"context"
	"strings"
	"testing"
	"time"

	"microvm-sandbox/internal/config"
	"microvm-sandbox/internal/doctor"
	"microvm-sandbox/internal/image"
	"microvm-sandbox/internal/monitor"
	"microvm-sandbox/internal/vm"
)

// setupRunner wires a real krunvm-backed runner. Skips when the host lacks
// krunvm, buildah, or KVM.
func setupRunner(t *testing.T) *vm.Runner {
	t.Helper()

	ctx := context.Background()
	prober := doctor.NewProber()
	report, err := prober.Probe(ctx)
	if err != nil || !report.Ready {
		t.Skipf("host not ready for microVM execution (krunvm=%v buildah=%v kvm=%v): %v",
			report.Krunvm, report.Buildah, report.KVM, err)
	}

	cfg := config.DefaultConfig()
	cfg.Images.CacheDir = t.TempDir()
	cfg.VM.Backend = "krunvm"

	launcher, err := vm.NewLauncher(ctx, cfg)
	if err != nil {
		t.Skipf("launcher unavailable: %v", err)
	}

	images := image.NewManager(cfg.Images, image.NewBuildahBuilder())
	return vm.NewRunner(cfg.VM, images, launcher, monitor.NewMetrics())
}

func TestEndToEndHelloWorld(t *testing.T) {
	runner := setupRunner(t)

	res, err := runner.Execute(context.Background(), vm.Request{
		Code: `print("hello from the guest")`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello from the guest") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestEndToEndGuestFailure(t *testing.T) {
	runner := setupRunner(t)

	res, err := runner.Execute(context.Background(), vm.Request{
		Code: "import sys\nsys.exit(3)",
	})
	if err != nil {
		t.Fatalf("guest failure must be a result: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
}

func TestEndToEndTimeout(t *testing.T) {
	runner := setupRunner(t)

	start := time.Now()
	res, err := runner.Execute(context.Background(), vm.Request{
		Code:    "import time\nwhile True: time.sleep(1)",
		Options: vm.Options{TimeoutSeconds: 3},
	})
	if err != nil {
		t.Fatalf("timeout must be a result: %v", err)
	}

	if res.ExitCode != 124 || !res.TimedOut {
		t.Errorf("exit = %d timed_out = %v, want 124/true", res.ExitCode, res.TimedOut)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("timeout took %s, teardown is not bounded", elapsed)
	}
}

func TestEndToEndArtifacts(t *testing.T) {
	runner := setupRunner(t)

	res, err := runner.Execute(context.Background(), vm.Request{
		Code: `
with open("/work/out/result.csv", "w") as f:
    f.write("a,b\n1,2\n")
`,
		ArtifactPatterns: []string{"out/*.csv"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.ExitCode, res.Stderr)
	}

	if len(res.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(res.Artifacts))
	}
	a := res.Artifacts[0]
	if a.GuestPath != "out/result.csv" {
		t.Errorf("guest path = %q", a.GuestPath)
	}
	if string(a.Content) != "a,b\n1,2\n" {
		t.Errorf("content = %q", a.Content)
	}
}

func TestEndToEndInputFiles(t *testing.T) {
	runner := setupRunner(t)

	res, err := runner.Execute(context.Background(), vm.Request{
		Code: `
with open("/work/in/data.txt") as f:
    print(f.read().strip())
`,
		InputFiles: map[string][]byte{"data.txt": []byte("staged input\n")},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Stdout, "staged input") {
		t.Errorf("stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
}

func TestEndToEndFreshVMPerExecution(t *testing.T) {
	runner := setupRunner(t)

	first, err := runner.Execute(context.Background(), vm.Request{
		Code: `open("/tmp/marker", "w").write("x")`,
	})
	if err != nil || first.ExitCode != 0 {
		t.Fatalf("first run: %v, exit %d", err, first.ExitCode)
	}

	second, err := runner.Execute(context.Background(), vm.Request{
		Code: `import os; print(os.path.exists("/tmp/marker"))`,
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(second.Stdout, "False") {
		t.Errorf("state leaked across VMs: %q", second.Stdout)
	}
}
