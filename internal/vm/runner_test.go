package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"microvm-sandbox/internal/config"
	"microvm-sandbox/internal/image"
	"microvm-sandbox/internal/monitor"
)

// stubBuilder satisfies image.Builder with no-op success so runner tests can
// exercise the execution path without buildah.
type stubBuilder struct {
	unavailable bool
}

func (b *stubBuilder) Available() bool                                     { return !b.unavailable }
func (b *stubBuilder) From(context.Context, string) (string, error)        { return "wc-1", nil }
func (b *stubBuilder) Run(context.Context, string, string) error           { return nil }
func (b *stubBuilder) Commit(context.Context, string, string) error        { return nil }
func (b *stubBuilder) Remove(context.Context, string) error                { return nil }
func (b *stubBuilder) ListImages(context.Context) ([]string, error)        { return nil, nil }
func (b *stubBuilder) RemoveImage(context.Context, string) error           { return nil }
func (b *stubBuilder) CopyToStorage(context.Context, string, string) error { return nil }

// fakeBehavior scripts what the fake guest does when started.
type fakeBehavior struct {
	createErr error
	startErr  error
	stdout    string
	stderr    string
	exitCode  int
	guestRan  bool
	rawMarker bool // emit the exit marker in stdout instead of ExitStatus
	delay     time.Duration
	outFiles  map[string][]byte // written under <hostdir>/out during Start
	onStart   func(spec Spec)   // observe the staged host dir while it exists
}

type fakeLauncher struct {
	behavior fakeBehavior

	mu        sync.Mutex
	created   []Spec
	instances []*fakeInstance
}

func (l *fakeLauncher) Name() string { return "fake" }

func (l *fakeLauncher) Create(ctx context.Context, spec Spec) (Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.created = append(l.created, spec)
	if l.behavior.createErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, l.behavior.createErr)
	}
	inst := &fakeInstance{behavior: l.behavior, spec: spec}
	l.instances = append(l.instances, inst)
	return inst, nil
}

func (l *fakeLauncher) lastInstance(t *testing.T) *fakeInstance {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.instances) == 0 {
		t.Fatal("no instance was created")
	}
	return l.instances[len(l.instances)-1]
}

type fakeInstance struct {
	behavior fakeBehavior
	spec     Spec

	mu      sync.Mutex
	killed  bool
	deleted bool
}

func (i *fakeInstance) Start(ctx context.Context, stdout, stderr io.Writer) (ExitStatus, error) {
	if i.behavior.onStart != nil {
		i.behavior.onStart(i.spec)
	}
	io.WriteString(stdout, i.behavior.stdout)
	io.WriteString(stderr, i.behavior.stderr)

	for rel, content := range i.behavior.outFiles {
		p := filepath.Join(i.spec.HostWorkDir, "out", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return ExitStatus{Code: -1}, err
		}
		if err := os.WriteFile(p, content, 0o644); err != nil {
			return ExitStatus{Code: -1}, err
		}
	}

	if i.behavior.delay > 0 {
		select {
		case <-time.After(i.behavior.delay):
		case <-ctx.Done():
			return ExitStatus{Code: -1}, ctx.Err()
		}
	}

	if i.behavior.rawMarker {
		fmt.Fprintf(stdout, "\n%s %d\n", exitMarker, i.behavior.exitCode)
		return ExitStatus{Code: 0, GuestRan: false}, i.behavior.startErr
	}
	return ExitStatus{Code: i.behavior.exitCode, GuestRan: i.behavior.guestRan}, i.behavior.startErr
}

func (i *fakeInstance) Kill(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.killed = true
	return nil
}

func (i *fakeInstance) Delete(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deleted = true
	return nil
}

func (i *fakeInstance) wasDeleted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deleted
}

func newTestRunner(t *testing.T, behavior fakeBehavior) (*Runner, *fakeLauncher) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.VM.DefaultTimeout = 2 * time.Second
	cfg.VM.TeardownGracePeriod = 0
	cfg.Images.CacheDir = t.TempDir()

	launcher := &fakeLauncher{behavior: behavior}
	images := image.NewManager(cfg.Images, &stubBuilder{})
	runner := NewRunner(cfg.VM, images, launcher, monitor.NewMetrics())
	return runner, launcher
}

func TestExecuteCompletes(t *testing.T) {
	runner, launcher := newTestRunner(t, fakeBehavior{
		stdout:   "hello from guest\n",
		stderr:   "a warning\n",
		guestRan: true,
	})

	res, err := runner.Execute(context.Background(), Request{Code: `print("hello")`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("exit = %d timed_out = %v, want clean completion", res.ExitCode, res.TimedOut)
	}
	if res.Stdout != "hello from guest\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "a warning\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ImageUsed != "docker.io/library/python:3.12-slim" {
		t.Errorf("image_used = %q, want the default image", res.ImageUsed)
	}
	if res.Artifacts == nil || len(res.Artifacts) != 0 {
		t.Errorf("artifacts = %v, want empty non-nil", res.Artifacts)
	}
	if !launcher.lastInstance(t).wasDeleted() {
		t.Error("vm should be torn down after a successful run")
	}
}

func TestExecuteEmptyCodeCompletes(t *testing.T) {
	var staged []byte
	stagedExists := false

	runner, _ := newTestRunner(t, fakeBehavior{
		guestRan: true,
		onStart: func(spec Spec) {
			b, err := os.ReadFile(filepath.Join(spec.HostWorkDir, "scripts", "main.py"))
			staged = b
			stagedExists = err == nil
		},
	})

	// An empty snippet is a valid guest program that exits 0.
	res, err := runner.Execute(context.Background(), Request{Code: ""})
	if err != nil {
		t.Fatalf("empty code must yield a result, got error: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("exit = %d timed_out = %v, want clean completion", res.ExitCode, res.TimedOut)
	}
	if !stagedExists || len(staged) != 0 {
		t.Errorf("main.py staged = %v content %q, want an empty file", stagedExists, staged)
	}
}

func TestExecuteNonZeroExitIsAResult(t *testing.T) {
	runner, _ := newTestRunner(t, fakeBehavior{
		stderr:   "Traceback (most recent call last)\n",
		exitCode: 1,
		guestRan: true,
	})

	res, err := runner.Execute(context.Background(), Request{Code: "raise ValueError()"})
	if err != nil {
		t.Fatalf("guest failure must not surface as an error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit = %d, want 1", res.ExitCode)
	}
}

func TestExecuteStripsExitMarkerFromStdout(t *testing.T) {
	runner, _ := newTestRunner(t, fakeBehavior{
		stdout:    "payload",
		exitCode:  7,
		rawMarker: true,
	})

	res, err := runner.Execute(context.Background(), Request{Code: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("exit = %d, want 7 from the marker", res.ExitCode)
	}
	if strings.Contains(res.Stdout, exitMarker) {
		t.Errorf("marker leaked into stdout: %q", res.Stdout)
	}
}

func TestExecuteTimeout(t *testing.T) {
	runner, launcher := newTestRunner(t, fakeBehavior{
		stdout:   "partial output\n",
		guestRan: true,
		delay:    10 * time.Second,
	})

	res, err := runner.Execute(context.Background(), Request{
		Code:    "while True: pass",
		Options: Options{TimeoutSeconds: 1},
	})
	if err != nil {
		t.Fatalf("timeout must produce a result, got error: %v", err)
	}

	if res.ExitCode != 124 || !res.TimedOut {
		t.Errorf("exit = %d timed_out = %v, want 124/true", res.ExitCode, res.TimedOut)
	}
	if res.Stdout != "partial output\n" {
		t.Errorf("partial stdout lost: %q", res.Stdout)
	}

	inst := launcher.lastInstance(t)
	inst.mu.Lock()
	killed := inst.killed
	inst.mu.Unlock()
	if !killed {
		t.Error("timed out vm should be killed")
	}
	if !inst.wasDeleted() {
		t.Error("timed out vm should be torn down")
	}
}

func TestExecuteCrashIsAResult(t *testing.T) {
	runner, launcher := newTestRunner(t, fakeBehavior{
		startErr: fmt.Errorf("%w: vm monitor exited", ErrLaunch),
		guestRan: false,
	})

	res, err := runner.Execute(context.Background(), Request{Code: "x"})
	if err != nil {
		t.Fatalf("crash must produce a result, got error: %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "vm monitor exited") {
		t.Errorf("stderr should carry the diagnostic, got %q", res.Stderr)
	}
	if !launcher.lastInstance(t).wasDeleted() {
		t.Error("crashed vm should be torn down")
	}
}

func TestExecuteExtractsArtifacts(t *testing.T) {
	runner, _ := newTestRunner(t, fakeBehavior{
		guestRan: true,
		outFiles: map[string][]byte{
			"result.csv":       []byte("a,b\n"),
			"nested/deep.json": []byte("{}"),
			"ignored.txt":      []byte("x"),
		},
	})

	res, err := runner.Execute(context.Background(), Request{
		Code:             "x",
		ArtifactPatterns: []string{"out/*.csv", "out/**/*.json"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(res.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(res.Artifacts))
	}
	if res.Artifacts[0].GuestPath != "out/result.csv" {
		t.Errorf("first artifact = %q, want out/result.csv", res.Artifacts[0].GuestPath)
	}
}

func TestExecuteStagesWorkDir(t *testing.T) {
	var (
		code     string
		manifest string
		input    string
		subdirs  = map[string]bool{}
		hostDir  string
	)

	// The host dir only exists while the guest runs, so the fake snapshots it
	// from inside Start.
	runner, launcher := newTestRunner(t, fakeBehavior{
		guestRan: true,
		onStart: func(spec Spec) {
			hostDir = spec.HostWorkDir
			b, _ := os.ReadFile(filepath.Join(hostDir, "scripts", "main.py"))
			code = string(b)
			b, _ = os.ReadFile(filepath.Join(hostDir, "scripts", "runtime.json"))
			manifest = string(b)
			b, _ = os.ReadFile(filepath.Join(hostDir, "in", "data", "rows.csv"))
			input = string(b)
			for _, sub := range []string{"in", "out", "tmp", "scripts"} {
				info, err := os.Stat(filepath.Join(hostDir, sub))
				subdirs[sub] = err == nil && info.IsDir()
			}
		},
	})

	if _, err := runner.Execute(context.Background(), Request{
		Code:       `print("staged")`,
		InputFiles: map[string][]byte{"data/rows.csv": []byte("1,2\n")},
		Options:    Options{Env: map[string]string{"MODE": "fast"}},
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if code != `print("staged")` {
		t.Errorf("main.py = %q, want the snippet verbatim", code)
	}
	if input != "1,2\n" {
		t.Errorf("staged input = %q", input)
	}
	for _, sub := range []string{"in", "out", "tmp", "scripts"} {
		if !subdirs[sub] {
			t.Errorf("missing staged subdir %s/", sub)
		}
	}
	if !strings.Contains(manifest, `"workdir":"/work"`) || !strings.Contains(manifest, `"MODE":"fast"`) {
		t.Errorf("runtime manifest = %s", manifest)
	}
	if !strings.Contains(manifest, `"-u"`) {
		t.Errorf("manifest should carry the default python args, got %s", manifest)
	}

	if _, err := os.Stat(hostDir); !os.IsNotExist(err) {
		t.Errorf("host work dir should be removed after execution")
	}

	spec := func() Spec {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return launcher.created[0]
	}()
	if spec.WorkDir != "/work" {
		t.Errorf("guest workdir = %q, want /work", spec.WorkDir)
	}
	if len(spec.Command) == 0 || spec.Command[len(spec.Command)-1] != "/work/scripts/run.py" {
		t.Errorf("command = %v, want the supervisor as entry", spec.Command)
	}
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"oversized code", Request{Code: strings.Repeat("a", maxCodeBytes+1)}},
		{"bad artifact pattern", Request{Code: "x", ArtifactPatterns: []string{"[unclosed"}}},
		{"escaping input path", Request{Code: "x", InputFiles: map[string][]byte{"../evil": nil}}},
		{"negative cpus", Request{Code: "x", Options: Options{CPUs: -2}}},
	}

	runner, launcher := newTestRunner(t, fakeBehavior{guestRan: true})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runner.Execute(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if len(launcher.created) != 0 {
		t.Errorf("no vm should be created for invalid requests, got %d", len(launcher.created))
	}
}

func TestExecuteImagePreparationFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.VM.TeardownGracePeriod = 0
	cfg.Images.CacheDir = t.TempDir()

	launcher := &fakeLauncher{behavior: fakeBehavior{guestRan: true}}
	images := image.NewManager(cfg.Images, &stubBuilder{unavailable: true})
	runner := NewRunner(cfg.VM, images, launcher, monitor.NewMetrics())

	_, err := runner.Execute(context.Background(), Request{Code: "x"})
	if !errors.Is(err, ErrImagePreparation) {
		t.Errorf("err = %v, want ErrImagePreparation", err)
	}

	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "prepare_image" {
		t.Errorf("err = %v, want OpError{Op: prepare_image}", err)
	}
}

func TestExecuteCreateFailureIsAnError(t *testing.T) {
	runner, _ := newTestRunner(t, fakeBehavior{createErr: errors.New("no kvm")})

	_, err := runner.Execute(context.Background(), Request{Code: "x"})
	if !IsLaunchFailure(err) {
		t.Errorf("err = %v, want a launch failure", err)
	}
}
