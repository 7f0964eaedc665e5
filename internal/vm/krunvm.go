package vm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/config"
)

// exitMarker is printed by the guest supervisor as the final stdout line so
// the host can tell "guest ran and exited N" apart from "krunvm fell over".
// krunvm start reports both with the same process exit code.
const exitMarker = "@@sandbox-exit@@"

// startRetryDelay spaces out start attempts. A VM created a moment ago can
// transiently refuse to start while buildah finishes publishing its rootfs.
const startRetryDelay = 150 * time.Millisecond

// KrunvmLauncher drives the krunvm CLI. Every krunvm invocation runs inside
// `buildah unshare` so rootless storage is visible, mirroring how the images
// are built.
type KrunvmLauncher struct {
	cfg config.VMConfig
}

func newKrunvmLauncher(cfg config.VMConfig) (*KrunvmLauncher, error) {
	if !binaryOnPath("krunvm") {
		return nil, fmt.Errorf("%w: krunvm not on PATH", ErrLauncherUnavailable)
	}
	if !binaryOnPath("buildah") {
		return nil, fmt.Errorf("%w: buildah not on PATH", ErrLauncherUnavailable)
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("%w: /dev/kvm not accessible", ErrLauncherUnavailable)
	}
	return &KrunvmLauncher{cfg: cfg}, nil
}

func (l *KrunvmLauncher) Name() string { return "krunvm" }

// Create registers the microVM with krunvm. The VM does not boot here; krunvm
// boots on start, so Create failing always means a host-side fault.
func (l *KrunvmLauncher) Create(ctx context.Context, spec Spec) (Instance, error) {
	args := []string{
		"krunvm", "create", quoteArg(spec.Image),
		"--name", quoteArg(spec.Name),
		"--cpus", strconv.Itoa(spec.CPUs),
		"--mem", strconv.Itoa(spec.MemoryMB),
		"--workdir", quoteArg(spec.WorkDir),
		"--volume", quoteArg(spec.HostWorkDir + ":" + spec.WorkDir),
	}
	if spec.Network {
		for _, p := range spec.Ports {
			args = append(args, "--port", fmt.Sprintf("%d:%d", p.Host, p.Guest))
		}
	}
	for _, extra := range spec.ExtraArgs {
		args = append(args, quoteArg(extra))
	}

	_, stderr, err := runUnshared(ctx, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: krunvm create %s: %v: %s",
			ErrLaunch, spec.Name, err, firstLine(stderr))
	}

	log.Debug().
		Str("vm", spec.Name).
		Str("image", spec.Image).
		Int("cpus", spec.CPUs).
		Int("memory_mb", spec.MemoryMB).
		Msg("microVM created")

	return &krunvmInstance{spec: spec, retries: l.cfg.StartRetries}, nil
}

type krunvmInstance struct {
	spec    Spec
	retries int

	mu      sync.Mutex
	running *exec.Cmd
	deleted bool
}

// Start boots the VM and runs the guest command, retrying boots that fail
// before the exit marker appears. A start attempt whose output carries the
// marker is never retried: by then untrusted code has run once already.
func (i *krunvmInstance) Start(ctx context.Context, stdout, stderr io.Writer) (ExitStatus, error) {
	script := "krunvm start " + quoteArg(i.spec.Name)
	for _, arg := range i.spec.Command {
		script += " " + quoteArg(arg)
	}

	attempts := i.retries
	if attempts < 1 {
		attempts = 1
	}

	var outBuf, errBuf bytes.Buffer
	for attempt := 1; ; attempt++ {
		outBuf.Reset()
		errBuf.Reset()

		err := i.runStart(ctx, script, &outBuf, &errBuf)

		if code, ok := splitExitMarker(&outBuf); ok {
			stdout.Write(outBuf.Bytes())
			stderr.Write(errBuf.Bytes())
			return ExitStatus{Code: code, GuestRan: true}, nil
		}

		if ctx.Err() != nil {
			// Deadline or cancellation; hand back whatever the guest managed
			// to emit before the VM was torn out from under it.
			stdout.Write(outBuf.Bytes())
			stderr.Write(errBuf.Bytes())
			return ExitStatus{Code: -1}, ctx.Err()
		}

		if attempt < attempts {
			log.Warn().
				Str("vm", i.spec.Name).
				Int("attempt", attempt).
				Err(err).
				Str("stderr", firstLine(errBuf.Bytes())).
				Msg("krunvm start failed before guest ran, retrying")
			time.Sleep(startRetryDelay)
			continue
		}

		stdout.Write(outBuf.Bytes())
		stderr.Write(errBuf.Bytes())
		if err == nil {
			err = fmt.Errorf("guest exited without reporting status")
		}
		return ExitStatus{Code: -1}, fmt.Errorf("%w: krunvm start %s: %v",
			ErrLaunch, i.spec.Name, err)
	}
}

// runStart runs one start attempt with the process in its own group so Kill
// can take out krunvm and the VM monitor together.
func (i *krunvmInstance) runStart(ctx context.Context, script string, stdout, stderr *bytes.Buffer) error {
	cmd := exec.CommandContext(ctx, "buildah", "unshare", "sh", "-c", script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return err
	}

	i.mu.Lock()
	i.running = cmd
	i.mu.Unlock()

	err := cmd.Wait()

	i.mu.Lock()
	i.running = nil
	i.mu.Unlock()

	return err
}

func (i *krunvmInstance) Kill(ctx context.Context) error {
	i.mu.Lock()
	cmd := i.running
	i.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing vm %s: %w", i.spec.Name, err)
	}
	return nil
}

func (i *krunvmInstance) Delete(ctx context.Context) error {
	i.mu.Lock()
	if i.deleted {
		i.mu.Unlock()
		return nil
	}
	i.deleted = true
	i.mu.Unlock()

	_, stderr, err := runUnshared(ctx, "krunvm delete "+quoteArg(i.spec.Name))
	if err != nil {
		msg := strings.ToLower(string(stderr))
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no such") {
			return nil
		}
		return fmt.Errorf("krunvm delete %s: %w: %s", i.spec.Name, err, firstLine(stderr))
	}

	log.Debug().Str("vm", i.spec.Name).Msg("microVM deleted")
	return nil
}

// runUnshared executes a shell command line inside `buildah unshare`.
func runUnshared(ctx context.Context, script string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, "buildah", "unshare", "sh", "-c", script)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// splitExitMarker scans the captured stdout for the trailing exit marker line
// and, when found, removes it and returns the guest exit code.
func splitExitMarker(buf *bytes.Buffer) (int, bool) {
	data := buf.Bytes()
	trimmed := bytes.TrimRight(data, "\n")
	idx := bytes.LastIndexByte(trimmed, '\n')

	lastLine := trimmed[idx+1:]
	rest, ok := bytes.CutPrefix(lastLine, []byte(exitMarker+" "))
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
	if err != nil {
		return 0, false
	}

	if idx < 0 {
		buf.Reset()
	} else {
		buf.Truncate(idx + 1)
	}
	return code, true
}

// quoteArg single-quotes an argument for the `sh -c` command line unless it is
// entirely safe characters.
func quoteArg(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case strings.ContainsRune("/-_.:@+=,", r):
			return false
		}
		return true
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
