package vm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/artifact"
	"microvm-sandbox/internal/config"
	"microvm-sandbox/internal/image"
	"microvm-sandbox/internal/monitor"
)

const (
	maxCodeBytes   = 1 << 20
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024

	// exitCodeTimedOut follows the coreutils timeout(1) convention.
	exitCodeTimedOut = 124
	// exitCodeCrashed marks a VM that died before the guest reported status.
	exitCodeCrashed = -1
)

// Request describes one execution of an untrusted code snippet.
type Request struct {
	Code             string            `json:"code"`
	Image            string            `json:"image,omitempty"`
	Options          Options           `json:"options"`
	ArtifactPatterns []string          `json:"artifact_patterns,omitempty"`
	InputFiles       map[string][]byte `json:"input_files,omitempty"`
}

// Result is the terminal record of an execution. Guest failures live here as
// exit codes; only host faults surface as errors from Execute.
type Result struct {
	ID        string              `json:"id"`
	Stdout    string              `json:"stdout"`
	Stderr    string              `json:"stderr"`
	ExitCode  int                 `json:"exit_code"`
	TimedOut  bool                `json:"timed_out"`
	Duration  time.Duration       `json:"duration"`
	ImageUsed string              `json:"image_used"`
	Backend   string              `json:"backend"`
	CodeHash  string              `json:"code_hash"`
	Artifacts []artifact.Artifact `json:"artifacts"`
}

// Runner owns the execution lifecycle: image readiness, VM create, guest run,
// artifact extraction, teardown. One VM per execution, never reused.
type Runner struct {
	cfg      config.VMConfig
	images   *image.Manager
	launcher Launcher
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	sem    chan struct{}
	active atomic.Int64
}

// NewRunner wires a runner over a prepared image manager and launcher.
func NewRunner(cfg config.VMConfig, images *image.Manager, launcher Launcher, metrics *monitor.Metrics) *Runner {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 32
	}
	return &Runner{
		cfg:      cfg,
		images:   images,
		launcher: launcher,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// ActiveCount returns the number of currently live executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Backend names the launcher in use.
func (r *Runner) Backend() string {
	return r.launcher.Name()
}

// Execute runs one snippet in a fresh VM and always tears the VM down before
// returning, on every path including timeout and crash.
func (r *Runner) Execute(ctx context.Context, req Request) (*Result, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("backend", r.launcher.Name()).
		Str("code_hash", codeHash[:16]).
		Logger()

	logger.Info().Msg("execution requested")

	rc, err := r.validateRequest(req)
	if err != nil {
		r.metrics.RecordError("invalid_request")
		return nil, &OpError{ExecID: execID, Op: "validate", Err: err}
	}

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrBackend.String(r.launcher.Name()),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer span.End()

	resolved, err := r.images.Resolve(req.Image)
	if err != nil {
		r.metrics.RecordError("invalid_image")
		return nil, &OpError{ExecID: execID, Op: "resolve_image", Err: err}
	}
	span.SetAttributes(monitor.AttrImage.String(resolved))

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &OpError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	r.metrics.ActiveVMs.Inc()
	defer func() {
		r.active.Add(-1)
		r.metrics.ActiveVMs.Dec()
	}()

	if !r.images.Prepare(ctx, resolved) {
		r.metrics.RecordError("image_preparation")
		return nil, &OpError{ExecID: execID, Op: "prepare_image",
			Err: fmt.Errorf("%w: %v", ErrImagePreparation, r.images.LastPrepareError())}
	}

	launchRef, err := r.images.NormalizeForLauncher(ctx, resolved)
	if err != nil {
		r.metrics.RecordError("image_preparation")
		return nil, &OpError{ExecID: execID, Op: "normalize_image",
			Err: fmt.Errorf("%w: %v", ErrImagePreparation, err)}
	}

	hostDir, err := r.stageWorkDir(execID, req, rc)
	if err != nil {
		r.metrics.RecordError("stage_workdir")
		return nil, &OpError{ExecID: execID, Op: "stage_workdir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	spec := Spec{
		Name:        "sandbox-" + execID[:8],
		Image:       launchRef,
		CPUs:        rc.CPUs,
		MemoryMB:    rc.MemoryMB,
		WorkDir:     rc.WorkDir,
		HostWorkDir: hostDir,
		Network:     rc.NetworkEnabled,
		Ports:       rc.Ports,
		ExtraArgs:   rc.ExtraLaunchArgs,
		Command:     []string{"/usr/bin/env", "python3", rc.WorkDir + "/scripts/run.py"},
	}

	start := time.Now()

	inst, err := r.launcher.Create(ctx, spec)
	if err != nil {
		r.metrics.RecordError("launch")
		r.metrics.RecordExecution(r.launcher.Name(), "error", time.Since(start).Seconds())
		return nil, &OpError{ExecID: execID, Op: "create_vm", Err: err}
	}
	bootDur := time.Since(start)
	r.metrics.BootDuration.WithLabelValues(r.launcher.Name()).Observe(bootDur.Seconds())

	// Teardown runs on every path. The parent context may already be dead, so
	// cleanup gets its own deadline.
	defer func() {
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if r.cfg.TeardownGracePeriod > 0 {
			time.Sleep(r.cfg.TeardownGracePeriod)
		}
		if err := inst.Delete(delCtx); err != nil {
			logger.Error().Err(err).Msg("vm teardown failed")
		}
	}()

	logger.Debug().
		Str("image", launchRef).
		Dur("boot", bootDur).
		Msg("vm created, starting guest")

	// The deadline covers guest runtime measured from boot completion; image
	// preparation and create never eat into the snippet's budget.
	execCtx, cancel := context.WithTimeout(ctx, rc.Timeout)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	status, runErr := inst.Start(execCtx, &stdoutBuf, &stderrBuf)

	// Backends without their own marker handling leave it in the stream.
	if code, ok := splitExitMarker(&stdoutBuf); ok {
		status = ExitStatus{Code: code, GuestRan: true}
	}

	result := &Result{
		ID:        execID,
		Duration:  time.Since(start),
		ImageUsed: resolved,
		Backend:   r.launcher.Name(),
		CodeHash:  codeHash,
		Stdout:    truncateOutput(stdoutBuf.String(), maxStdoutBytes),
		Stderr:    truncateOutput(stderrBuf.String(), maxStderrBytes),
	}

	var outcome string
	switch {
	case execCtx.Err() != nil && ctx.Err() == nil:
		// Guest overran its budget. Make sure it is dead, then report the
		// conventional timeout code with whatever output survived.
		logger.Warn().Dur("timeout", rc.Timeout).Msg("execution timed out, killing vm")
		if err := inst.Kill(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("failed to kill timed out vm")
		}
		result.ExitCode = exitCodeTimedOut
		result.TimedOut = true
		outcome = "timed_out"

	case ctx.Err() != nil:
		return nil, &OpError{ExecID: execID, Op: "run", Err: ctx.Err()}

	case runErr != nil || !status.GuestRan:
		if runErr != nil {
			logger.Warn().Err(runErr).Msg("vm died before guest reported status")
			result.Stderr = appendDiagnostic(result.Stderr, runErr.Error())
		}
		result.ExitCode = exitCodeCrashed
		outcome = "crashed"

	default:
		result.ExitCode = status.Code
		outcome = "completed"
	}

	if len(req.ArtifactPatterns) > 0 {
		artifacts, err := artifact.Extract(
			filepath.Join(hostDir, "out"), req.ArtifactPatterns, r.cfg.InlineArtifactBytes)
		if err != nil {
			r.metrics.RecordError("artifact_extraction")
			return nil, &OpError{ExecID: execID, Op: "extract_artifacts", Err: err}
		}
		result.Artifacts = artifacts

		var total int64
		for _, a := range artifacts {
			total += a.SizeBytes
		}
		r.metrics.ArtifactBytes.Observe(float64(total))
	}
	if result.Artifacts == nil {
		result.Artifacts = []artifact.Artifact{}
	}

	result.Duration = time.Since(start)
	r.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	r.metrics.RecordExecution(r.launcher.Name(), outcome, result.Duration.Seconds())
	span.SetAttributes(
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
	)

	logger.Info().
		Str("outcome", outcome).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Int("artifacts", len(result.Artifacts)).
		Msg("execution finished")

	return result, nil
}

func (r *Runner) validateRequest(req Request) (ResourceConfig, error) {
	// Empty code is a valid guest program that exits 0; only size is policed.
	if len(req.Code) > maxCodeBytes {
		return ResourceConfig{}, fmt.Errorf("%w: code exceeds %d byte limit", ErrInvalidConfig, maxCodeBytes)
	}

	for _, p := range req.ArtifactPatterns {
		if !doublestar.ValidatePattern(p) {
			return ResourceConfig{}, fmt.Errorf("%w: bad artifact pattern %q", ErrInvalidConfig, p)
		}
	}

	for rel := range req.InputFiles {
		if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
			return ResourceConfig{}, fmt.Errorf("%w: input file path %q escapes the work dir", ErrInvalidConfig, rel)
		}
	}

	return Normalize(req.Options, r.cfg)
}

// guestRuntime is the manifest run.py reads from the scripts directory.
type guestRuntime struct {
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	WorkDir string            `json:"workdir"`
}

// runScript supervises the snippet inside the guest. It reports the guest
// exit code through the exit marker because the launcher's own exit code
// cannot distinguish guest failure from launcher failure.
const runScript = `import json, os, subprocess, sys

base = os.path.dirname(os.path.abspath(__file__))
with open(os.path.join(base, "runtime.json")) as f:
    rt = json.load(f)

os.environ.update(rt.get("env") or {})
os.chdir(rt["workdir"])

cmd = [sys.executable] + rt["args"] + [os.path.join(base, "main.py")]
code = subprocess.call(cmd)

sys.stdout.flush()
sys.stderr.flush()
sys.stdout.write("\n` + exitMarker + ` %d\n" % code)
sys.exit(code)
`

// stageWorkDir builds the host directory that becomes the guest work dir:
// in/ for caller inputs, out/ for artifacts, tmp/ scratch, scripts/ for the
// snippet and its supervisor.
func (r *Runner) stageWorkDir(execID string, req Request, rc ResourceConfig) (string, error) {
	hostDir, err := os.MkdirTemp("", "microvm-"+execID[:8]+"-*")
	if err != nil {
		return "", fmt.Errorf("creating work dir: %w", err)
	}

	cleanup := func(err error) (string, error) {
		os.RemoveAll(hostDir)
		return "", err
	}

	for _, sub := range []string{"in", "out", "tmp", "scripts"} {
		if err := os.Mkdir(filepath.Join(hostDir, sub), 0o755); err != nil {
			return cleanup(fmt.Errorf("creating %s dir: %w", sub, err))
		}
	}

	for rel, content := range req.InputFiles {
		p := filepath.Join(hostDir, "in", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return cleanup(fmt.Errorf("staging input %s: %w", rel, err))
		}
		if err := os.WriteFile(p, content, 0o644); err != nil {
			return cleanup(fmt.Errorf("staging input %s: %w", rel, err))
		}
	}

	scripts := filepath.Join(hostDir, "scripts")
	if err := os.WriteFile(filepath.Join(scripts, "main.py"), []byte(req.Code), 0o644); err != nil {
		return cleanup(fmt.Errorf("writing snippet: %w", err))
	}
	if err := os.WriteFile(filepath.Join(scripts, "run.py"), []byte(runScript), 0o644); err != nil {
		return cleanup(fmt.Errorf("writing supervisor: %w", err))
	}

	manifest, err := json.Marshal(guestRuntime{
		Args:    rc.PythonArgs,
		Env:     rc.Env,
		WorkDir: rc.WorkDir,
	})
	if err != nil {
		return cleanup(fmt.Errorf("encoding runtime manifest: %w", err))
	}
	if err := os.WriteFile(filepath.Join(scripts, "runtime.json"), manifest, 0o644); err != nil {
		return cleanup(fmt.Errorf("writing runtime manifest: %w", err))
	}

	return hostDir, nil
}

func appendDiagnostic(stderr, diag string) string {
	if stderr == "" {
		return diag + "\n"
	}
	if stderr[len(stderr)-1] == '\n' {
		return stderr + diag + "\n"
	}
	return stderr + "\n" + diag + "\n"
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
