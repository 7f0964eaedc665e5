package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/doctor"
	"microvm-sandbox/internal/image"
	"microvm-sandbox/internal/monitor"
	"microvm-sandbox/internal/storage"
	"microvm-sandbox/internal/vm"
)

// Executor runs snippets. Satisfied by *vm.Runner and by test fakes.
type Executor interface {
	Execute(ctx context.Context, req vm.Request) (*vm.Result, error)
	Backend() string
}

// ImageService manages derived images. Satisfied by *image.Manager.
type ImageService interface {
	PipPrepareImage(ctx context.Context, packages []string, tag string) (string, error)
	ListCached() ([]image.CacheEntry, error)
	ClearCache(ctx context.Context) (bool, error)
}

type Handlers struct {
	executor    Executor
	images      ImageService
	prober      *doctor.Prober
	db          *storage.DB
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics
}

func NewHandlers(executor Executor, images ImageService, prober *doctor.Prober, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		executor:    executor,
		images:      images,
		prober:      prober,
		db:          db,
		auditWriter: auditWriter,
		metrics:     metrics,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.executor == nil {
		writeError(w, "execution backend unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	execReq := vm.Request{
		Code:             req.Code,
		Image:            req.Image,
		ArtifactPatterns: req.ArtifactPatterns,
		InputFiles:       req.InputFiles,
		Options: vm.Options{
			CPUs:           req.Options.CPUs,
			MemoryMB:       req.Options.MemoryMB,
			TimeoutSeconds: req.Options.TimeoutSeconds,
			NetworkEnabled: req.Options.NetworkEnabled,
			Env:            req.Options.Env,
			WorkDir:        req.Options.WorkDir,
			PythonArgs:     req.Options.PythonArgs,
			Ports:          toVMPorts(req.Options.Ports),
		},
	}

	start := time.Now()
	result, err := h.executor.Execute(r.Context(), execReq)
	if err != nil {
		switch {
		case errors.Is(err, vm.ErrInvalidConfig), errors.Is(err, image.ErrInvalidReference):
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		case errors.Is(err, vm.ErrImagePreparation):
			writeError(w, err.Error(), "IMAGE_UNAVAILABLE", http.StatusBadGateway, r)
		case errors.Is(err, vm.ErrLaunch), errors.Is(err, vm.ErrLauncherUnavailable):
			writeError(w, "vm launch failed", "LAUNCH_FAILED", http.StatusServiceUnavailable, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
			writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		}
		h.logAuditError(err, start, r)
		return
	}

	artifacts := make([]ArtifactResponse, 0, len(result.Artifacts))
	for _, a := range result.Artifacts {
		artifacts = append(artifacts, ArtifactResponse{
			GuestPath: a.GuestPath,
			SizeBytes: a.SizeBytes,
			Content:   a.Content,
		})
	}

	resp := ExecuteResponse{
		ID:              result.ID,
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExitCode:        result.ExitCode,
		TimedOut:        result.TimedOut,
		ExecutionTimeMS: result.Duration.Milliseconds(),
		ImageUsed:       result.ImageUsed,
		Backend:         result.Backend,
		Artifacts:       artifacts,
	}

	h.logAudit(result, start, r)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandlePipImage(w http.ResponseWriter, r *http.Request) {
	var req PipImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	start := time.Now()
	ref, err := h.images.PipPrepareImage(r.Context(), req.Packages, req.Tag)
	if err != nil {
		h.metrics.RecordImageBuild("failed", time.Since(start).Seconds())
		switch {
		case errors.Is(err, image.ErrEmptyPackages), errors.Is(err, image.ErrInvalidTag):
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		case errors.Is(err, image.ErrBuildFailed):
			writeError(w, err.Error(), "BUILD_FAILED", http.StatusBadGateway, r)
		default:
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("image build failed")
			writeError(w, "image build failed", "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}

	h.metrics.RecordImageBuild("built", time.Since(start).Seconds())
	if h.db != nil {
		if err := h.db.LogImageBuild(r.Context(), &storage.ImageBuild{
			Tag:        req.Tag,
			Packages:   req.Packages,
			StorageRef: ref,
			DurationMS: time.Since(start).Milliseconds(),
		}); err != nil {
			log.Warn().Err(err).Msg("image build audit record failed")
		}
	}

	writeJSON(w, http.StatusOK, PipImageResponse{Reference: ref})
}

func (h *Handlers) HandleListImages(w http.ResponseWriter, r *http.Request) {
	entries, err := h.images.ListCached()
	if err != nil {
		writeError(w, "listing cached images failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	resp := make([]CachedImageResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, CachedImageResponse{
			Tag:        e.Tag,
			StorageRef: e.StorageRef,
			BaseImage:  e.BaseImage,
			Packages:   e.Packages,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleClearImages(w http.ResponseWriter, r *http.Request) {
	if _, err := h.images.ClearCache(r.Context()); err != nil {
		writeError(w, "clearing image cache failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// HandleDoctor reports host capability: launcher and builder binaries, KVM,
// and registry reachability. Missing capabilities are data, not errors.
func (h *Handlers) HandleDoctor(w http.ResponseWriter, r *http.Request) {
	report, err := h.prober.Probe(r.Context())
	if err != nil {
		writeError(w, "probe failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Backend: r.URL.Query().Get("backend"),
		Status:  r.URL.Query().Get("status"),
		Limit:   100,
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) logAudit(result *vm.Result, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	status := "completed"
	switch {
	case result.TimedOut:
		status = "timed_out"
	case result.ExitCode == -1:
		status = "crashed"
	}

	var artifactBytes int64
	for _, a := range result.Artifacts {
		artifactBytes += a.SizeBytes
	}

	completedAt := time.Now()
	h.auditWriter.Log(&storage.Execution{
		ID:            result.ID,
		Backend:       result.Backend,
		ImageUsed:     result.ImageUsed,
		CodeHash:      result.CodeHash,
		ExitCode:      result.ExitCode,
		TimedOut:      result.TimedOut,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		DurationMS:    result.Duration.Milliseconds(),
		ArtifactCount: len(result.Artifacts),
		ArtifactBytes: artifactBytes,
		Status:        status,
		RequestIP:     r.RemoteAddr,
		CreatedAt:     start,
		CompletedAt:   &completedAt,
	})
}

func (h *Handlers) logAuditError(err error, start time.Time, r *http.Request) {
	if h.auditWriter == nil {
		return
	}

	var opErr *vm.OpError
	id := ""
	if errors.As(err, &opErr) {
		id = opErr.ExecID
	}
	if id == "" {
		return
	}

	completedAt := time.Now()
	h.auditWriter.Log(&storage.Execution{
		ID:          id,
		Backend:     h.executor.Backend(),
		Stderr:      err.Error(),
		ExitCode:    -1,
		DurationMS:  time.Since(start).Milliseconds(),
		Status:      "error",
		RequestIP:   r.RemoteAddr,
		CreatedAt:   start,
		CompletedAt: &completedAt,
	})
}

func toVMPorts(ports []PortForward) []vm.PortForward {
	if len(ports) == 0 {
		return nil
	}
	out := make([]vm.PortForward, len(ports))
	for i, p := range ports {
		out[i] = vm.PortForward{Host: p.Host, Guest: p.Guest}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
