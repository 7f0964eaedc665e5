package api

// ExecuteRequest is the API-level request to run a snippet in a microVM.
type ExecuteRequest struct {
	Code             string            `json:"code"`
	Image            string            `json:"image,omitempty"`
	ArtifactPatterns []string          `json:"artifact_patterns,omitempty"`
	InputFiles       map[string][]byte `json:"input_files,omitempty"` // base64 in JSON
	Options          ExecuteOptions    `json:"options,omitempty"`
}

// ExecuteOptions mirrors the per-execution resource overrides. Zero values
// fall back to server defaults.
type ExecuteOptions struct {
	CPUs           int               `json:"cpus,omitempty"`
	MemoryMB       int               `json:"memory_mb,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	NetworkEnabled bool              `json:"network_enabled,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	WorkDir        string            `json:"workdir,omitempty"`
	PythonArgs     []string          `json:"python_args,omitempty"`
	Ports          []PortForward     `json:"ports,omitempty"`
}

// PortForward maps a host port to a guest port.
type PortForward struct {
	Host  int `json:"host"`
	Guest int `json:"guest"`
}

// ArtifactResponse is one guest output file. Content is base64 in JSON and
// present only when the file was small enough to inline.
type ArtifactResponse struct {
	GuestPath string `json:"guest_path"`
	SizeBytes int64  `json:"size_bytes"`
	Content   []byte `json:"content,omitempty"`
}

// ExecuteResponse is the terminal record of an execution.
type ExecuteResponse struct {
	ID              string             `json:"id"`
	Stdout          string             `json:"stdout"`
	Stderr          string             `json:"stderr"`
	ExitCode        int                `json:"exit_code"`
	TimedOut        bool               `json:"timed_out"`
	ExecutionTimeMS int64              `json:"execution_time_ms"`
	ImageUsed       string             `json:"image_used"`
	Backend         string             `json:"backend"`
	Artifacts       []ArtifactResponse `json:"artifacts"`
}

// PipImageRequest asks for a derived image layering pip packages on the base.
type PipImageRequest struct {
	Packages []string `json:"packages"`
	Tag      string   `json:"tag,omitempty"`
}

// PipImageResponse names the built (or cache-hit) derived image.
type PipImageResponse struct {
	Reference string `json:"reference"`
}

// CachedImageResponse is one derived-image cache entry.
type CachedImageResponse struct {
	Tag        string   `json:"tag"`
	StorageRef string   `json:"storage_ref"`
	BaseImage  string   `json:"base_image"`
	Packages   []string `json:"packages"`
	CreatedAt  string   `json:"created_at"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
