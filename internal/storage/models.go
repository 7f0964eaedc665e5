package storage

import "time"

// Execution is one audit record of a microVM execution.
type Execution struct {
	ID            string     `json:"id" db:"id"`
	Backend       string     `json:"backend" db:"backend"`
	ImageUsed     string     `json:"image_used" db:"image_used"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	ExitCode      int        `json:"exit_code" db:"exit_code"`
	TimedOut      bool       `json:"timed_out" db:"timed_out"`
	Stdout        string     `json:"stdout" db:"stdout"`
	Stderr        string     `json:"stderr" db:"stderr"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	ArtifactCount int        `json:"artifact_count" db:"artifact_count"`
	ArtifactBytes int64      `json:"artifact_bytes" db:"artifact_bytes"`
	Status        string     `json:"status" db:"status"` // completed, timed_out, crashed, error
	RequestIP     string     `json:"request_ip" db:"request_ip"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ImageBuild is one audit record of a derived image build.
type ImageBuild struct {
	ID         string    `json:"id" db:"id"`
	Tag        string    `json:"tag" db:"tag"`
	BaseImage  string    `json:"base_image" db:"base_image"`
	Packages   []string  `json:"packages" db:"packages"`
	StorageRef string    `json:"storage_ref" db:"storage_ref"`
	Cached     bool      `json:"cached" db:"cached"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter narrows ListExecutions queries.
type ExecutionFilter struct {
	Backend string
	Status  string
	Limit   int
	Offset  int
}
