package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, backend, image_used, code_hash, exit_code,
			timed_out, stdout, stderr, duration_ms, artifact_count, artifact_bytes,
			status, request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Backend, exec.ImageUsed, exec.CodeHash, exec.ExitCode,
		exec.TimedOut,
		truncateForDB(exec.Stdout, 65535),
		truncateForDB(exec.Stderr, 65535),
		exec.DurationMS, exec.ArtifactCount, exec.ArtifactBytes,
		exec.Status, exec.RequestIP,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogImageBuild inserts a derived image build record.
func (db *DB) LogImageBuild(ctx context.Context, build *ImageBuild) error {
	if build.ID == "" {
		build.ID = uuid.New().String()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO image_builds (id, tag, base_image, packages, storage_ref,
			cached, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.pool.Exec(ctx, query,
		build.ID, build.Tag, build.BaseImage, build.Packages, build.StorageRef,
		build.Cached, build.DurationMS, build.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting image build: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, backend, image_used, code_hash, exit_code, timed_out,
			stdout, stderr, duration_ms, artifact_count, artifact_bytes,
			status, request_ip, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Backend, &exec.ImageUsed, &exec.CodeHash, &exec.ExitCode,
		&exec.TimedOut, &exec.Stdout, &exec.Stderr,
		&exec.DurationMS, &exec.ArtifactCount, &exec.ArtifactBytes,
		&exec.Status, &exec.RequestIP,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, backend, image_used, code_hash, exit_code, timed_out,
			duration_ms, artifact_count, status, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR backend = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Backend, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Backend, &exec.ImageUsed, &exec.CodeHash, &exec.ExitCode,
			&exec.TimedOut, &exec.DurationMS, &exec.ArtifactCount, &exec.Status,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
