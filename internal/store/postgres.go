package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jwhitmore/trackdown/pkg/models"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the store needs, so the
// same query methods serve both pooled and in-transaction access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when bound to a transaction

	txRetries   int
	backoffBase time.Duration
}

// NewPostgresStore creates a new PostgresStore. txRetries and backoffBase
// govern the serializable-transaction retry loop in InTx.
func NewPostgresStore(pool *pgxpool.Pool, txRetries int, backoffBase time.Duration) *PostgresStore {
	if txRetries < 1 {
		txRetries = 1
	}
	if backoffBase <= 0 {
		backoffBase = 100 * time.Millisecond
	}
	return &PostgresStore{db: pool, pool: pool, txRetries: txRetries, backoffBase: backoffBase}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, user_id, subject, normalized_subject, item_type, target_id, status,
	external_ref, external_item_id, artist_id, attempts, batch_id, metadata, error,
	created_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.AcquisitionJob, error) {
	var j models.AcquisitionJob
	err := row.Scan(&j.ID, &j.UserID, &j.Subject, &j.NormalizedSubject, &j.ItemType,
		&j.TargetID, &j.Status, &j.ExternalRef, &j.ExternalItemID, &j.ArtistID,
		&j.Attempts, &j.BatchID, &j.Metadata, &j.Error,
		&j.CreatedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.AcquisitionJob, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.AcquisitionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.AcquisitionJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		job.ID, job.UserID, job.Subject, job.NormalizedSubject, job.ItemType,
		job.TargetID, job.Status, job.ExternalRef, job.ExternalItemID, job.ArtistID,
		job.Attempts, job.BatchID, job.Metadata, job.Error,
		job.CreatedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.AcquisitionJob, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.AcquisitionJob) error {
	job.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET user_id = $2, subject = $3, normalized_subject = $4, item_type = $5,
			target_id = $6, status = $7, external_ref = $8, external_item_id = $9,
			artist_id = $10, attempts = $11, batch_id = $12, metadata = $13, error = $14,
			completed_at = $15, updated_at = $16
		 WHERE id = $1`,
		job.ID, job.UserID, job.Subject, job.NormalizedSubject, job.ItemType,
		job.TargetID, job.Status, job.ExternalRef, job.ExternalItemID, job.ArtistID,
		job.Attempts, job.BatchID, job.Metadata, job.Error,
		job.CompletedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJobByExternalRef(ctx context.Context, ref string, statuses ...string) (*models.AcquisitionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE external_ref = $1`
	args := []any{ref}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	j, err := scanJob(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by external ref: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]*models.AcquisitionJob, error) {
	return s.ListJobsByStatus(ctx, models.JobStatusPending, models.JobStatusProcessing)
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, statuses ...string) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByArtist(ctx context.Context, artistID string) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE artist_id = $1 ORDER BY created_at`, artistID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by artist: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByTarget(ctx context.Context, targetID string) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE target_id = $1 OR metadata->>'resolved_target_id' = $1
		 ORDER BY created_at`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by target: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByNormalizedSubject(ctx context.Context, subject string) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE normalized_subject = $1 ORDER BY created_at`, subject)
	if err != nil {
		return nil, fmt.Errorf("list jobs by normalized subject: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by batch: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListJobsByImport(ctx context.Context, importID uuid.UUID) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE metadata->>'import_id' = $1 ORDER BY created_at`,
		importID.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by import: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) ListRecentJobsByType(ctx context.Context, itemType string, limit int) ([]*models.AcquisitionJob, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE item_type = $1 ORDER BY created_at DESC LIMIT $2`,
		itemType, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent jobs by type: %w", err)
	}
	return jobs, nil
}

// --- Batches ---

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.Batch) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO batches (id, user_id, kind, completed, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		batch.ID, batch.UserID, batch.Kind, batch.Completed, batch.CreatedAt, batch.CompletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	var b models.Batch
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, kind, completed, created_at, completed_at FROM batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.UserID, &b.Kind, &b.Completed, &b.CreatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) MarkBatchCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE batches SET completed = TRUE, completed_at = NOW() WHERE id = $1 AND completed = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark batch completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
