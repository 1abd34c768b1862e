package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"inspection-sync/internal/models"
)

// ErrNotFound is returned when a job or inspection does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. The export_jobs table is the
// sole source of truth for what work exists; every mutation goes through the
// claim-then-record protocol below.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type       string
	Payload    map[string]any
	MaxRetries int
}

// CreateExportJob inserts a pending job row and returns it. This is the whole
// producer: a single durable insert, no network I/O, so the work survives the
// calling process exiting immediately after.
func (s *Store) CreateExportJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, type, payload, status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, id, p.Type, payloadJSON, models.StatusPending, p.MaxRetries, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         id,
		Type:       p.Type,
		Payload:    p.Payload,
		Status:     models.StatusPending,
		MaxRetries: p.MaxRetries,
		CreatedAt:  now,
	}, nil
}

const jobColumns = `id, type, payload, status, retry_count, max_retries, error_message, error_details, created_at, started_at, completed_at`

// ClaimPending atomically transitions up to limit pending jobs to processing
// and returns them, oldest first. FOR UPDATE SKIP LOCKED makes concurrent
// claimers invisible to each other; a job claimed by one trigger invocation is
// never returned to another.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM export_jobs
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE export_jobs j
		SET status = $3, started_at = now()
		FROM eligible e
		WHERE j.id = e.id
		RETURNING j.id, j.type, j.payload, j.status, j.retry_count, j.max_retries,
		          j.error_message, j.error_details, j.created_at, j.started_at, j.completed_at
	`, models.StatusPending, limit, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SweepStale resets jobs stuck in processing past the threshold back to
// pending so they become claimable again. Safety net for handler invocations
// that were torn down without recording an outcome.
func (s *Store) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < now() - make_interval(secs => $3)
	`, models.StatusPending, models.StatusProcessing, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkCompleted finalizes a job as completed and clears any prior error.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, completed_at = now(), error_message = NULL, error_details = NULL
		WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// RequeueForRetry puts a job back in the pending pool with its failure
// recorded, eligible for a future claim.
func (s *Store) RequeueForRetry(ctx context.Context, id string, retryCount int, errMsg, errDetails string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, retry_count = $3, error_message = $4, error_details = NULLIF($5, ''), started_at = NULL
		WHERE id = $1
	`, id, models.StatusPending, retryCount, errMsg, errDetails)
	return err
}

// MarkFailed finalizes a job as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg, errDetails string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, retry_count = $3, error_message = $4, error_details = NULLIF($5, ''), completed_at = now()
		WHERE id = $1
	`, id, models.StatusFailed, retryCount, errMsg, errDetails)
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// PendingDepth returns the count of claimable jobs.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM export_jobs WHERE status = $1
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// AppendSyncLog adds one delivery-attempt audit row.
func (s *Store) AppendSyncLog(ctx context.Context, e models.SyncLogEntry) error {
	var metaJSON []byte
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal sync log metadata: %w", err)
		}
		metaJSON = b
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_log (job_id, inspection_id, sync_type, status, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, e.JobID, e.InspectionID, e.SyncType, e.Status, e.ErrorMessage, metaJSON)
	return err
}

// RecentFailures returns the latest failed delivery attempts for diagnostics.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, inspection_id, sync_type, status, error_message, metadata, created_at
		FROM sync_log
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, models.SyncStatusFailure, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent failures: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var errMsg pgtype.Text
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.InspectionID, &e.SyncType, &e.Status, &errMsg, &metaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.ErrorMessage = textPtr(errMsg)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal sync log metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetInspection reads the collaborator inspection record by id.
func (s *Store) GetInspection(ctx context.Context, id string) (models.Inspection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, number, type, status, inspector_name, serial_number, location, type_size,
		       submitted_at, reviewed_by, reviewed_at, review_notes, form_data,
		       sharepoint_sync_status, sharepoint_file_url
		FROM inspections WHERE id = $1
	`, id)

	var insp models.Inspection
	var reviewedBy, reviewNotes, fileURL pgtype.Text
	var reviewedAt pgtype.Timestamptz
	var formJSON []byte

	err := row.Scan(&insp.ID, &insp.Number, &insp.Type, &insp.Status, &insp.InspectorName,
		&insp.SerialNumber, &insp.Location, &insp.TypeSize, &insp.SubmittedAt,
		&reviewedBy, &reviewedAt, &reviewNotes, &formJSON, &insp.SyncStatus, &fileURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Inspection{}, fmt.Errorf("inspection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Inspection{}, fmt.Errorf("scan inspection: %w", err)
	}

	insp.ReviewedBy = textPtr(reviewedBy)
	insp.ReviewNotes = textPtr(reviewNotes)
	insp.FileURL = textPtr(fileURL)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		insp.ReviewedAt = &t
	}
	if len(formJSON) > 0 {
		var form struct {
			Items  []models.ChecklistItem `json:"items"`
			Photos []models.Photo         `json:"photos"`
		}
		if err := json.Unmarshal(formJSON, &form); err != nil {
			return models.Inspection{}, fmt.Errorf("unmarshal form data: %w", err)
		}
		insp.Items = form.Items
		insp.Photos = form.Photos
	}
	return insp, nil
}

// UpdateInspectionSyncStatus writes the user-visible sync signal back onto the
// inspection, plus the file URL once known.
func (s *Store) UpdateInspectionSyncStatus(ctx context.Context, id, status string, fileURL *string) error {
	if fileURL != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE inspections SET sharepoint_sync_status = $2, sharepoint_file_url = $3 WHERE id = $1
		`, id, status, *fileURL)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE inspections SET sharepoint_sync_status = $2 WHERE id = $1
	`, id, status)
	return err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var errMsg, errDetails pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.RetryCount,
		&job.MaxRetries, &errMsg, &errDetails, &job.CreatedAt, &startedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.ErrorMessage = textPtr(errMsg)
	job.ErrorDetails = textPtr(errDetails)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
