package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"inspection-sync/internal/config"
	"inspection-sync/internal/models"
	"inspection-sync/internal/telemetry"
)

// Handler executes one job attempt and classifies the result.
type Handler func(ctx context.Context, job models.Job) Outcome

// JobStore is the durable job table plus the collaborator writes the outcome
// recorder performs. Satisfied by *store.Store.
type JobStore interface {
	ClaimPending(ctx context.Context, limit int) ([]models.Job, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
	MarkCompleted(ctx context.Context, id string) error
	RequeueForRetry(ctx context.Context, id string, retryCount int, errMsg, errDetails string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg, errDetails string) error
	AppendSyncLog(ctx context.Context, e models.SyncLogEntry) error
	UpdateInspectionSyncStatus(ctx context.Context, id, status string, fileURL *string) error
	PendingDepth(ctx context.Context) (int64, error)
}

// Processor claims pending jobs, dispatches them to registered handlers, and
// records every outcome before returning. There is no internal timer; an
// external trigger calls ProcessPending.
type Processor struct {
	store          JobStore
	handlers       map[string]Handler
	handlerTimeout time.Duration
	concurrency    int
	sweepAfter     time.Duration
}

func NewProcessor(st JobStore, cfg config.Config) *Processor {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	timeout := cfg.HandlerTimeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	sweepAfter := cfg.SweepStaleAfter
	if sweepAfter == 0 {
		sweepAfter = 5 * time.Minute
	}
	return &Processor{
		store:          st,
		handlers:       make(map[string]Handler),
		handlerTimeout: timeout,
		concurrency:    concurrency,
		sweepAfter:     sweepAfter,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Stats summarizes one trigger invocation.
type Stats struct {
	Swept     int64 `json:"swept"`
	Claimed   int   `json:"claimed"`
	Succeeded int   `json:"succeeded"`
	Retried   int   `json:"retried"`
	Failed    int   `json:"failed"`
}

// ProcessPending sweeps stale processing jobs, claims up to limit pending
// jobs, and runs their handlers under a concurrency bound. It returns only
// after every claimed job has a recorded outcome, so work never outlives an
// unawaited background task.
func (p *Processor) ProcessPending(ctx context.Context, limit int) (Stats, error) {
	var stats Stats

	swept, err := p.store.SweepStale(ctx, p.sweepAfter)
	if err != nil {
		log.Printf("sweep stale jobs: %v", err)
	} else if swept > 0 {
		stats.Swept = swept
		telemetry.StaleRecovered.Add(float64(swept))
		log.Printf("recovered %d stale processing jobs", swept)
	}

	jobs, err := p.store.ClaimPending(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("claim pending jobs: %w", err)
	}
	stats.Claimed = len(jobs)
	telemetry.JobsClaimed.Add(float64(len(jobs)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job models.Job) {
			defer wg.Done()
			defer func() { <-sem }()

			result := p.processOne(ctx, job)

			mu.Lock()
			switch result {
			case models.StatusCompleted:
				stats.Succeeded++
			case models.StatusPending:
				stats.Retried++
			case models.StatusFailed:
				stats.Failed++
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	if depth, err := p.store.PendingDepth(ctx); err == nil {
		telemetry.PendingDepth.Set(float64(depth))
	}
	return stats, nil
}

// processOne dispatches a single claimed job and records its outcome. It
// returns the job's resulting status.
func (p *Processor) processOne(ctx context.Context, job models.Job) string {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	var out Outcome
	handler, ok := p.handlers[job.Type]
	if !ok {
		// Configuration error, not a transient one; do not burn retries.
		out = Permanent(fmt.Sprintf("unknown job type %q", job.Type))
	} else {
		hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
		out = handler(hctx, job)
		if out.Code != OutcomeSuccess && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			out = Retryable("timeout")
		}
		cancel()
	}

	// Recording uses the parent context so an expired handler deadline cannot
	// leave the job stuck in processing.
	return p.record(ctx, job, out)
}

// record applies the retry/failure state machine, writes the sync log row,
// and updates the originating inspection. It is the only writer of terminal
// job state.
func (p *Processor) record(ctx context.Context, job models.Job, out Outcome) string {
	inspectionID, _ := job.Payload["inspection_id"].(string)
	syncType := out.SyncType
	if syncType == "" {
		syncType = models.SyncTypeUpload
	}

	switch out.Code {
	case OutcomeSuccess:
		if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
			log.Printf("mark job %s completed: %v", job.ID, err)
		}
		_ = p.store.AppendSyncLog(ctx, models.SyncLogEntry{
			JobID:        job.ID,
			InspectionID: inspectionID,
			SyncType:     syncType,
			Status:       models.SyncStatusSuccess,
			Metadata:     out.Metadata,
		})
		if inspectionID != "" {
			var fileURL *string
			if u, ok := out.Metadata["file_url"].(string); ok && u != "" {
				fileURL = &u
			}
			_ = p.store.UpdateInspectionSyncStatus(ctx, inspectionID, models.SyncSynced, fileURL)
		}
		telemetry.JobsCompleted.Inc()
		return models.StatusCompleted

	case OutcomeRetryable:
		retryCount := job.RetryCount + 1
		_ = p.store.AppendSyncLog(ctx, models.SyncLogEntry{
			JobID:        job.ID,
			InspectionID: inspectionID,
			SyncType:     syncType,
			Status:       models.SyncStatusFailure,
			ErrorMessage: &out.Reason,
		})
		if retryCount < job.MaxRetries {
			if err := p.store.RequeueForRetry(ctx, job.ID, retryCount, out.Reason, out.Details); err != nil {
				log.Printf("requeue job %s: %v", job.ID, err)
			}
			telemetry.JobsRetried.Inc()
			return models.StatusPending
		}
		if err := p.store.MarkFailed(ctx, job.ID, retryCount, out.Reason, out.Details); err != nil {
			log.Printf("mark job %s failed: %v", job.ID, err)
		}
		if inspectionID != "" {
			_ = p.store.UpdateInspectionSyncStatus(ctx, inspectionID, models.SyncFailed, nil)
		}
		telemetry.JobsFailed.Inc()
		return models.StatusFailed

	default: // OutcomePermanent
		_ = p.store.AppendSyncLog(ctx, models.SyncLogEntry{
			JobID:        job.ID,
			InspectionID: inspectionID,
			SyncType:     syncType,
			Status:       models.SyncStatusFailure,
			ErrorMessage: &out.Reason,
		})
		if err := p.store.MarkFailed(ctx, job.ID, job.RetryCount, out.Reason, out.Details); err != nil {
			log.Printf("mark job %s failed: %v", job.ID, err)
		}
		if inspectionID != "" {
			_ = p.store.UpdateInspectionSyncStatus(ctx, inspectionID, models.SyncFailed, nil)
		}
		telemetry.JobsFailed.Inc()
		return models.StatusFailed
	}
}
