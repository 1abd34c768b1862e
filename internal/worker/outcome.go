package worker

import (
	"inspection-sync/internal/models"
)

// OutcomeCode tags a handler result.
type OutcomeCode int

const (
	OutcomeSuccess OutcomeCode = iota
	OutcomeRetryable
	OutcomePermanent
)

// Outcome is what a handler reports back for one job attempt. SyncType names
// the step being attempted when it differs from the default upload, so the
// sync log can distinguish a metadata failure from an upload failure.
type Outcome struct {
	Code     OutcomeCode
	Reason   string
	Details  string
	SyncType string
	Metadata map[string]any
}

// Success reports a delivered export; metadata typically carries the
// resulting file URL and item id.
func Success(metadata map[string]any) Outcome {
	return Outcome{Code: OutcomeSuccess, SyncType: models.SyncTypeUpload, Metadata: metadata}
}

// Retryable reports a failure worth another attempt (up to the job's ceiling).
func Retryable(reason string) Outcome {
	return Outcome{Code: OutcomeRetryable, SyncType: models.SyncTypeUpload, Reason: reason}
}

// Permanent reports a failure retrying cannot fix.
func Permanent(reason string) Outcome {
	return Outcome{Code: OutcomePermanent, SyncType: models.SyncTypeUpload, Reason: reason}
}
