package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"inspection-sync/internal/config"
	"inspection-sync/internal/models"
	"inspection-sync/internal/store"
	"inspection-sync/internal/worker"
)

type fakeStore struct {
	jobs        map[string]models.Job
	inspections map[string]models.Inspection
	failures    []models.SyncLogEntry
	created     []store.CreateJobParams
}

func (f *fakeStore) CreateExportJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.created = append(f.created, p)
	return models.Job{
		ID:         "job-1",
		Type:       p.Type,
		Payload:    p.Payload,
		Status:     models.StatusPending,
		MaxRetries: p.MaxRetries,
	}, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job, nil
}

func (f *fakeStore) GetInspection(_ context.Context, id string) (models.Inspection, error) {
	insp, ok := f.inspections[id]
	if !ok {
		return models.Inspection{}, fmt.Errorf("inspection %s: %w", id, store.ErrNotFound)
	}
	return insp, nil
}

func (f *fakeStore) RecentFailures(_ context.Context, limit int) ([]models.SyncLogEntry, error) {
	if limit < len(f.failures) {
		return f.failures[:limit], nil
	}
	return f.failures, nil
}

type fakeRunner struct {
	lastLimit int
	stats     worker.Stats
}

func (f *fakeRunner) ProcessPending(_ context.Context, limit int) (worker.Stats, error) {
	f.lastLimit = limit
	return f.stats, nil
}

func newTestServer(st *fakeStore, runner *fakeRunner) *Server {
	cfg := config.Config{MaxRetries: 3, BatchSize: 10}
	return New(cfg, st, runner, nil)
}

func TestEnqueueCreatesPendingJob(t *testing.T) {
	st := &fakeStore{}
	srv := newTestServer(st, &fakeRunner{})

	body := strings.NewReader(`{"inspection_type":"Fire Extinguisher","inspection_number":"FE-0042"}`)
	req := httptest.NewRequest(http.MethodPost, "/inspections/insp-1/export", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.created) != 1 {
		t.Fatalf("expected one job created, got %d", len(st.created))
	}
	p := st.created[0]
	if p.Type != models.JobTypeSharePointExport {
		t.Fatalf("unexpected job type %q", p.Type)
	}
	if p.Payload["inspection_id"] != "insp-1" {
		t.Fatalf("inspection id not in payload: %v", p.Payload)
	}
	if p.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", p.MaxRetries)
	}
}

func TestEnqueueRequiresInspectionType(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/inspections/insp-1/export", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRunTriggerReturnsStats(t *testing.T) {
	runner := &fakeRunner{stats: worker.Stats{Claimed: 4, Succeeded: 3, Retried: 1}}
	srv := newTestServer(&fakeStore{}, runner)

	req := httptest.NewRequest(http.MethodPost, "/export/run", strings.NewReader(`{"batch_size":4}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.lastLimit != 4 {
		t.Fatalf("expected batch 4, got %d", runner.lastLimit)
	}
	var stats worker.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Succeeded != 3 || stats.Retried != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunTriggerDefaultsBatchSize(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(&fakeStore{}, runner)

	req := httptest.NewRequest(http.MethodPost, "/export/run", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if runner.lastLimit != 10 {
		t.Fatalf("expected configured default batch 10, got %d", runner.lastLimit)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(&fakeStore{jobs: map[string]models.Job{}}, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSyncStatusSurface(t *testing.T) {
	url := "https://sharepoint.example/doc.xlsx"
	st := &fakeStore{inspections: map[string]models.Inspection{
		"insp-1": {ID: "insp-1", SyncStatus: models.SyncSynced, FileURL: &url},
	}}
	srv := newTestServer(st, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/inspections/insp-1/sync-status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		InspectionID string  `json:"inspection_id"`
		SyncStatus   string  `json:"sync_status"`
		FileURL      *string `json:"file_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SyncStatus != models.SyncSynced || resp.FileURL == nil || *resp.FileURL != url {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRecentFailuresSurface(t *testing.T) {
	msg := "upload: server error (status 503)"
	st := &fakeStore{failures: []models.SyncLogEntry{
		{JobID: "job-1", InspectionID: "insp-1", SyncType: models.SyncTypeUpload, Status: models.SyncStatusFailure, ErrorMessage: &msg},
	}}
	srv := newTestServer(st, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/export/failures?limit=5", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insp-1") {
		t.Fatalf("expected failure entry in response: %s", rec.Body.String())
	}
}
