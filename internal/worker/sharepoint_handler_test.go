package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"inspection-sync/internal/export"
	"inspection-sync/internal/models"
	"inspection-sync/internal/sharepoint"
	"inspection-sync/internal/store"
)

type staticTokens struct{}

func (staticTokens) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

type fakeInspections struct {
	inspections map[string]models.Inspection
}

func (f *fakeInspections) GetInspection(_ context.Context, id string) (models.Inspection, error) {
	insp, ok := f.inspections[id]
	if !ok {
		return models.Inspection{}, fmt.Errorf("inspection %s: %w", id, store.ErrNotFound)
	}
	return insp, nil
}

func testInspection() models.Inspection {
	return models.Inspection{
		ID:            "insp-1",
		Number:        "FE-0042",
		Type:          "Fire Extinguisher",
		Status:        "approved",
		InspectorName: "Dana Reyes",
		SerialNumber:  "FF022018Y002311",
		Location:      "Ground Floor",
		TypeSize:      "9",
		SubmittedAt:   time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC),
		SyncStatus:    models.SyncPending,
	}
}

type fakeDrive struct {
	mu           sync.Mutex
	uploadStatus int
	metaStatus   int
	uploads      map[string]int
	lastFields   map[string]string
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{uploads: make(map[string]int)}
}

func (d *fakeDrive) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, ":/content"):
			if d.uploadStatus != 0 {
				w.WriteHeader(d.uploadStatus)
				return
			}
			d.uploads[r.URL.Path]++
			_ = json.NewEncoder(w).Encode(map[string]string{
				"id":     "item-1",
				"webUrl": "https://sharepoint.example/doc.xlsx",
			})
		case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/listItem/fields"):
			if d.metaStatus != 0 {
				w.WriteHeader(d.metaStatus)
				return
			}
			var fields map[string]string
			_ = json.NewDecoder(r.Body).Decode(&fields)
			d.lastFields = fields
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestHandler(t *testing.T, drive *fakeDrive, inspections *fakeInspections) *SharePointHandler {
	t.Helper()
	srv := httptest.NewServer(drive.handler())
	t.Cleanup(srv.Close)

	client := sharepoint.NewClient(srv.URL, "drive-1", staticTokens{}, 5*time.Second)
	renderer := export.NewRenderer(2*time.Second, 1<<20, 320)
	return NewSharePointHandler(inspections, client, renderer, nil)
}

func exportJob() models.Job {
	return models.Job{
		ID:   "job-1",
		Type: models.JobTypeSharePointExport,
		Payload: map[string]any{
			"inspection_id":     "insp-1",
			"inspection_type":   "Fire Extinguisher",
			"inspection_number": "FE-0042",
		},
		MaxRetries: 3,
	}
}

func TestSharePointHandlerSuccess(t *testing.T) {
	drive := newFakeDrive()
	h := newTestHandler(t, drive, &fakeInspections{inspections: map[string]models.Inspection{
		"insp-1": testInspection(),
	}})

	out := h.Handle(context.Background(), exportJob())
	if out.Code != OutcomeSuccess {
		t.Fatalf("expected success, got %d (%s)", out.Code, out.Reason)
	}
	if out.Metadata["file_url"] != "https://sharepoint.example/doc.xlsx" {
		t.Fatalf("unexpected file url: %v", out.Metadata["file_url"])
	}
	wantPath := "Fire_Extinguisher/2026/March/Fire_Extinguisher_March_2026_FE-0042.xlsx"
	if out.Metadata["path"] != wantPath {
		t.Fatalf("unexpected destination path: %v", out.Metadata["path"])
	}
	if drive.lastFields["Inspector"] != "Dana Reyes" {
		t.Fatalf("metadata fields not written: %v", drive.lastFields)
	}
	if drive.lastFields["SubmittedDate"] != "2026-03-12" {
		t.Fatalf("unexpected submitted date: %v", drive.lastFields["SubmittedDate"])
	}
}

func TestSharePointHandlerIdempotentReupload(t *testing.T) {
	drive := newFakeDrive()
	h := newTestHandler(t, drive, &fakeInspections{inspections: map[string]models.Inspection{
		"insp-1": testInspection(),
	}})

	// Two attempts of the same job land on exactly one drive path.
	for i := 0; i < 2; i++ {
		if out := h.Handle(context.Background(), exportJob()); out.Code != OutcomeSuccess {
			t.Fatalf("attempt %d: expected success, got %s", i, out.Reason)
		}
	}
	if len(drive.uploads) != 1 {
		t.Fatalf("expected a single destination path, got %d: %v", len(drive.uploads), drive.uploads)
	}
	for path, n := range drive.uploads {
		if n != 2 {
			t.Fatalf("expected path %s overwritten twice, got %d", path, n)
		}
	}
}

func TestSharePointHandlerMalformedPayload(t *testing.T) {
	h := newTestHandler(t, newFakeDrive(), &fakeInspections{})

	job := exportJob()
	job.Payload = map[string]any{"inspection_type": "Fire Extinguisher"}

	out := h.Handle(context.Background(), job)
	if out.Code != OutcomePermanent {
		t.Fatalf("expected permanent failure, got %d (%s)", out.Code, out.Reason)
	}
}

func TestSharePointHandlerMissingInspection(t *testing.T) {
	h := newTestHandler(t, newFakeDrive(), &fakeInspections{})

	out := h.Handle(context.Background(), exportJob())
	if out.Code != OutcomePermanent {
		t.Fatalf("expected permanent failure, got %d (%s)", out.Code, out.Reason)
	}
	if !strings.Contains(out.Reason, "no longer exists") {
		t.Fatalf("unexpected reason: %s", out.Reason)
	}
}

func TestSharePointHandlerErrorClassification(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		wantCode   OutcomeCode
		wantReason string
	}{
		{"server error retryable", http.StatusServiceUnavailable, OutcomeRetryable, "server error"},
		{"auth retryable and distinct", http.StatusForbidden, OutcomeRetryable, "authorization rejected"},
		{"library not found retryable", http.StatusNotFound, OutcomeRetryable, "site or library not found"},
		{"bad request permanent", http.StatusUnprocessableEntity, OutcomePermanent, "rejected by api"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drive := newFakeDrive()
			drive.uploadStatus = tc.status
			h := newTestHandler(t, drive, &fakeInspections{inspections: map[string]models.Inspection{
				"insp-1": testInspection(),
			}})

			out := h.Handle(context.Background(), exportJob())
			if out.Code != tc.wantCode {
				t.Fatalf("expected code %d, got %d (%s)", tc.wantCode, out.Code, out.Reason)
			}
			if !strings.Contains(out.Reason, tc.wantReason) {
				t.Fatalf("expected reason containing %q, got %q", tc.wantReason, out.Reason)
			}
		})
	}
}

func TestSharePointHandlerMetadataFailureIsRetryable(t *testing.T) {
	drive := newFakeDrive()
	drive.metaStatus = http.StatusInternalServerError
	h := newTestHandler(t, drive, &fakeInspections{inspections: map[string]models.Inspection{
		"insp-1": testInspection(),
	}})

	out := h.Handle(context.Background(), exportJob())
	if out.Code != OutcomeRetryable {
		t.Fatalf("expected retryable, got %d (%s)", out.Code, out.Reason)
	}
	if out.SyncType != models.SyncTypeMetadataUpdate {
		t.Fatalf("expected metadata_update sync type, got %q", out.SyncType)
	}
}
