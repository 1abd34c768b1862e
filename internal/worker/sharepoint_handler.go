package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"inspection-sync/internal/archive"
	"inspection-sync/internal/export"
	"inspection-sync/internal/models"
	"inspection-sync/internal/sharepoint"
	"inspection-sync/internal/store"
)

// InspectionSource resolves the collaborator inspection record at dispatch
// time. A retried job always re-reads; the record may have changed since the
// previous attempt.
type InspectionSource interface {
	GetInspection(ctx context.Context, id string) (models.Inspection, error)
}

// SharePointHandler turns one inspection into a delivered external file:
// render the workbook, upload to a deterministic path, write metadata fields,
// and keep an archive copy.
type SharePointHandler struct {
	inspections InspectionSource
	client      *sharepoint.Client
	renderer    *export.Renderer
	archive     archive.Archiver
}

func NewSharePointHandler(inspections InspectionSource, client *sharepoint.Client, renderer *export.Renderer, arc archive.Archiver) *SharePointHandler {
	return &SharePointHandler{
		inspections: inspections,
		client:      client,
		renderer:    renderer,
		archive:     arc,
	}
}

// Handle performs one export attempt.
func (h *SharePointHandler) Handle(ctx context.Context, job models.Job) Outcome {
	payload, err := decodeExportPayload(job)
	if err != nil {
		return Permanent("malformed payload: " + err.Error())
	}

	insp, err := h.inspections.GetInspection(ctx, payload.InspectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permanent(fmt.Sprintf("inspection %s no longer exists", payload.InspectionID))
		}
		return Retryable("resolve inspection: " + err.Error())
	}

	book, err := h.renderer.Render(ctx, insp)
	if err != nil {
		return Permanent("render workbook: " + err.Error())
	}

	number := payload.InspectionNumber
	if number == "" {
		number = insp.Number
	}
	path := sharepoint.DestinationPath(insp.Type, insp.SubmittedAt, number)

	res, err := h.client.Upload(ctx, path, book)
	if err != nil {
		return classifyAPIError("upload", err)
	}

	if err := h.client.UpdateMetadata(ctx, res.ItemID, metadataFields(insp)); err != nil {
		// The file is already up; a retry re-uploads the same path and tries
		// the metadata write again.
		out := classifyAPIError("metadata update", err)
		out.SyncType = models.SyncTypeMetadataUpdate
		return out
	}

	if h.archive != nil {
		if _, err := h.archive.Save(ctx, path, book); err != nil {
			log.Printf("archive %s: %v", path, err)
		}
	}

	return Success(map[string]any{
		"file_url": res.FileURL,
		"item_id":  res.ItemID,
		"path":     path,
	})
}

func decodeExportPayload(job models.Job) (models.ExportPayload, error) {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return models.ExportPayload{}, fmt.Errorf("marshal payload: %w", err)
	}
	var payload models.ExportPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.ExportPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.InspectionID == "" {
		return models.ExportPayload{}, errors.New("inspection_id is required")
	}
	return payload, nil
}

func metadataFields(insp models.Inspection) map[string]string {
	fields := map[string]string{
		"Inspector":     insp.InspectorName,
		"SubmittedDate": insp.SubmittedAt.UTC().Format("2006-01-02"),
		"Status":        insp.Status,
		"SerialNumber":  insp.SerialNumber,
		"Location":      insp.Location,
	}
	if insp.ReviewedBy != nil {
		fields["ReviewedBy"] = *insp.ReviewedBy
	}
	if insp.ReviewedAt != nil {
		fields["ReviewedDate"] = insp.ReviewedAt.UTC().Format("2006-01-02")
	}
	return fields
}

// classifyAPIError maps external API failures onto the retry taxonomy.
// Auth and site/library-not-found responses may be transient consent or
// propagation delays, so they stay retryable up to the ceiling but carry a
// distinct reason prefix for the sync log.
func classifyAPIError(stage string, err error) Outcome {
	var apiErr *sharepoint.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case sharepoint.KindAuth:
			return Retryable(fmt.Sprintf("%s: authorization rejected (status %d)", stage, apiErr.StatusCode))
		case sharepoint.KindNotFound:
			return Retryable(fmt.Sprintf("%s: site or library not found (status %d)", stage, apiErr.StatusCode))
		case sharepoint.KindBadRequest:
			out := Permanent(fmt.Sprintf("%s: rejected by api (status %d)", stage, apiErr.StatusCode))
			out.Details = apiErr.Body
			return out
		default:
			out := Retryable(fmt.Sprintf("%s: server error (status %d)", stage, apiErr.StatusCode))
			out.Details = apiErr.Body
			return out
		}
	}
	// Plain network transient.
	return Retryable(stage + ": " + err.Error())
}
