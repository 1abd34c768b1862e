package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/xuri/excelize/v2"

	"inspection-sync/internal/models"
)

const (
	summarySheet = "Inspection"
	photosSheet  = "Photos"
)

// Renderer turns one inspection into an xlsx workbook in memory.
type Renderer struct {
	httpClient    *http.Client
	maxPhotoBytes int64
	photoWidth    int
}

// NewRenderer constructs a renderer. Photo fetching is bounded by the given
// timeout and byte limit; photos wider than width are downscaled before
// embedding so workbooks stay small.
func NewRenderer(photoTimeout time.Duration, maxPhotoBytes int64, photoWidth int) *Renderer {
	if photoTimeout == 0 {
		photoTimeout = 15 * time.Second
	}
	if maxPhotoBytes == 0 {
		maxPhotoBytes = 10 * 1024 * 1024
	}
	if photoWidth == 0 {
		photoWidth = 480
	}
	return &Renderer{
		httpClient:    &http.Client{Timeout: photoTimeout},
		maxPhotoBytes: maxPhotoBytes,
		photoWidth:    photoWidth,
	}
}

// Render produces the workbook bytes. A photo that cannot be fetched or
// decoded degrades to a note cell; it never fails the export.
func (r *Renderer) Render(ctx context.Context, insp models.Inspection) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := r.writeSummary(f, insp); err != nil {
		return nil, err
	}
	if len(insp.Photos) > 0 {
		if err := r.writePhotos(ctx, f, insp); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) writeSummary(f *excelize.File, insp models.Inspection) error {
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 24)
	_ = f.SetColWidth(summarySheet, "B", "C", 36)

	rows := [][2]any{
		{"Inspection Number", insp.Number},
		{"Inspection Type", insp.Type},
		{"Status", insp.Status},
		{"Inspector", insp.InspectorName},
		{"Serial Number", insp.SerialNumber},
		{"Location", insp.Location},
		{"Type / Size", insp.TypeSize},
		{"Submitted", insp.SubmittedAt.UTC().Format("2006-01-02 15:04")},
	}
	if insp.ReviewedBy != nil {
		rows = append(rows, [2]any{"Reviewed By", *insp.ReviewedBy})
	}
	if insp.ReviewedAt != nil {
		rows = append(rows, [2]any{"Reviewed At", insp.ReviewedAt.UTC().Format("2006-01-02 15:04")})
	}
	if insp.ReviewNotes != nil {
		rows = append(rows, [2]any{"Review Notes", *insp.ReviewNotes})
	}

	for i, row := range rows {
		labelCell := fmt.Sprintf("A%d", i+1)
		valueCell := fmt.Sprintf("B%d", i+1)
		if err := f.SetCellValue(summarySheet, labelCell, row[0]); err != nil {
			return fmt.Errorf("write cell %s: %w", labelCell, err)
		}
		if err := f.SetCellValue(summarySheet, valueCell, row[1]); err != nil {
			return fmt.Errorf("write cell %s: %w", valueCell, err)
		}
		_ = f.SetCellStyle(summarySheet, labelCell, labelCell, bold)
	}

	if len(insp.Items) == 0 {
		return nil
	}

	headerRow := len(rows) + 2
	headers := []string{"Step", "Result", "Notes"}
	for i, h := range headers {
		cell := fmt.Sprintf("%c%d", 'A'+i, headerRow)
		if err := f.SetCellValue(summarySheet, cell, h); err != nil {
			return fmt.Errorf("write cell %s: %w", cell, err)
		}
		_ = f.SetCellStyle(summarySheet, cell, cell, bold)
	}
	for i, item := range insp.Items {
		rowNum := headerRow + 1 + i
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", rowNum), item.Step)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", rowNum), item.Result)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("C%d", rowNum), item.Notes)
	}
	return nil
}

func (r *Renderer) writePhotos(ctx context.Context, f *excelize.File, insp models.Inspection) error {
	if _, err := f.NewSheet(photosSheet); err != nil {
		return fmt.Errorf("create photos sheet: %w", err)
	}
	_ = f.SetColWidth(photosSheet, "A", "A", 70)

	row := 1
	for _, photo := range insp.Photos {
		labelCell := fmt.Sprintf("A%d", row)
		_ = f.SetCellValue(photosSheet, labelCell, photo.StepID)

		data, err := r.fetchPhoto(ctx, photo.URL)
		if err != nil {
			_ = f.SetCellValue(photosSheet, fmt.Sprintf("A%d", row+1), fmt.Sprintf("photo unavailable: %v", err))
			row += 3
			continue
		}

		anchor := fmt.Sprintf("A%d", row+1)
		if err := f.AddPictureFromBytes(photosSheet, anchor, &excelize.Picture{
			Extension: ".jpg",
			File:      data,
		}); err != nil {
			_ = f.SetCellValue(photosSheet, anchor, fmt.Sprintf("photo unavailable: %v", err))
			row += 3
			continue
		}
		row += 22
	}
	return nil
}

// fetchPhoto downloads and downscales one photo, re-encoding as JPEG.
func (r *Renderer) fetchPhoto(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download photo: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, r.maxPhotoBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	if int64(len(body)) > r.maxPhotoBytes {
		return nil, fmt.Errorf("photo too large (>%d bytes)", r.maxPhotoBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode photo: %w", err)
	}
	if img.Bounds().Dx() > r.photoWidth {
		img = imaging.Resize(img, r.photoWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode photo: %w", err)
	}
	return buf.Bytes(), nil
}
