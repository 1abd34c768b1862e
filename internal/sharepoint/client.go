package sharepoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error kinds used by handlers to classify failures.
const (
	KindAuth       = "auth"
	KindNotFound   = "not_found"
	KindBadRequest = "bad_request"
	KindServer     = "server"
)

// APIError is a non-2xx response from the external API.
type APIError struct {
	StatusCode int
	Kind       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sharepoint api: status %d (%s): %s", e.StatusCode, e.Kind, e.Body)
}

func kindForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindServer
	}
}

// Client talks to a SharePoint-like drive API (Graph-style endpoints).
type Client struct {
	httpClient *http.Client
	baseURL    string
	driveID    string
	tokens     TokenSource
}

func NewClient(baseURL, driveID string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		driveID:    driveID,
		tokens:     tokens,
	}
}

// UploadResult identifies the stored item.
type UploadResult struct {
	ItemID  string
	FileURL string
}

// Upload PUTs the file content at the given drive path. Re-uploading the same
// path overwrites the existing item, which is what makes retries idempotent.
func (c *Client) Upload(ctx context.Context, path string, content []byte) (UploadResult, error) {
	endpoint := fmt.Sprintf("%s/drives/%s/root:/%s:/content", c.baseURL, c.driveID, escapePath(path))

	body, err := c.do(ctx, http.MethodPut, endpoint, "application/octet-stream", bytes.NewReader(content))
	if err != nil {
		return UploadResult{}, err
	}

	var item struct {
		ID     string `json:"id"`
		WebURL string `json:"webUrl"`
	}
	if err := json.Unmarshal(body, &item); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return UploadResult{ItemID: item.ID, FileURL: item.WebURL}, nil
}

// UpdateMetadata PATCHes descriptive list-item fields on an uploaded item.
func (c *Client) UpdateMetadata(ctx context.Context, itemID string, fields map[string]string) error {
	endpoint := fmt.Sprintf("%s/drives/%s/items/%s/listItem/fields", c.baseURL, c.driveID, itemID)

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal metadata fields: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch, endpoint, "application/json", bytes.NewReader(payload))
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) ([]byte, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Kind:       kindForStatus(resp.StatusCode),
			Body:       strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, nil
}

// DestinationPath computes the deterministic drive path for an inspection:
// {Type}/{Year}/{Month}/{Type}_{Month}_{Year}_{Number}.xlsx. Re-running the
// same job always lands on the same target.
func DestinationPath(inspectionType string, at time.Time, number string) string {
	t := sanitizeSegment(inspectionType)
	month := at.UTC().Month().String()
	year := at.UTC().Year()
	return fmt.Sprintf("%s/%d/%s/%s_%s_%d_%s.xlsx", t, year, month, t, month, year, sanitizeSegment(number))
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
