package sharepoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fixedTokens struct{}

func (fixedTokens) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok"}, nil
}

func TestDestinationPathDeterministic(t *testing.T) {
	at := time.Date(2026, time.January, 5, 14, 0, 0, 0, time.UTC)

	p1 := DestinationPath("Fire Extinguisher", at, "FE-0042")
	p2 := DestinationPath("Fire Extinguisher", at, "FE-0042")
	if p1 != p2 {
		t.Fatalf("path not deterministic: %s vs %s", p1, p2)
	}
	want := "Fire_Extinguisher/2026/January/Fire_Extinguisher_January_2026_FE-0042.xlsx"
	if p1 != want {
		t.Fatalf("unexpected path %s", p1)
	}
}

func TestUploadParsesItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "item-9", "webUrl": "https://example/doc.xlsx"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "drive-1", fixedTokens{}, 2*time.Second)
	res, err := c.Upload(context.Background(), "A/2026/x.xlsx", []byte("content"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.ItemID != "item-9" || res.FileURL != "https://example/doc.xlsx" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   string
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		c := NewClient(srv.URL, "drive-1", fixedTokens{}, 2*time.Second)
		_, err := c.Upload(context.Background(), "p.xlsx", nil)
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: expected APIError, got %v", tc.status, err)
		}
		if apiErr.Kind != tc.kind {
			t.Fatalf("status %d: expected kind %s, got %s", tc.status, tc.kind, apiErr.Kind)
		}
	}
}
