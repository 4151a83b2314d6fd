package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hb-go/internal/hb"
	"hb-go/internal/model"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/ok":
			io.WriteString(w, "model bytes")
		case "/busy":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcherWithClient(srv.Client())
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		rc, err := f.Fetch(ctx, "tok", model.Version{ID: "v1", DownloadURL: srv.URL + "/ok"})
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		if string(data) != "model bytes" {
			t.Errorf("content = %q", data)
		}
	})

	tests := []struct {
		name          string
		token         string
		url           string
		wantPermanent bool
	}{
		{name: "missing link", token: "tok", url: "", wantPermanent: true},
		{name: "not found", token: "tok", url: srv.URL + "/gone", wantPermanent: true},
		{name: "rejected token", token: "other", url: srv.URL + "/ok", wantPermanent: true},
		{name: "bad gateway", token: "tok", url: srv.URL + "/busy", wantPermanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(ctx, tt.token, model.Version{ID: "v", DownloadURL: tt.url})
			if !errors.Is(err, hb.ErrUnavailable) {
				t.Fatalf("Fetch() error = %v, want ErrUnavailable", err)
			}
			if got := hb.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}

func TestFetchResponseHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(50 * time.Millisecond)
	start := time.Now()
	_, err := f.Fetch(context.Background(), "tok", model.Version{ID: "v", DownloadURL: srv.URL})
	if !errors.Is(err, hb.ErrUnavailable) {
		t.Fatalf("Fetch() error = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Fetch() took %v, header timeout not applied", time.Since(start))
	}
}
