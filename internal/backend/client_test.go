package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/billrelay/internal/handoff"
)

func TestUploadSendsMultipartAndReturnsURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/bill/upload/P1/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		if got := r.FormValue("upload_source"); got != "companion" {
			t.Errorf("upload_source = %q, want %q", got, "companion")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if hdr.Filename != "invoice.jpg" || string(data) != "jpeg-bytes" {
				t.Errorf("unexpected file part %q %q", hdr.Filename, data)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"file_url": "https://cdn/f1.jpg"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	res, err := c.Upload(context.Background(), "P1", "companion", File{Name: "invoice.jpg", MIMEType: "image/jpeg", Data: []byte("jpeg-bytes")})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.RemoteURL != "https://cdn/f1.jpg" || res.MIMEType != "image/jpeg" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUploadNon2xxIsTyped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "file too large", "code": "too_large"})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, nil).Upload(context.Background(), "P1", "primary", File{Name: "a.pdf", Data: []byte("x")})
	var upErr *handoff.UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("error = %v, want *handoff.UploadError", err)
	}
	if upErr.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("Status = %d, want %d", upErr.Status, http.StatusRequestEntityTooLarge)
	}
}

func TestUploadNetworkFailureHasZeroStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, nil).Upload(context.Background(), "P1", "primary", File{Name: "a.pdf", Data: []byte("x")})
	var upErr *handoff.UploadError
	if !errors.As(err, &upErr) || upErr.Status != 0 {
		t.Fatalf("error = %v, want network *handoff.UploadError", err)
	}
}

func TestDeleteEscapesFileName(t *testing.T) {
	var gotName string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/bill/delete/P1/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotName = r.URL.Query().Get("file_name")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	if err := NewClient(ts.URL, nil).Delete(context.Background(), "P1", "my bill.jpg"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if gotName != "my bill.jpg" {
		t.Fatalf("file_name = %q, want %q", gotName, "my bill.jpg")
	}
}

func TestDeleteFailureIsTyped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer ts.Close()

	err := NewClient(ts.URL, nil).Delete(context.Background(), "P1", "f1.jpg")
	var delErr *handoff.DeleteError
	if !errors.As(err, &delErr) || delErr.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want *handoff.DeleteError 404", err)
	}
}

func TestSessionStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		active := r.URL.Path == "/api/bill/session/status/P1/"
		_ = json.NewEncoder(w).Encode(map[string]bool{"is_active": active})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	active, err := c.SessionStatus(context.Background(), "P1")
	if err != nil || !active {
		t.Fatalf("SessionStatus(P1) = %v, %v; want true", active, err)
	}
	active, err = c.SessionStatus(context.Background(), "P2")
	if err != nil || active {
		t.Fatalf("SessionStatus(P2) = %v, %v; want false", active, err)
	}
}

func TestSessionStatusRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"is_active": true})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	c.retry.Base = time.Millisecond
	active, err := c.SessionStatus(context.Background(), "P1")
	if err != nil || !active || calls.Load() != 2 {
		t.Fatalf("SessionStatus() = %v, %v after %d calls; want true after 2", active, err, calls.Load())
	}
}

func TestGenerateQRDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	if _, err := NewClient(ts.URL, nil).GenerateQR(context.Background(), "P1"); err == nil || calls.Load() != 1 {
		t.Fatalf("GenerateQR() = %v after %d calls; want error after 1", err, calls.Load())
	}
}

func TestExtractFailureCarriesDetail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "not an invoice"})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, nil).Extract(context.Background(), "P1", File{Name: "a.jpg", Data: []byte("x")})
	var exErr *handoff.ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("error = %v, want *handoff.ExtractionError", err)
	}
	if exErr.Status != http.StatusUnprocessableEntity || exErr.Detail != "not an invoice" {
		t.Fatalf("unexpected extraction error: %+v", exErr)
	}
}

func TestFetchUsesLastPathElementAsName(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer ts.Close()

	f, err := NewClient(ts.URL, nil).Fetch(context.Background(), ts.URL+"/files/P1/abc.png")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if f.Name != "abc.png" || f.MIMEType != "image/png" || string(f.Data) != "png" {
		t.Fatalf("unexpected file: %+v", f)
	}
}
