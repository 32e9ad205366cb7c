package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/config"
	"github.com/ent0n29/billrelay/internal/extract"
	"github.com/ent0n29/billrelay/internal/filestore"
	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/observability"
	"github.com/ent0n29/billrelay/internal/qr"
	"github.com/ent0n29/billrelay/internal/relay"
	"github.com/ent0n29/billrelay/internal/session"
)

var metricsSeq atomic.Int64

type testEnv struct {
	ts       *httptest.Server
	base     string
	relayURL string
	sessions *session.Manager
	store    *filestore.Store
	client   *backend.Client
}

func newTestEnv(t *testing.T, maxBytes int64) *testEnv {
	t.Helper()
	ts := httptest.NewUnstartedServer(nil)
	base := "http://" + ts.Listener.Addr().String()
	cfg := config.Config{
		PublicBaseURL:            base,
		CompanionURL:             base + "/bill/capture",
		UploadMaxBytes:           maxBytes,
		SessionInactivityTimeout: time.Minute,
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
	store, err := filestore.New(t.TempDir(), filestore.NewInMemoryStore(), cfg.UploadMaxBytes)
	if err != nil {
		t.Fatalf("filestore.New() error = %v", err)
	}
	enc, err := qr.NewEncoder(cfg.CompanionURL, 0)
	if err != nil {
		t.Fatalf("qr.NewEncoder() error = %v", err)
	}
	hub := relay.NewHub(sessions, metrics, zerolog.Nop(), CheckOrigin(false))
	srv := New(cfg, Deps{
		Sessions:  sessions,
		Relay:     hub,
		Store:     store,
		Extractor: extract.NewMockExtractor(),
		QR:        enc,
		Metrics:   metrics,
		Log:       zerolog.Nop(),
	})
	ts.Config.Handler = srv.Router()
	ts.Start()
	t.Cleanup(ts.Close)

	relayURL, err := config.RelayURLFor(base)
	if err != nil {
		t.Fatalf("RelayURLFor() error = %v", err)
	}
	return &testEnv{
		ts:       ts,
		base:     base,
		relayURL: relayURL,
		sessions: sessions,
		store:    store,
		client:   backend.NewClient(base, ts.Client()),
	}
}

func (e *testEnv) connect(t *testing.T) relay.Conn {
	t.Helper()
	conn, err := relay.NewWSDialer(e.relayURL, zerolog.Nop()).Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(env.base + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var body map[string]any
		_ = json.NewDecoder(res.Body).Decode(&body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
		if body["store_mode"] != "in-memory" {
			t.Fatalf("GET %s store_mode = %v, want in-memory", path, body["store_mode"])
		}
	}
}

func TestSessionStatusFollowsConnection(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	ctx := context.Background()

	if active, err := env.client.SessionStatus(ctx, "unknown"); err != nil || active {
		t.Fatalf("SessionStatus(unknown) = %v, %v; want false, nil", active, err)
	}

	conn, err := relay.NewWSDialer(env.relayURL, zerolog.Nop()).Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if active, err := env.client.SessionStatus(ctx, conn.ID()); err != nil || !active {
		t.Fatalf("SessionStatus(own) = %v, %v; want true, nil", active, err)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.sessions.IsActive(conn.ID()) {
		if time.Now().After(deadline) {
			t.Fatalf("session still active after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateQR(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	conn := env.connect(t)

	raw, err := env.client.GenerateQR(context.Background(), conn.ID())
	if err != nil {
		t.Fatalf("GenerateQR() error = %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatalf("qr is not a png: %v", err)
	}

	res, err := http.Get(env.base + "/api/bill/generate-qr/not-live/")
	if err != nil {
		t.Fatalf("GET generate-qr error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("generate-qr for inactive status = %d, want 404", res.StatusCode)
	}
}

func TestUploadFetchDelete(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	conn := env.connect(t)
	ctx := context.Background()
	file := backend.File{Name: "invoice.jpg", MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff, 0xe0}}

	up, err := env.client.Upload(ctx, conn.ID(), "companion", file)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	prefix := env.base + "/files/" + conn.ID() + "/"
	if !strings.HasPrefix(up.RemoteURL, prefix) || !strings.HasSuffix(up.RemoteURL, "_invoice.jpg") {
		t.Fatalf("file_url = %q, want under %q", up.RemoteURL, prefix)
	}
	name := handoff.RemoteFileName(up.RemoteURL)
	recs, _ := env.store.List(ctx, conn.ID())
	if len(recs) != 1 || recs[0].Source != "companion" || recs[0].Name != name {
		t.Fatalf("stored records = %+v", recs)
	}

	got, err := env.client.Fetch(ctx, up.RemoteURL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(got.Data, file.Data) || got.MIMEType != "image/jpeg" {
		t.Fatalf("Fetch() = %+v", got)
	}

	if err := env.client.Delete(ctx, conn.ID(), name); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	var deleteErr *handoff.DeleteError
	if err := env.client.Delete(ctx, conn.ID(), name); !errors.As(err, &deleteErr) || deleteErr.Status != http.StatusNotFound {
		t.Fatalf("second Delete() error = %v, want DeleteError 404", err)
	}
}

func TestUploadRejectsInactiveSession(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	_, err := env.client.Upload(context.Background(), "gone", "primary", backend.File{Name: "a.pdf", Data: []byte("x")})
	var uploadErr *handoff.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Status != http.StatusNotFound {
		t.Fatalf("Upload() error = %v, want UploadError 404", err)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t, 8)
	conn := env.connect(t)
	_, err := env.client.Upload(context.Background(), conn.ID(), "primary", backend.File{Name: "a.pdf", Data: bytes.Repeat([]byte("x"), 64)})
	var uploadErr *handoff.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("Upload() error = %v, want UploadError 413", err)
	}
}

func TestUploadRejectsUnknownSource(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	conn := env.connect(t)
	_, err := env.client.Upload(context.Background(), conn.ID(), "tablet", backend.File{Name: "a.pdf", Data: []byte("x")})
	var uploadErr *handoff.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Status != http.StatusBadRequest {
		t.Fatalf("Upload() error = %v, want UploadError 400", err)
	}
}

func TestUploadRequiresFilePart(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	conn := env.connect(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("upload_source", "primary")
	_ = mw.Close()
	res, err := http.Post(env.base+"/api/bill/upload/"+conn.ID()+"/", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST upload error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	var body errorResponse
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body.Code != "invalid_form" {
		t.Fatalf("code = %q, want invalid_form", body.Code)
	}
}

func TestDeleteRequiresFileName(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	req, _ := http.NewRequest(http.MethodDelete, env.base+"/api/bill/delete/s1/", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestExtract(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	inv, err := env.client.Extract(context.Background(), "s1", backend.File{Name: "bill.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.4")})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if inv.Data["session_id"] != "s1" || inv.Data["file_name"] != "bill.pdf" {
		t.Fatalf("invoice = %v", inv.Data)
	}

	_, err = env.client.Extract(context.Background(), "s1", backend.File{Name: "empty.pdf"})
	var extractErr *handoff.ExtractionError
	if !errors.As(err, &extractErr) || extractErr.Status != http.StatusUnprocessableEntity || !strings.Contains(extractErr.Detail, "empty") {
		t.Fatalf("Extract(empty) error = %v, want ExtractionError 422", err)
	}
}

func TestFileRouteRejectsUnknown(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	res, err := http.Get(env.base + "/files/s1/missing.pdf")
	if err != nil {
		t.Fatalf("GET file error = %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d (%s), want 404", res.StatusCode, body)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name     string
		allowAny bool
		origin   string
		host     string
		want     bool
	}{
		{name: "no origin", origin: "", host: "bills.example", want: true},
		{name: "same host", origin: "https://bills.example", host: "bills.example", want: true},
		{name: "other host", origin: "https://evil.example", host: "bills.example", want: false},
		{name: "bad scheme", origin: "file://bills.example", host: "bills.example", want: false},
		{name: "allow any", allowAny: true, origin: "https://evil.example", host: "bills.example", want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://"+tc.host+"/api/bill/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := CheckOrigin(tc.allowAny)(r); got != tc.want {
				t.Fatalf("CheckOrigin() = %v, want %v", got, tc.want)
			}
		})
	}
}
