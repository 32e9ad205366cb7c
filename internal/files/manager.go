package files

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/handoff"
)

const previewScheme = "blob:"

// Remote is the REST surface the manager drives.
type Remote interface {
	Upload(ctx context.Context, ownerSessionID, source string, file backend.File) (backend.UploadResult, error)
	Delete(ctx context.Context, ownerSessionID, fileName string) error
	Extract(ctx context.Context, ownerSessionID string, file backend.File) (backend.ExtractedInvoice, error)
	Fetch(ctx context.Context, remoteURL string) (backend.File, error)
}

// Manager owns local previews and wraps the remote file operations.
type Manager struct {
	remote Remote
	log    zerolog.Logger

	mu       sync.Mutex
	previews map[string]backend.File
}

func NewManager(remote Remote, log zerolog.Logger) *Manager {
	return &Manager{
		remote:   remote,
		log:      log,
		previews: make(map[string]backend.File),
	}
}

// Preview returns a locally scoped url for file. It must be revoked when
// superseded or on teardown.
func (m *Manager) Preview(file backend.File) string {
	u := previewScheme + uuid.NewString()
	m.mu.Lock()
	m.previews[u] = file
	m.mu.Unlock()
	return u
}

// Resolve returns the file behind a preview url.
func (m *Manager) Resolve(previewURL string) (backend.File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.previews[previewURL]
	return f, ok
}

// Revoke releases a preview url; unknown or empty urls are ignored.
func (m *Manager) Revoke(previewURL string) bool {
	if previewURL == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.previews[previewURL]; !ok {
		return false
	}
	delete(m.previews, previewURL)
	return true
}

// Outstanding reports previews that were never revoked.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.previews)
}

func (m *Manager) Upload(ctx context.Context, file backend.File, ownerSessionID string, source handoff.Role) (backend.UploadResult, error) {
	res, err := m.remote.Upload(ctx, ownerSessionID, string(source), file)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", ownerSessionID).Str("file", file.Name).Msg("upload failed")
		return backend.UploadResult{}, err
	}
	if res.MIMEType == "" {
		res.MIMEType = file.MIMEType
	}
	m.log.Info().Str("session_id", ownerSessionID).Str("file_url", res.RemoteURL).Msg("file uploaded")
	return res, nil
}

// DeleteRemote removes an uploaded file. Callers keep their local state until it succeeds.
func (m *Manager) DeleteRemote(ctx context.Context, ownerSessionID, fileName string) error {
	if strings.TrimSpace(fileName) == "" {
		return &handoff.DeleteError{Err: fmt.Errorf("empty file name")}
	}
	if err := m.remote.Delete(ctx, ownerSessionID, fileName); err != nil {
		m.log.Warn().Err(err).Str("session_id", ownerSessionID).Str("file", fileName).Msg("delete failed")
		return err
	}
	m.log.Info().Str("session_id", ownerSessionID).Str("file", fileName).Msg("file deleted")
	return nil
}

func (m *Manager) Extract(ctx context.Context, file backend.File, ownerSessionID string) (backend.ExtractedInvoice, error) {
	inv, err := m.remote.Extract(ctx, ownerSessionID, file)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", ownerSessionID).Msg("extraction failed")
		return backend.ExtractedInvoice{}, err
	}
	return inv, nil
}

func (m *Manager) Fetch(ctx context.Context, remoteURL string) (backend.File, error) {
	return m.remote.Fetch(ctx, remoteURL)
}

// Load reads a file from disk and detects its MIME type.
func Load(path string) (backend.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return backend.File{}, fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return backend.File{Name: name, MIMEType: mimeType, Data: data}, nil
}
