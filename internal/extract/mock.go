package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrEmptyFile = errors.New("empty file")

// MockExtractor returns deterministic file facts instead of invoice fields.
type MockExtractor struct{}

func NewMockExtractor() *MockExtractor { return &MockExtractor{} }

func (e *MockExtractor) Extract(ctx context.Context, req Request) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(req.Data) == 0 {
		return nil, ErrEmptyFile
	}

	sum := sha256.Sum256(req.Data)
	mimeType := strings.TrimSpace(req.MIMEType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(req.Data)
	}
	return map[string]any{
		"extractor":  "mock",
		"session_id": req.SessionID,
		"file_name":  req.FileName,
		"mime_type":  mimeType,
		"size":       len(req.Data),
		"sha256":     hex.EncodeToString(sum[:]),
	}, nil
}
