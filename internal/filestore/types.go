package filestore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("file not found")

// Record describes one uploaded bill file.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	MIMEType  string    `json:"mime_type"`
	Source    string    `json:"upload_source"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// MetadataStore persists file records keyed by session and name.
type MetadataStore interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, sessionID, name string) (Record, error)
	Delete(ctx context.Context, sessionID, name string) error
	List(ctx context.Context, sessionID string) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}
