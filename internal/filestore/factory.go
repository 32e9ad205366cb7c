package filestore

import (
	"context"
	"strings"
)

// NewMetadataStore creates a postgres-backed store when configured, otherwise in-memory.
func NewMetadataStore(ctx context.Context, databaseURL string) (MetadataStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
