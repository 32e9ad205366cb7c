package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Request is one file submitted for invoice extraction.
type Request struct {
	SessionID string
	FileName  string
	MIMEType  string
	Data      []byte
}

// Extractor turns an uploaded bill into the opaque invoice object.
type Extractor interface {
	Extract(ctx context.Context, req Request) (map[string]any, error)
}

// Config controls extractor construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func New(cfg Config, log zerolog.Logger) (Extractor, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return NewMockExtractor(), nil
		}
		return NewFallbackExtractor(NewHTTPExtractor(cfg.HTTPURL), NewMockExtractor(), log), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("extract HTTP url is required for http mode")
		}
		return NewHTTPExtractor(cfg.HTTPURL), nil
	case "mock":
		return NewMockExtractor(), nil
	default:
		return nil, fmt.Errorf("unsupported extract mode %q", cfg.Mode)
	}
}
