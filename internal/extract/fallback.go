package extract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// FallbackExtractor tries the primary extractor first and falls back on error.
type FallbackExtractor struct {
	primary  Extractor
	fallback Extractor
	log      zerolog.Logger
}

func NewFallbackExtractor(primary, fallback Extractor, log zerolog.Logger) *FallbackExtractor {
	return &FallbackExtractor{primary: primary, fallback: fallback, log: log}
}

func (e *FallbackExtractor) Extract(ctx context.Context, req Request) (map[string]any, error) {
	if e.primary == nil {
		if e.fallback != nil {
			return e.fallback.Extract(ctx, req)
		}
		return nil, fmt.Errorf("fallback extractor misconfigured")
	}
	out, err := e.primary.Extract(ctx, req)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || e.fallback == nil {
		return nil, err
	}
	e.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("extractor failed, using fallback")
	return e.fallback.Extract(ctx, req)
}
