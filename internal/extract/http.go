package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// HTTPExtractor forwards files to an external extraction endpoint that
// accepts multipart {file, session_id} and answers JSON.
type HTTPExtractor struct {
	url    string
	client *http.Client
}

func NewHTTPExtractor(url string) *HTTPExtractor {
	return &HTTPExtractor{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, req Request) (map[string]any, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", req.SessionID); err != nil {
		return nil, fmt.Errorf("write session_id: %w", err)
	}
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("extract http status %d: %s", res.StatusCode, redactPII(strings.TrimSpace(string(body))))
	}

	var obj map[string]any
	if err := json.NewDecoder(res.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	// Accept both {data: {...}} and a bare object.
	if data, ok := obj["data"].(map[string]any); ok {
		return data, nil
	}
	return obj, nil
}
