package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/reliability"
)

const maxErrorBody = 4 << 10

// File is a captured document held in memory on the client.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

type UploadResult struct {
	RemoteURL string
	MIMEType  string
}

// ExtractedInvoice is the opaque invoice object produced by the extraction service.
type ExtractedInvoice struct {
	Data map[string]any `json:"data"`
}

type statusResponse struct {
	IsActive bool `json:"is_active"`
}

type uploadResponse struct {
	FileURL string `json:"file_url"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Client calls the bill file/session REST service.
type Client struct {
	base  string
	http  *http.Client
	retry reliability.Policy
}

func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		base:  strings.TrimRight(strings.TrimSpace(base), "/"),
		http:  httpClient,
		retry: reliability.Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
}

// GenerateQR fetches the pairing image for sessionID.
func (c *Client) GenerateQR(ctx context.Context, sessionID string) ([]byte, error) {
	res, err := c.get(ctx, "/api/bill/generate-qr/"+url.PathEscape(sessionID)+"/")
	if err != nil {
		return nil, fmt.Errorf("generate qr: %w", err)
	}
	defer res.Body.Close()
	if !ok(res.StatusCode) {
		return nil, fmt.Errorf("generate qr status %d: %s", res.StatusCode, readError(res.Body))
	}
	img, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read qr: %w", err)
	}
	return img, nil
}

// SessionStatus is the liveness check for a primary session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (bool, error) {
	res, err := c.get(ctx, "/api/bill/session/status/"+url.PathEscape(sessionID)+"/")
	if err != nil {
		return false, fmt.Errorf("session status: %w", err)
	}
	defer res.Body.Close()
	if !ok(res.StatusCode) {
		return false, fmt.Errorf("session status %d: %s", res.StatusCode, readError(res.Body))
	}
	var out statusResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode session status: %w", err)
	}
	return out.IsActive, nil
}

// Upload stores file under ownerSessionID. There is no retry.
func (c *Client) Upload(ctx context.Context, ownerSessionID, source string, file File) (UploadResult, error) {
	body, contentType, err := multipartBody(file, map[string]string{"upload_source": source})
	if err != nil {
		return UploadResult{}, &handoff.UploadError{Err: err}
	}
	res, err := c.do(ctx, http.MethodPost, "/api/bill/upload/"+url.PathEscape(ownerSessionID)+"/", body, contentType)
	if err != nil {
		return UploadResult{}, &handoff.UploadError{Err: err}
	}
	defer res.Body.Close()
	if !ok(res.StatusCode) {
		return UploadResult{}, &handoff.UploadError{Status: res.StatusCode, Err: errors.New(readError(res.Body))}
	}
	var out uploadResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return UploadResult{}, &handoff.UploadError{Status: res.StatusCode, Err: fmt.Errorf("decode upload response: %w", err)}
	}
	if strings.TrimSpace(out.FileURL) == "" {
		return UploadResult{}, &handoff.UploadError{Status: res.StatusCode, Err: errors.New("upload response missing file_url")}
	}
	return UploadResult{RemoteURL: out.FileURL, MIMEType: file.MIMEType}, nil
}

// Delete removes fileName from ownerSessionID's storage.
func (c *Client) Delete(ctx context.Context, ownerSessionID, fileName string) error {
	path := "/api/bill/delete/" + url.PathEscape(ownerSessionID) + "/?file_name=" + url.QueryEscape(fileName)
	res, err := c.do(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		return &handoff.DeleteError{Err: err}
	}
	defer res.Body.Close()
	if !ok(res.StatusCode) {
		return &handoff.DeleteError{Status: res.StatusCode, Err: errors.New(readError(res.Body))}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// Extract submits a confirmed file for invoice extraction.
func (c *Client) Extract(ctx context.Context, ownerSessionID string, file File) (ExtractedInvoice, error) {
	body, contentType, err := multipartBody(file, map[string]string{"session_id": ownerSessionID})
	if err != nil {
		return ExtractedInvoice{}, &handoff.ExtractionError{Detail: err.Error()}
	}
	res, err := c.do(ctx, http.MethodPost, "/api/bill/extract/", body, contentType)
	if err != nil {
		return ExtractedInvoice{}, &handoff.ExtractionError{Detail: err.Error()}
	}
	defer res.Body.Close()
	if !ok(res.StatusCode) {
		return ExtractedInvoice{}, &handoff.ExtractionError{Status: res.StatusCode, Detail: readError(res.Body)}
	}
	var out ExtractedInvoice
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return ExtractedInvoice{}, &handoff.ExtractionError{Status: res.StatusCode, Detail: fmt.Sprintf("decode extract response: %v", err)}
	}
	return out, nil
}

// Fetch downloads a previously uploaded file by its remote url.
func (c *Client) Fetch(ctx context.Context, remoteURL string) (File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return File{}, fmt.Errorf("create request: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", remoteURL, err)
	}
	defer res.Body.Close()
	if !ok(res.StatusCode) {
		return File{}, fmt.Errorf("fetch %s status %d: %s", remoteURL, res.StatusCode, readError(res.Body))
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", remoteURL, err)
	}
	mimeType := res.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return File{Name: handoff.RemoteFileName(remoteURL), MIMEType: mimeType, Data: data}, nil
}

// get retries idempotent reads on network errors and retryable statuses.
// Other non-2xx responses are returned to the caller.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	var res *http.Response
	err := reliability.Retry(ctx, c.retry, func(int) (bool, error) {
		r, err := c.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return ctx.Err() == nil, err
		}
		if reliability.IsRetryableHTTPStatus(r.StatusCode) {
			msg := readError(r.Body)
			r.Body.Close()
			return true, fmt.Errorf("status %d: %s", r.StatusCode, msg)
		}
		res = r
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return res, nil
}

func multipartBody(file File, fields map[string]string) (io.Reader, string, error) {
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	ct := file.MIMEType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func readError(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case e.Detail != "":
			return e.Detail
		case e.Error != "":
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func ok(code int) bool { return code >= 200 && code < 300 }
