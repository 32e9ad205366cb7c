// Package backendtest provides a scriptable in-memory bill service for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ent0n29/billrelay/internal/backend"
	"github.com/ent0n29/billrelay/internal/handoff"
)

// Call is one recorded remote operation.
type Call struct {
	Op        string
	SessionID string
	Source    string
	FileName  string
}

// Stub answers every bill service call from memory. Uploaded files are stored
// under BaseURL/files/{session}/{name} and can be fetched back.
type Stub struct {
	BaseURL string

	mu        sync.Mutex
	calls     []Call
	stored    map[string]backend.File
	inactive  map[string]bool
	uploadErr error
	deleteErr error
	qrErr     error
	statusErr error
	extract   func(backend.File) (backend.ExtractedInvoice, error)
	gate      chan struct{}
}

func New() *Stub {
	return &Stub{
		BaseURL:  "http://bills.test",
		stored:   make(map[string]backend.File),
		inactive: make(map[string]bool),
	}
}

func (s *Stub) FailUpload(status int) {
	s.mu.Lock()
	s.uploadErr = &handoff.UploadError{Status: status, Err: fmt.Errorf("upload rejected")}
	s.mu.Unlock()
}

func (s *Stub) FailDelete(status int) {
	s.mu.Lock()
	s.deleteErr = &handoff.DeleteError{Status: status, Err: fmt.Errorf("delete rejected")}
	s.mu.Unlock()
}

func (s *Stub) FailQR(err error) {
	s.mu.Lock()
	s.qrErr = err
	s.mu.Unlock()
}

func (s *Stub) FailStatus(err error) {
	s.mu.Lock()
	s.statusErr = err
	s.mu.Unlock()
}

// Deactivate makes SessionStatus report id as inactive.
func (s *Stub) Deactivate(id string) {
	s.mu.Lock()
	s.inactive[id] = true
	s.mu.Unlock()
}

// OnExtract replaces the default extraction result.
func (s *Stub) OnExtract(fn func(backend.File) (backend.ExtractedInvoice, error)) {
	s.mu.Lock()
	s.extract = fn
	s.mu.Unlock()
}

// HoldUploads blocks every Upload until the returned release func is called.
func (s *Stub) HoldUploads() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *Stub) GenerateQR(_ context.Context, sessionID string) ([]byte, error) {
	s.record(Call{Op: "qr", SessionID: sessionID})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qrErr != nil {
		return nil, s.qrErr
	}
	return []byte("png:" + sessionID), nil
}

func (s *Stub) SessionStatus(_ context.Context, sessionID string) (bool, error) {
	s.record(Call{Op: "status", SessionID: sessionID})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return false, s.statusErr
	}
	return !s.inactive[sessionID], nil
}

func (s *Stub) Upload(ctx context.Context, ownerSessionID, source string, file backend.File) (backend.UploadResult, error) {
	s.record(Call{Op: "upload", SessionID: ownerSessionID, Source: source, FileName: file.Name})
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return backend.UploadResult{}, &handoff.UploadError{Err: ctx.Err()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return backend.UploadResult{}, s.uploadErr
	}
	u := s.url(ownerSessionID, file.Name)
	s.stored[u] = file
	return backend.UploadResult{RemoteURL: u, MIMEType: file.MIMEType}, nil
}

func (s *Stub) Delete(_ context.Context, ownerSessionID, fileName string) error {
	s.record(Call{Op: "delete", SessionID: ownerSessionID, FileName: fileName})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	u := s.url(ownerSessionID, fileName)
	if _, ok := s.stored[u]; !ok {
		return &handoff.DeleteError{Status: 404, Err: fmt.Errorf("file not found")}
	}
	delete(s.stored, u)
	return nil
}

func (s *Stub) Extract(_ context.Context, ownerSessionID string, file backend.File) (backend.ExtractedInvoice, error) {
	s.record(Call{Op: "extract", SessionID: ownerSessionID, FileName: file.Name})
	s.mu.Lock()
	fn := s.extract
	s.mu.Unlock()
	if fn != nil {
		return fn(file)
	}
	return backend.ExtractedInvoice{Data: map[string]any{"file_name": file.Name, "size": len(file.Data)}}, nil
}

func (s *Stub) Fetch(_ context.Context, remoteURL string) (backend.File, error) {
	s.record(Call{Op: "fetch", FileName: handoff.RemoteFileName(remoteURL)})
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.stored[remoteURL]
	if !ok {
		return backend.File{}, fmt.Errorf("fetch %s: not found", remoteURL)
	}
	return f, nil
}

// Stored reports whether a file is held under owner/name.
func (s *Stub) Stored(ownerSessionID, fileName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stored[s.url(ownerSessionID, fileName)]
	return ok
}

func (s *Stub) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *Stub) record(c Call) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *Stub) url(owner, name string) string {
	return fmt.Sprintf("%s/files/%s/%s", s.BaseURL, owner, name)
}
