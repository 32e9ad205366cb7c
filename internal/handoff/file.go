package handoff

import (
	"fmt"
	"path"
	"strings"
)

type FileStatus string

const (
	FileEmpty      FileStatus = "empty"
	FilePreviewing FileStatus = "previewing"
	FileUploading  FileStatus = "uploading"
	FileUploaded   FileStatus = "uploaded"
	FileDeleting   FileStatus = "deleting"
	FileDeleted    FileStatus = "deleted"
)

// fileTransitions is the complete set of status moves allowed within one attempt.
// Deleted has no outgoing edges; a new attempt starts from a fresh FileHandoff.
var fileTransitions = map[FileStatus][]FileStatus{
	FileEmpty:      {FilePreviewing, FileUploading},
	FilePreviewing: {FileUploading},
	FileUploading:  {FileUploaded},
	FileUploaded:   {FileDeleting},
	FileDeleting:   {FileDeleted, FileUploaded},
}

// FileHandoff tracks a single upload attempt.
type FileHandoff struct {
	LocalPreviewURL string     `json:"local_preview_url,omitempty"`
	RemoteURL       string     `json:"remote_url,omitempty"`
	MIMEType        string     `json:"mime_type,omitempty"`
	SourceRole      Role       `json:"source_role,omitempty"`
	Status          FileStatus `json:"status"`
}

// NewFileHandoff starts a fresh attempt for a file produced by source.
func NewFileHandoff(source Role) *FileHandoff {
	return &FileHandoff{SourceRole: source, Status: FileEmpty}
}

func (f *FileHandoff) advance(next FileStatus) error {
	for _, allowed := range fileTransitions[f.Status] {
		if allowed == next {
			f.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: file %s -> %s", ErrInvalidTransition, f.Status, next)
}

// StartPreview records the local preview shown before any network round-trip.
func (f *FileHandoff) StartPreview(localURL, mimeType string) error {
	if err := f.advance(FilePreviewing); err != nil {
		return err
	}
	f.LocalPreviewURL = localURL
	f.MIMEType = mimeType
	return nil
}

func (f *FileHandoff) StartUpload() error {
	return f.advance(FileUploading)
}

// MarkUploaded is the only way RemoteURL gets set.
func (f *FileHandoff) MarkUploaded(remoteURL, mimeType string) error {
	if strings.TrimSpace(remoteURL) == "" {
		return fmt.Errorf("%w: empty remote url", ErrInvalidTransition)
	}
	if err := f.advance(FileUploaded); err != nil {
		return err
	}
	f.RemoteURL = remoteURL
	if mimeType != "" {
		f.MIMEType = mimeType
	}
	return nil
}

func (f *FileHandoff) StartDelete() error {
	return f.advance(FileDeleting)
}

// DeleteFailed rolls back to Uploaded so local state keeps matching the server.
func (f *FileHandoff) DeleteFailed() error {
	if f.Status != FileDeleting {
		return fmt.Errorf("%w: file %s -> %s", ErrInvalidTransition, f.Status, FileUploaded)
	}
	f.Status = FileUploaded
	return nil
}

func (f *FileHandoff) MarkDeleted() error {
	return f.advance(FileDeleted)
}

// Received builds the handoff for a file the peer already uploaded.
func Received(remoteURL, mimeType string, source Role) (*FileHandoff, error) {
	f := NewFileHandoff(source)
	if err := f.StartUpload(); err != nil {
		return nil, err
	}
	if err := f.MarkUploaded(remoteURL, mimeType); err != nil {
		return nil, err
	}
	return f, nil
}

// RemoteFileName is the name the backend stores the file under.
func (f *FileHandoff) RemoteFileName() string {
	return RemoteFileName(f.RemoteURL)
}

// RemoteFileName extracts the last path element of a file url, without query.
func RemoteFileName(remoteURL string) string {
	u := remoteURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	if u == "" {
		return ""
	}
	return path.Base(u)
}

// OwnedBy reports whether role may delete or replace the remote file.
func (f *FileHandoff) OwnedBy(role Role) bool {
	return f != nil && f.SourceRole == role
}

func (f *FileHandoff) Clone() *FileHandoff {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
