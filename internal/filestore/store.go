package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrTooLarge    = errors.New("file too large")
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store keeps file bytes on disk under dir/{session}/{name} and their
// records in a MetadataStore.
type Store struct {
	dir      string
	meta     MetadataStore
	maxBytes int64
}

func New(dir string, meta MetadataStore, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir, meta: meta, maxBytes: maxBytes}, nil
}

// Upload is the input to Save.
type Upload struct {
	SessionID string
	Name      string
	MIMEType  string
	Source    string
	Body      io.Reader
}

// Save writes the body and records it. The stored name is unique per session.
func (s *Store) Save(ctx context.Context, up Upload) (Record, error) {
	if err := validSegment(up.SessionID); err != nil {
		return Record{}, err
	}
	name := storedName(up.Name)
	dir := filepath.Join(s.dir, up.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Record{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	body := up.Body
	if s.maxBytes > 0 {
		body = io.LimitReader(up.Body, s.maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Record{}, fmt.Errorf("write upload: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return Record{}, ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return Record{}, fmt.Errorf("store upload: %w", err)
	}

	rec := Record{
		ID:        uuid.NewString(),
		SessionID: up.SessionID,
		Name:      name,
		MIMEType:  up.MIMEType,
		Source:    up.Source,
		Size:      n,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.meta.Put(ctx, rec); err != nil {
		_ = os.Remove(filepath.Join(dir, name))
		return Record{}, err
	}
	return rec, nil
}

// Open returns the record and an open reader for the file. The caller closes it.
func (s *Store) Open(ctx context.Context, sessionID, name string) (Record, *os.File, error) {
	p, err := s.path(sessionID, name)
	if err != nil {
		return Record{}, nil, err
	}
	rec, err := s.meta.Get(ctx, sessionID, name)
	if err != nil {
		return Record{}, nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil, ErrNotFound
	}
	if err != nil {
		return Record{}, nil, fmt.Errorf("open upload: %w", err)
	}
	return rec, f, nil
}

func (s *Store) Delete(ctx context.Context, sessionID, name string) error {
	p, err := s.path(sessionID, name)
	if err != nil {
		return err
	}
	if err := s.meta.Delete(ctx, sessionID, name); err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// DeleteSession removes every file recorded for sessionID.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	if err := validSegment(sessionID); err != nil {
		return 0, err
	}
	recs, err := s.meta.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, r := range recs {
		if err := s.Delete(ctx, sessionID, r.Name); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	_ = os.Remove(filepath.Join(s.dir, sessionID))
	return removed, errors.Join(errs...)
}

func (s *Store) List(ctx context.Context, sessionID string) ([]Record, error) {
	return s.meta.List(ctx, sessionID)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.meta.Ping(ctx)
}

func (s *Store) Close() error {
	return s.meta.Close()
}

func (s *Store) path(sessionID, name string) (string, error) {
	if err := validSegment(sessionID); err != nil {
		return "", err
	}
	if err := validSegment(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, sessionID, name), nil
}

func validSegment(v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, v)
	}
	return nil
}

// storedName keeps a readable suffix of the original name behind a unique prefix.
func storedName(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, "._")
	if base == "" {
		base = "upload"
	}
	if len(base) > 96 {
		base = base[len(base)-96:]
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_" + base
}
