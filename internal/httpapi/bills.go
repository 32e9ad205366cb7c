package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/billrelay/internal/extract"
	"github.com/ent0n29/billrelay/internal/filestore"
	"github.com/ent0n29/billrelay/internal/handoff"
	"github.com/ent0n29/billrelay/internal/session"
)

// multipartOverhead leaves room for form fields and boundaries around the file part.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type extractResponse struct {
	Data map[string]any `json:"data"`
}

func (s *Server) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if !s.sessions.IsActive(id) {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	png, err := s.qr.PNG(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "qr_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	respondJSON(w, http.StatusOK, session.StatusResponse{IsActive: s.sessions.IsActive(id)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if !s.sessions.IsActive(id) {
		s.metrics.ObserveFileOp("upload", errors.New("inactive"))
		respondError(w, http.StatusNotFound, "session_not_found", "session is not active")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes+multipartOverhead)
	file, header, fields, err := readFilePart(r)
	if err != nil {
		s.metrics.ObserveFileOp("upload", err)
		respondUploadError(w, err)
		return
	}
	defer file.Close()

	source := handoff.RolePrimary
	if raw := fields.Get("upload_source"); raw != "" {
		role, ok := handoff.ParseRole(raw)
		if !ok {
			s.metrics.ObserveFileOp("upload", errors.New("bad source"))
			respondError(w, http.StatusBadRequest, "invalid_upload_source", fmt.Sprintf("unknown upload_source %q", raw))
			return
		}
		source = role
	}

	rec, err := s.store.Save(r.Context(), filestore.Upload{
		SessionID: id,
		Name:      header.Filename,
		MIMEType:  partContentType(header),
		Source:    string(source),
		Body:      file,
	})
	s.metrics.ObserveFileOp("upload", err)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	s.metrics.UploadBytes.Observe(float64(rec.Size))
	s.log.Info().Str("session_id", id).Str("file", rec.Name).Str("upload_source", rec.Source).Int64("size", rec.Size).Msg("file stored")

	respondJSON(w, http.StatusCreated, uploadResponse{
		FileURL:  s.fileURL(id, rec.Name),
		FileName: rec.Name,
		MIMEType: rec.MIMEType,
		Size:     rec.Size,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	name := strings.TrimSpace(r.URL.Query().Get("file_name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "missing_file_name", "query parameter file_name is required")
		return
	}

	err := s.store.Delete(r.Context(), id, name)
	s.metrics.ObserveFileOp("delete", err)
	switch {
	case err == nil:
	case errors.Is(err, filestore.ErrNotFound):
		respondError(w, http.StatusNotFound, "file_not_found", err.Error())
		return
	case errors.Is(err, filestore.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid_file_name", err.Error())
		return
	default:
		respondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	s.log.Info().Str("session_id", id).Str("file", name).Msg("file deleted")
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true, "file_name": name})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes+multipartOverhead)
	file, header, fields, err := readFilePart(r)
	if err != nil {
		s.metrics.ObserveFileOp("extract", err)
		respondUploadError(w, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.metrics.ObserveFileOp("extract", err)
		respondError(w, http.StatusBadRequest, "invalid_file", err.Error())
		return
	}

	out, err := s.extractor.Extract(r.Context(), extract.Request{
		SessionID: fields.Get("session_id"),
		FileName:  header.Filename,
		MIMEType:  partContentType(header),
		Data:      data,
	})
	s.metrics.ObserveFileOp("extract", err)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, extract.ErrEmptyFile) {
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, errorResponse{Error: "extraction failed", Code: "extraction_failed", Detail: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, extractResponse{Data: out})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	name := chi.URLParam(r, "file_name")

	rec, f, err := s.store.Open(r.Context(), id, name)
	switch {
	case err == nil:
	case errors.Is(err, filestore.ErrNotFound):
		respondError(w, http.StatusNotFound, "file_not_found", err.Error())
		return
	case errors.Is(err, filestore.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid_file_name", err.Error())
		return
	default:
		respondError(w, http.StatusInternalServerError, "file_unavailable", err.Error())
		return
	}
	defer f.Close()

	if rec.MIMEType != "" {
		w.Header().Set("Content-Type", rec.MIMEType)
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, rec.Name, rec.CreatedAt, f)
}

func (s *Server) fileURL(sessionID, name string) string {
	return s.cfg.PublicBaseURL + "/files/" + url.PathEscape(sessionID) + "/" + url.PathEscape(name)
}

// readFilePart streams the multipart body up to the "file" part and collects
// the plain fields seen before it.
func readFilePart(r *http.Request) (*multipart.Part, *multipart.FileHeader, url.Values, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", errBadForm, err)
	}
	fields := url.Values{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil, nil, fmt.Errorf("%w: missing file part", errBadForm)
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", errBadForm, err)
		}
		if part.FormName() == "file" {
			header := &multipart.FileHeader{Filename: part.FileName(), Header: part.Header}
			// Fields sent after the file part are ignored.
			return part, header, fields, nil
		}
		v, err := io.ReadAll(io.LimitReader(part, 4<<10))
		part.Close()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", errBadForm, err)
		}
		fields.Set(part.FormName(), string(v))
	}
}

var errBadForm = errors.New("invalid multipart form")

func partContentType(h *multipart.FileHeader) string {
	ct := strings.TrimSpace(h.Header.Get("Content-Type"))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func respondUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, filestore.ErrTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "file_too_large", err.Error())
	case errors.Is(err, errBadForm):
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
	case errors.Is(err, filestore.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "upload_failed", err.Error())
	}
}
