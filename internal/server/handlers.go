package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/YorkUITInnovation/markitdown-api/internal/assets"
	"github.com/YorkUITInnovation/markitdown-api/internal/cleanup"
	"github.com/YorkUITInnovation/markitdown-api/internal/convert"
	"github.com/YorkUITInnovation/markitdown-api/internal/pipeline"
)

// maxConvertBody caps the /convert JSON request body. Documents travel by
// reference there; only /upload carries file content.
const maxConvertBody = 1 << 20

type convertRequest struct {
	Source      string `json:"source"`
	CreatePages *bool  `json:"create_pages"`
}

type convertResponse struct {
	Filename     string         `json:"filename"`
	URL          string         `json:"url,omitempty"`
	FileSize     int64          `json:"file_size,omitempty"`
	Format       string         `json:"format"`
	Markdown     string         `json:"markdown"`
	Pages        int            `json:"pages,omitempty"`
	Images       []assets.Asset `json:"images,omitempty"`
	LinksApplied int            `json:"links_applied"`
	Partial      bool           `json:"partial,omitempty"`
}

type cleanupStatusResponse struct {
	cleanup.Status
	LastRun *cleanup.Run `json:"last_run,omitempty"`
}

type versionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxConvertBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be JSON with a source field")
		return
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	// Page markers are on unless the caller turns them off.
	createPages := true
	if req.CreatePages != nil {
		createPages = *req.CreatePages
	}

	doc, err := s.orchestrator.ConvertSource(r.Context(), source, createPages)
	if err != nil {
		s.writeConversionError(w, err)
		return
	}

	resp := documentResponse(doc)
	if pipeline.IsRemote(source) {
		resp.URL = source
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if isBodyTooLarge(err) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds the %d MB limit", s.cfg.MaxUploadSizeMB))
			return
		}
		s.writeError(w, http.StatusBadRequest, "request must be multipart form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "multipart form must include a file field")
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close uploaded file")
		}
	}()

	createPages := true
	if value := r.FormValue("create_pages"); value != "" {
		createPages, err = strconv.ParseBool(value)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "create_pages must be a boolean")
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds the %d MB limit", s.cfg.MaxUploadSizeMB))
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	// Browsers may send a full client-side path in the filename.
	filename := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		filename = "document"
	}

	doc, err := s.orchestrator.ConvertUpload(r.Context(), filename, data, header.Header.Get("Content-Type"), createPages)
	if err != nil {
		s.writeConversionError(w, err)
		return
	}

	resp := documentResponse(doc)
	resp.FileSize = int64(len(data))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	filename := r.PathValue("filename")
	if !validPathSegment(namespace) || !validPathSegment(filename) {
		s.writeError(w, http.StatusBadRequest, "invalid image path")
		return
	}

	http.ServeFile(w, r, filepath.Join(s.cfg.ImagesDir, namespace, filename))
}

func (s *Server) handleCleanupStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, cleanupStatusResponse{
		Status:  s.scheduler.Status(),
		LastRun: s.scheduler.LastRun(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, versionResponse{Name: "markitdown-api", Version: s.version})
}

// documentResponse maps a converted document onto the wire shape shared by
// /convert and /upload.
func documentResponse(doc *pipeline.Document) convertResponse {
	return convertResponse{
		Filename:     doc.Source,
		Format:       doc.Format,
		Markdown:     doc.Markdown,
		Pages:        doc.Pages,
		Images:       doc.Images,
		LinksApplied: doc.Links,
		Partial:      doc.Partial,
	}
}

// writeConversionError maps pipeline failures onto HTTP statuses: source
// problems are the client's fault, unsupported formats get 415, anything
// else is a server error with the detail kept in the logs.
func (s *Server) writeConversionError(w http.ResponseWriter, err error) {
	var fetchErr *pipeline.SourceFetchError
	var formatErr *convert.UnsupportedFormatError
	var persistErr *assets.PersistenceError

	switch {
	case errors.As(err, &fetchErr):
		s.writeError(w, http.StatusBadRequest, fetchErr.Error())
	case errors.As(err, &formatErr):
		s.writeError(w, http.StatusUnsupportedMediaType, formatErr.Error())
	case errors.As(err, &persistErr):
		s.logger.WithError(err).Error("Asset persistence failed")
		s.writeError(w, http.StatusInternalServerError, "failed to persist extracted assets")
	case errors.Is(err, context.Canceled):
		// Client went away; there is nobody left to answer.
	default:
		s.logger.WithError(err).Error("Conversion failed")
		s.writeError(w, http.StatusInternalServerError, "conversion failed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// isBodyTooLarge recognises the MaxBytesReader limit, which the multipart
// reader may wrap in its own error text.
func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// validPathSegment rejects traversal in image path segments. The router
// only matches single segments, so this is the second fence.
func validPathSegment(segment string) bool {
	return segment != "" &&
		segment != "." &&
		segment != ".." &&
		!strings.ContainsAny(segment, "/\\")
}
