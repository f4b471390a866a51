package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/export"
	"proofmark/api/internal/search"
	"proofmark/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	uploads    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	if root := service.UploadRoot(); root != "" {
		s.uploads = http.StripPrefix("/uploads/", http.FileServer(http.Dir(root)))
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if s.uploads != nil && (r.Method == http.MethodGet || r.Method == http.MethodHead) && strings.HasPrefix(r.URL.Path, "/uploads/") {
		// FileServer only sniffs the type when none is set.
		w.Header().Del("Content-Type")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		s.uploads.ServeHTTP(w, r)
		return
	}

	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/upload" {
		s.handleUpload(w, r, viewer)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/proofs" {
		var body struct {
			FileURL string     `json:"fileUrl"`
			Meta    store.Meta `json:"meta"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateProof(r.Context(), viewer, strings.TrimSpace(body.FileURL), body.Meta)
		respond(w, http.StatusCreated, payload, err)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), viewer, search.Query{
			Text:    query.Get("q"),
			ProofID: query.Get("proofId"),
			Limit:   limit,
			Offset:  offset,
		}))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "proofs" {
		s.handleProof(w, r, viewer, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleProof routes /api/proofs/{id}/...; rest is the path after the id.
func (s *HTTPServer) handleProof(w http.ResponseWriter, r *http.Request, viewer Viewer, proofID string, rest []string) {
	ctx := r.Context()

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		payload, err := s.service.GetProof(ctx, viewer, proofID)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "meta" && r.Method == http.MethodPut:
		var meta store.Meta
		if err := decodeBody(r, &meta); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateMeta(ctx, viewer, proofID, meta)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "approve" && r.Method == http.MethodPost:
		payload, err := s.service.Approve(ctx, viewer, proofID)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "unlock" && r.Method == http.MethodPost:
		payload, err := s.service.Unlock(ctx, viewer, proofID)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "share" && r.Method == http.MethodPost:
		payload, err := s.service.ShareLink(ctx, viewer, proofID)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodGet:
		payload, err := s.service.ListVersions(ctx, viewer, proofID)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodPost:
		var body struct {
			FileURL string     `json:"fileUrl"`
			Meta    store.Meta `json:"meta"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateVersion(ctx, viewer, proofID, strings.TrimSpace(body.FileURL), body.Meta)
		respond(w, http.StatusCreated, payload, err)

	case len(rest) == 2 && rest[0] == "annos":
		page, ok := parsePage(w, rest[1])
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetAnnotations(ctx, viewer, proofID, page)
			respond(w, http.StatusOK, payload, err)
		case http.MethodPut:
			var body struct {
				Annos []annotation.Annotation `json:"annos"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.PutAnnotations(ctx, viewer, proofID, page, body.Annos)
			respond(w, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case len(rest) == 4 && rest[0] == "versions" && rest[2] == "annos" && r.Method == http.MethodGet:
		sequence, err := strconv.Atoi(rest[1])
		if err != nil || sequence < 1 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "revision must be a positive integer", nil)
			return
		}
		page, ok := parsePage(w, rest[3])
		if !ok {
			return
		}
		payload, err := s.service.GetVersionAnnotations(ctx, viewer, proofID, sequence, page)
		respond(w, http.StatusOK, payload, err)

	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, viewer, proofID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, viewer Viewer) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.UploadMaxBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart body expected", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "NO_FILE", "No file", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read file", nil)
		return
	}
	payload, err := s.service.Upload(r.Context(), viewer, header.Filename, data, header.Header.Get("Content-Type"))
	respond(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, viewer Viewer, proofID string) {
	query := r.URL.Query()
	format, err := export.ParseFormat(query.Get("format"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	sequence := 0
	if raw := query.Get("version"); raw != "" && raw != "latest" {
		sequence, err = strconv.Atoi(raw)
		if err != nil || sequence < 1 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a positive integer or 'latest'", nil)
			return
		}
	}

	result, err := s.service.Export(r.Context(), viewer, export.Request{
		ProofID:  proofID,
		Sequence: sequence,
		Format:   format,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	disposition := "inline"
	if query.Get("download") == "1" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, result.Filename))
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// requireViewer accepts the share token as a bearer token or ?token=.
func (s *HTTPServer) requireViewer(w http.ResponseWriter, r *http.Request) (Viewer, bool) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	viewer, err := s.service.ViewerFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Viewer{}, false
	}
	return viewer, true
}

func parsePage(w http.ResponseWriter, raw string) (int, bool) {
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page must be a positive integer", nil)
		return 0, false
	}
	return page, true
}

func respond(w http.ResponseWriter, status int, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status == http.StatusInternalServerError {
			log.Printf("app: request failed: %v", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
