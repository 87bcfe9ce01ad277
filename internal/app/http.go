package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"frameline/api/internal/auth"
	"frameline/api/internal/logger"
	"frameline/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.With("component", "http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	// Review links are public; a bearer token is optional there.
	if parts[1] == "review" && len(parts) >= 3 {
		viewer, ok := s.optionalIdentity(w, r)
		if !ok {
			return
		}
		s.handleReview(w, r, viewer, parts[2], parts[3:])
		return
	}

	id, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	switch {
	case parts[1] == "projects" && len(parts) >= 4:
		s.handleProjects(w, r, id, parts[2], parts[3:])
	case parts[1] == "deliverables" && len(parts) >= 3:
		s.handleDeliverables(w, r, id, parts[2], parts[3:])
	case parts[1] == "versions" && len(parts) == 4 && parts[3] == "threads":
		s.handleVersionThreads(w, r, id, parts[2])
	case parts[1] == "threads" && len(parts) == 4:
		s.handleThreads(w, r, id, parts[2], parts[3])
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, id Identity, projectID string, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	switch {
	case rest[0] == "deliverables" && r.Method == http.MethodGet:
		items, err := s.service.ListDeliverables(r.Context(), id, projectID)
		s.respond(w, r, http.StatusOK, map[string]any{"deliverables": items}, err)
	case rest[0] == "deliverables" && r.Method == http.MethodPost:
		var body CreateDeliverableInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		detail, err := s.service.CreateDeliverable(r.Context(), id, projectID, body)
		s.respond(w, r, http.StatusCreated, detail, err)
	case rest[0] == "access" && r.Method == http.MethodGet:
		access, err := s.service.GetAccess(r.Context(), id, projectID)
		s.respond(w, r, http.StatusOK, access, err)
	case rest[0] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, ok := queryInt(w, query.Get("limit"), "limit")
		if !ok {
			return
		}
		offset, ok := queryInt(w, query.Get("offset"), "offset")
		if !ok {
			return
		}
		result, err := s.service.SearchComments(r.Context(), id, projectID, query.Get("q"), limit, offset)
		s.respond(w, r, http.StatusOK, result, err)
	default:
		s.methodOrNotFound(w, rest[0], "deliverables", "access", "search")
	}
}

func (s *HTTPServer) handleDeliverables(w http.ResponseWriter, r *http.Request, id Identity, deliverableID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		detail, err := s.service.GetDeliverable(r.Context(), id, deliverableID)
		s.respond(w, r, http.StatusOK, detail, err)
		return
	}

	if len(rest) == 2 && rest[0] == "review-links" {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		err := s.service.RevokeReviewLink(r.Context(), id, deliverableID, rest[1])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch {
	case rest[0] == "versions" && r.Method == http.MethodGet:
		versions, err := s.service.ListVersions(r.Context(), id, deliverableID)
		s.respond(w, r, http.StatusOK, map[string]any{"versions": versions}, err)
	case rest[0] == "versions" && r.Method == http.MethodPost:
		var body PublishVersionInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		version, err := s.service.PublishVersion(r.Context(), id, deliverableID, body)
		s.respond(w, r, http.StatusCreated, version, err)
	case rest[0] == "approvals" && r.Method == http.MethodGet:
		approvals, err := s.service.ListApprovals(r.Context(), id, deliverableID)
		s.respond(w, r, http.StatusOK, map[string]any{"approvals": approvals}, err)
	case rest[0] == "approvals" && r.Method == http.MethodPost:
		var body RecordApprovalInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		approval, err := s.service.RecordApproval(r.Context(), id, deliverableID, body)
		s.respond(w, r, http.StatusCreated, approval, err)
	case rest[0] == "review-links" && r.Method == http.MethodGet:
		links, err := s.service.ListReviewLinks(r.Context(), id, deliverableID)
		s.respond(w, r, http.StatusOK, map[string]any{"links": links}, err)
	case rest[0] == "review-links" && r.Method == http.MethodPost:
		var body IssueReviewLinkInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		issued, err := s.service.IssueReviewLink(r.Context(), id, deliverableID, body)
		s.respond(w, r, http.StatusCreated, issued, err)
	default:
		s.methodOrNotFound(w, rest[0], "versions", "approvals", "review-links")
	}
}

func (s *HTTPServer) handleVersionThreads(w http.ResponseWriter, r *http.Request, id Identity, versionID string) {
	switch r.Method {
	case http.MethodGet:
		descending := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("order")), "desc")
		threads, err := s.service.ListThreads(r.Context(), id, versionID, descending)
		s.respond(w, r, http.StatusOK, map[string]any{"threads": threads}, err)
	case http.MethodPost:
		var body OpenThreadInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		thread, err := s.service.OpenThread(r.Context(), id, versionID, body)
		s.respond(w, r, http.StatusCreated, thread, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, id Identity, threadID, action string) {
	switch {
	case action == "comments" && r.Method == http.MethodPost:
		var body AddCommentInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		result, err := s.service.AddComment(r.Context(), id, threadID, body)
		s.respond(w, r, http.StatusCreated, result, err)
	case action == "status" && r.Method == http.MethodPut:
		var body struct {
			Status string `json:"status"`
		}
		if !decodeOrFail(w, r, &body) {
			return
		}
		thread, err := s.service.SetThreadStatus(r.Context(), id, threadID, body.Status)
		s.respond(w, r, http.StatusOK, thread, err)
	default:
		s.methodOrNotFound(w, action, "comments", "status")
	}
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request, viewer Identity, token string, rest []string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	switch {
	case len(rest) == 0:
		var body RedeemReviewLinkInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		body.Token = token
		snapshot, err := s.service.RedeemReviewLink(r.Context(), viewer, body)
		s.respond(w, r, http.StatusOK, snapshot, err)
	case len(rest) == 1 && rest[0] == "comments":
		var body GuestCommentInput
		if !decodeOrFail(w, r, &body) {
			return
		}
		body.Token = token
		result, err := s.service.PostGuestComment(r.Context(), viewer, body)
		s.respond(w, r, http.StatusCreated, result, err)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) methodOrNotFound(w http.ResponseWriter, segment string, known ...string) {
	for _, k := range known {
		if segment == k {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	}
	writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
}

// respond writes payload with status, or the mapped error when err is set.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		code, errCode, message, details := mapError(err)
		if code == http.StatusInternalServerError {
			s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
		}
		writeError(w, code, errCode, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	return s.identity(w, token)
}

// optionalIdentity accepts a missing bearer token but rejects a bad one.
func (s *HTTPServer) optionalIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, true
	}
	return s.identity(w, token)
}

func (s *HTTPServer) identity(w http.ResponseWriter, token string) (Identity, bool) {
	id, err := s.service.IdentityFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	return id, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	propagator := otel.GetTextMapPropagator()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", redactReviewPath(r.URL.Path),
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

// redactReviewPath keeps raw share tokens out of the access log.
func redactReviewPath(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "review" {
		parts[2] = "[REDACTED]"
		return "/" + strings.Join(parts, "/")
	}
	return path
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, traceparent")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidInput, name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, CodeConflict, "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
