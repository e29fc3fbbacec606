package app

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"collabboard/api/internal/auth"
	"collabboard/api/internal/rbac"
	"collabboard/api/internal/store"
)

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type HTTPOptions struct {
	CORSOrigin     string
	RequestTimeout time.Duration
}

type HTTPServer struct {
	service  *Service
	verifier TokenVerifier
	opts     HTTPOptions
	logger   *log.Logger
	router   *mux.Router
}

func NewHTTPServer(service *Service, verifier TokenVerifier, opts HTTPOptions, logger *log.Logger) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &HTTPServer{service: service, verifier: verifier, opts: opts, logger: logger}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes() *mux.Router {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r := mux.NewRouter()
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notAllowed

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	// The subrouter answers its own misses; mux does not fall back to r's handlers.
	api := r.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = notAllowed
	api.Use(s.requireIdentity)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)

	api.HandleFunc("/boards", s.handleListBoards).Methods(http.MethodGet)
	api.HandleFunc("/boards", s.handleCreateBoard).Methods(http.MethodPost)
	api.HandleFunc("/boards/{boardID}", s.handleGetBoard).Methods(http.MethodGet)
	api.HandleFunc("/boards/{boardID}", s.handleRenameBoard).Methods(http.MethodPut)
	api.HandleFunc("/boards/{boardID}", s.handleDeleteBoard).Methods(http.MethodDelete)
	api.HandleFunc("/boards/{boardID}/invite", s.handleInvite).Methods(http.MethodPost)
	api.HandleFunc("/boards/{boardID}/members", s.handleMembers).Methods(http.MethodGet)
	api.HandleFunc("/boards/{boardID}/activities", s.handleActivities).Methods(http.MethodGet)
	api.HandleFunc("/boards/{boardID}/events", s.handleEvents).Methods(http.MethodGet)

	api.HandleFunc("/lists", s.handleCreateList).Methods(http.MethodPost)
	api.HandleFunc("/lists/{listID}", s.handleRenameList).Methods(http.MethodPut)
	api.HandleFunc("/lists/{listID}", s.handleDeleteList).Methods(http.MethodDelete)

	api.HandleFunc("/tasks", s.handleSearchTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/mine", s.handleMyTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}", s.handleUpdateTask).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{taskID}", s.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{taskID}/move", s.handleMoveTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{taskID}/assign", s.handleAssignTask).Methods(http.MethodPatch)

	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
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

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"identity": identityFrom(r.Context())})
}

func (s *HTTPServer) handleListBoards(w http.ResponseWriter, r *http.Request) {
	dash, err := s.service.ListBoards(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *HTTPServer) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var body BoardInput
	if !s.decode(w, r, &body) {
		return
	}
	board, err := s.service.CreateBoard(r.Context(), identityFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"board": board})
}

func (s *HTTPServer) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetBoard(r.Context(), identityFrom(r.Context()), mux.Vars(r)["boardID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"board": view})
}

func (s *HTTPServer) handleRenameBoard(w http.ResponseWriter, r *http.Request) {
	var body BoardInput
	if !s.decode(w, r, &body) {
		return
	}
	board, err := s.service.RenameBoard(r.Context(), identityFrom(r.Context()), mux.Vars(r)["boardID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"board": board})
}

func (s *HTTPServer) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["boardID"]
	if err := s.service.DeleteBoard(r.Context(), identityFrom(r.Context()), boardID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "boardId": boardID})
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body InviteInput
	if !s.decode(w, r, &body) {
		return
	}
	member, err := s.service.InviteMember(r.Context(), identityFrom(r.Context()), mux.Vars(r)["boardID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"member": member})
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.ListMembers(r.Context(), identityFrom(r.Context()), mux.Vars(r)["boardID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handleActivities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := queryInt(query.Get("page"))
	size := queryInt(query.Get("limit"))
	if size == 0 {
		size = queryInt(query.Get("pageSize"))
	}
	result, err := s.service.ListActivities(r.Context(), identityFrom(r.Context()), mux.Vars(r)["boardID"], page, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	boardID := mux.Vars(r)["boardID"]
	if _, err := s.service.Authorize(r.Context(), identity, boardID, rbac.RoleViewer); err != nil {
		s.fail(w, r, err)
		return
	}
	s.service.Hub().ServeSSE(w, r, identity.ID, boardID)
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	s.service.Hub().ServeWS(w, r, identity.ID, func(ctx context.Context, boardID string) error {
		_, err := s.service.Authorize(ctx, identity, boardID, rbac.RoleViewer)
		return err
	})
}

func (s *HTTPServer) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var body ListInput
	if !s.decode(w, r, &body) {
		return
	}
	list, err := s.service.CreateList(r.Context(), identityFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"list": list})
}

func (s *HTTPServer) handleRenameList(w http.ResponseWriter, r *http.Request) {
	var body ListInput
	if !s.decode(w, r, &body) {
		return
	}
	list, err := s.service.RenameList(r.Context(), identityFrom(r.Context()), mux.Vars(r)["listID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"list": list})
}

func (s *HTTPServer) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["listID"]
	if err := s.service.DeleteList(r.Context(), identityFrom(r.Context()), listID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "listId": listID})
}

func (s *HTTPServer) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result, err := s.service.SearchTasks(r.Context(), identityFrom(r.Context()), TaskQuery{
		BoardID:    query.Get("boardId"),
		ListID:     query.Get("listId"),
		AssigneeID: query.Get("assignee"),
		Priority:   query.Get("priority"),
		Text:       query.Get("search"),
		Page:       queryInt(query.Get("page")),
		Limit:      queryInt(query.Get("limit")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleMyTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.MyTasks(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body CreateTaskInput
	if !s.decode(w, r, &body) {
		return
	}
	task, err := s.service.CreateTask(r.Context(), identityFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": task})
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var body UpdateTaskInput
	if !s.decode(w, r, &body) {
		return
	}
	task, err := s.service.UpdateTask(r.Context(), identityFrom(r.Context()), mux.Vars(r)["taskID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *HTTPServer) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskID"]
	if err := s.service.DeleteTask(r.Context(), identityFrom(r.Context()), taskID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "taskId": taskID})
}

func (s *HTTPServer) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	var body MoveTaskInput
	if !s.decode(w, r, &body) {
		return
	}
	task, err := s.service.MoveTask(r.Context(), identityFrom(r.Context()), mux.Vars(r)["taskID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *HTTPServer) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var body AssignTaskInput
	if !s.decode(w, r, &body) {
		return
	}
	task, err := s.service.AssignTask(r.Context(), identityFrom(r.Context()), mux.Vars(r)["taskID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(log.Fields{
			"request_id": requestIDFrom(r.Context()),
			"code":       code,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

type identityKey struct{}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityKey{}).(auth.Identity)
	return identity
}

// requireIdentity verifies the bearer token and records the caller's
// profile before any /api handler runs.
func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		if _, err := s.service.EnsureUser(r.Context(), identity); err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		if s.opts.RequestTimeout > 0 && !streaming(r) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
		}
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		entry := s.logger.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		switch {
		case writer.status >= http.StatusInternalServerError:
			entry.Error("request")
		case writer.status >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	})
}

// streaming reports whether r opens a long-lived connection that must not
// inherit the request timeout.
func streaming(r *http.Request) bool {
	return r.URL.Path == "/api/ws" || strings.HasSuffix(r.URL.Path, "/events")
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"SERVER_ERROR","error":"Server error"}`))
		return
	}
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return
	}
	_, _ = w.Write(append(body, '\n'))
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

// decodeBody fills target from the request body. An empty body leaves
// target untouched; anything else must be one valid JSON value.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.New("unable to read request body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, target); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
