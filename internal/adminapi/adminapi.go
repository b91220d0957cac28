// Package adminapi is the HTTP admin surface, guarded by a bearer JWT:
// submit, list, get, cancel and clean runs, list a run's tasks, and read
// one task's result. SubmitSubTask and GetTaskDetails have no route.
package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Nirmata/workflow/internal/manager"
	"github.com/Nirmata/workflow/internal/types"
)

// Server exposes manager over HTTP.
type Server struct {
	mgr        *manager.Manager
	signingKey []byte
	logger     *slog.Logger
	mux        *http.ServeMux
}

// NewServer builds the admin mux. signingKey validates the bearer JWT's
// HMAC signature; requests without a valid token are rejected with 401.
func NewServer(mgr *manager.Manager, signingKey []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mgr: mgr, signingKey: signingKey, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("/v1/runs", s.authed(http.HandlerFunc(s.handleRuns)))
	s.mux.Handle("/v1/runs/", s.authed(http.HandlerFunc(s.handleRunByID)))
}

func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := s.verifyToken(token); err != nil {
			s.logger.Warn("admin api auth rejected", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func (s *Server) verifyToken(raw string) error {
	if len(s.signingKey) == 0 {
		return errors.New("admin api has no signing key configured")
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	return err
}

// POST /v1/runs submits a new task DAG; GET /v1/runs lists every run.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var task types.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		runID, err := s.mgr.SubmitTask(r.Context(), &task)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"runId": runID})
	case http.MethodGet:
		runs, err := s.mgr.ListRunInfo(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRunByID dispatches the /v1/runs/{id}[/...] sub-paths: cancel,
// per-task result, task listing, and delete (clean).
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}
	runID := segments[0]

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		info, err := s.mgr.GetRunInfo(r.Context(), runID)
		if err != nil {
			writeNotFoundOrErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case len(segments) == 1 && r.Method == http.MethodDelete:
		ok, err := s.mgr.Clean(r.Context(), runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(segments) == 2 && segments[1] == "cancel" && r.Method == http.MethodPost:
		ok, err := s.mgr.CancelRun(r.Context(), runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})

	case len(segments) == 2 && segments[1] == "tasks" && r.Method == http.MethodGet:
		infos, err := s.mgr.GetTaskInfo(r.Context(), runID)
		if err != nil {
			writeNotFoundOrErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, infos)

	case len(segments) == 4 && segments[1] == "tasks" && segments[3] == "result" && r.Method == http.MethodGet:
		taskID := segments[2]
		result, err := s.mgr.GetTaskExecutionResult(r.Context(), runID, taskID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		http.NotFound(w, r)
	}
}

func writeNotFoundOrErr(w http.ResponseWriter, err error) {
	// Any read failure on an unknown run path is surfaced as 404 rather
	// than leaking the coordinator's not-found sentinel to HTTP callers.
	http.Error(w, err.Error(), http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewServerTimeouts returns the http.Server timeouts this admin surface
// is meant to be constructed with.
func NewServerTimeouts() (read, write, idle time.Duration) {
	return 10 * time.Second, 10 * time.Second, 120 * time.Second
}
