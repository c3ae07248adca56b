package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/stagesync/internal/sync"
)

const streamWriteTimeout = 5 * time.Second

// DeletionRequest is the body of POST /api/v1/deletions.
type DeletionRequest struct {
	IDs []int64 `json:"ids"`
}

// DeletionResponse is the reply to POST /api/v1/deletions.
type DeletionResponse struct {
	Results []sync.DeletionResult `json:"results"`
}

// errorResponse is the body of every non-2xx reply except worker
// rejections, which return the ControlResult itself.
type errorResponse struct {
	Error string `json:"error"`
}

var errorStatusMap = map[error]int{
	sync.ErrNosyncGuard:   http.StatusConflict,
	sync.ErrEngineClosing: http.StatusServiceUnavailable,
}

func statusFromError(err error) int {
	for target, status := range errorStatusMap {
		if errors.Is(err, target) {
			return status
		}
	}

	return http.StatusInternalServerError
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) pendingRecords(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		s.writeError(w, http.StatusBadRequest, errors.New("page must be a positive integer"))
		return
	}

	size, err := queryInt(r, "size", defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		s.writeError(w, http.StatusBadRequest, errors.New("size must be between 1 and 1000"))
		return
	}

	result, err := s.engine.PendingRecords(r.Context(), page, size)
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) workerControl(w http.ResponseWriter, r *http.Request) {
	var res sync.ControlResult

	switch chi.URLParam(r, "action") {
	case "start":
		res = s.engine.StartWorker()
	case "pause":
		res = s.engine.PauseWorker()
	case "resume":
		res = s.engine.ResumeWorker()
	case "stop":
		res = s.engine.StopWorker()
	default:
		s.writeError(w, http.StatusNotFound, errors.New("unknown worker action"))
		return
	}

	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}

	s.writeJSON(w, code, res)
}

func (s *Server) confirmDeletions(w http.ResponseWriter, r *http.Request) {
	var req DeletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("body must be {\"ids\": [...]}"))
		return
	}

	if len(req.IDs) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("ids must not be empty"))
		return
	}

	s.writeJSON(w, http.StatusOK, DeletionResponse{Results: s.engine.ConfirmDeletion(r.Context(), req.IDs)})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.TriggerReconcile(r.Context())
	if err != nil {
		s.writeError(w, statusFromError(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}

// statusStream pushes a status snapshot immediately and then every
// statusInterval until the client goes away or the server shuts down.
func (s *Server) statusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("status stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// The stream is push-only; CloseRead handles control frames and
	// cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		if err := s.pushStatus(ctx, conn); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("status stream ended", slog.String("error", err.Error()))
			}

			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushStatus(ctx context.Context, conn *websocket.Conn) error {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	return wsjson.Write(writeCtx, conn, st)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Warn("admin request failed", slog.String("error", err.Error()))
	}

	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}

	return strconv.Atoi(v)
}
