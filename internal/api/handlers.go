// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/scheduler"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz answers 200 once the store responds.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.st.CountByStatus(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Uptime    string                 `json:"uptime"`
	Items     map[string]int         `json:"items"`
	Scheduler []scheduler.TaskStatus `json:"scheduler,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.st.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	resp := statusResponse{
		Uptime: time.Since(s.start).Round(time.Second).String(),
		Items:  make(map[string]int, len(model.AllStatuses())),
	}
	for _, st := range model.AllStatuses() {
		resp.Items[string(st)] = counts[st]
	}
	if s.sched != nil {
		resp.Scheduler = s.sched.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRequestBody struct {
	MediaType string         `json:"mediaType"`
	CatalogID int64          `json:"catalogId"`
	Title     string         `json:"title"`
	Year      int            `json:"year"`
	Season    int            `json:"season"`
	Episodes  []int          `json:"episodes"`
	Template  string         `json:"template"`
	Targets   []model.Target `json:"targets"`
}

type requestResponse struct {
	Request *model.Request `json:"request"`
	Items   []model.Item   `json:"items"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	req, items, err := s.orc.CreateRequest(r.Context(), orchestrator.NewRequest{
		MediaType: model.MediaType(body.MediaType),
		CatalogID: body.CatalogID,
		Title:     body.Title,
		Year:      body.Year,
		Season:    body.Season,
		Episodes:  body.Episodes,
		Template:  body.Template,
		Targets:   body.Targets,
	})
	if err != nil {
		var verr *orchestrator.RequestValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "invalid_request", verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, requestResponse{Request: req, Items: items})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.orc.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "request "+id+" not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	items, err := s.orc.ItemsByRequest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, requestResponse{Request: req, Items: items})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.orc.Retry(r.Context(), id)
	if err != nil {
		var nrerr *orchestrator.NotRetryableError
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "item "+id+" not found")
		case errors.As(err, &nrerr):
			writeError(w, http.StatusConflict, "not_retryable", nrerr.Error())
		default:
			writeError(w, http.StatusInternalServerError, "retry_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body cancelBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	item, err := s.orc.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "item "+id+" not found")
			return
		}
		// Terminal items cannot be cancelled.
		writeError(w, http.StatusConflict, "not_cancellable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{Error: code, Detail: detail})
}
