package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"patch-downloader/internal/orchestrator"
	"patch-downloader/internal/task"
)

type startResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GET /api/catalog
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	list, err := s.downloads.FetchCatalog(r.Context())
	if err != nil {
		log.Errorf("fetch catalog: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/downloads
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.downloads.StartDownload(r.Context(), req)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ID: id})
}

// GET /api/downloads
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.downloads.ListDownloads())
}

// GET /api/downloads/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.downloads.GetProgress(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.downloads.PauseDownload)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.downloads.ResumeDownload)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.downloads.CancelDownload)
}

// command runs a state transition and answers with the resulting record.
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeCommandError(w, err)
		return
	}
	rec, ok := s.downloads.GetProgress(id)
	if !ok {
		writeError(w, http.StatusNotFound, "download not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.downloads.History(r.Context())
	if err != nil {
		log.Errorf("load history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed loading history")
		return
	}
	if list == nil {
		list = []task.Record{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Errorf("download command failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
