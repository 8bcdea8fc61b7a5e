// Package api exposes the download commands as a JSON HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"patch-downloader/internal/catalog"
	"patch-downloader/internal/orchestrator"
	"patch-downloader/internal/task"
)

// Downloads is the command surface served by the API. *orchestrator.Orchestrator implements it.
type Downloads interface {
	FetchCatalog(ctx context.Context) ([]catalog.Manifest, error)
	StartDownload(ctx context.Context, req orchestrator.StartRequest) (string, error)
	PauseDownload(id string) error
	ResumeDownload(id string) error
	CancelDownload(id string) error
	GetProgress(id string) (task.Record, bool)
	ListDownloads() []task.Record
	History(ctx context.Context) ([]task.Record, error)
}

type Server struct {
	addr      string
	downloads Downloads
	srv       *http.Server
}

func NewServer(port int, downloads Downloads) *Server {
	s := &Server{
		addr:      fmt.Sprintf(":%d", port),
		downloads: downloads,
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/catalog", s.handleCatalog)

	mux.HandleFunc("POST /api/downloads", s.handleStart)
	mux.HandleFunc("GET /api/downloads", s.handleList)
	mux.HandleFunc("GET /api/downloads/{id}", s.handleGet)
	mux.HandleFunc("POST /api/downloads/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/downloads/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/downloads/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /api/history", s.handleHistory)

	return logRequests(mux)
}

// Start serves until Shutdown is called. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.Infof("API listening at http://localhost%s", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Microsecond),
		}).Debug("http request")
	})
}
