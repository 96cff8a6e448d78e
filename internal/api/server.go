// Package api exposes the host over HTTP: the chat completion wire
// format, model management, and the upload store.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/modelhost/modelhost/internal/config"
	"github.com/modelhost/modelhost/internal/dispatcher"
	"github.com/modelhost/modelhost/internal/filestore"
	"github.com/modelhost/modelhost/internal/plugin"
)

// shutdownGrace bounds how long in-flight requests get once the server
// is asked to stop.
const shutdownGrace = 5 * time.Second

// Server is the HTTP front of the host.
type Server struct {
	cfg     config.Server
	reg     *plugin.Registry
	disp    *dispatcher.Dispatcher
	files   *filestore.Store
	version string
	log     zerolog.Logger
}

// New assembles the server. It does not start listening; see Start.
func New(cfg config.Server, reg *plugin.Registry, disp *dispatcher.Dispatcher, files *filestore.Store, version string, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		disp:    disp,
		files:   files,
		version: version,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests, s.recoverPanics, cors, s.requireKey)

	r.Get("/", s.handleRoot)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletion)

		r.Get("/models", s.handleListModels)
		r.Post("/models/reload", s.handleReloadAll)
		r.Post("/models/deploy", s.handleDeploy)
		r.Post("/models/{name}/reload", s.handleReloadModel)
		r.Delete("/models/{name}", s.handleDeleteModel)

		r.Post("/files", s.handleUploadFile)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/{id}", s.handleGetFile)
		r.Get("/files/{id}/content", s.handleFileContent)
		r.Delete("/files/{id}", s.handleDeleteFile)
	})
	return r
}

// Start serves until ctx is cancelled or the listener fails. Shutdown
// waits for in-flight requests up to the grace period.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown did not drain in time")
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// banner is the GET / response.
type banner struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Models      []string `json:"models"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	descs := s.reg.List()
	names := make([]string, 0, len(descs))
	for _, d := range descs {
		names = append(names, d.Name)
	}
	writeJSON(w, http.StatusOK, banner{
		Name:        "modelhost",
		Version:     s.version,
		Description: "A chat completion host for directory-deployed model plugins.",
		Models:      names,
	})
}
