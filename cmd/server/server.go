package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aonescu/configsync/internal/state"
)

// WatchStatus is the read side of the watcher.
type WatchStatus interface {
	Position() string
	Synced() bool
	Namespace() string
}

// Info is the static part of the status report.
type Info struct {
	Label  string
	Folder string
	Notify string
}

type APIServer struct {
	store   state.StateStore
	watch   WatchStatus
	info    Info
	metrics http.Handler
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewAPIServer(store state.StateStore, watch WatchStatus, info Info, metrics http.Handler, logger *slog.Logger) *APIServer {
	api := &APIServer{
		store:   store,
		watch:   watch,
		info:    info,
		metrics: metrics,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	api.registerRoutes()
	return api
}

func (api *APIServer) registerRoutes() {
	// Sync state
	api.mux.HandleFunc("/api/v1/status", api.handleStatus)
	api.mux.HandleFunc("/api/v1/objects", api.handleObjects)
	api.mux.HandleFunc("/api/v1/history", api.handleHistory)

	// Health check
	api.mux.HandleFunc("/health", api.handleHealth)
	api.mux.HandleFunc("/ready", api.handleReady)

	if api.metrics != nil {
		api.mux.Handle("/metrics", api.metrics)
	}
}

func (api *APIServer) Handler() http.Handler {
	return api.corsMiddleware(api.loggingMiddleware(api.mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (api *APIServer) Start(ctx context.Context, addr string) error {
	api.logger.Info("Starting status server", "address", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
