package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aonescu/configsync/internal/formatting"
	k8s "github.com/aonescu/configsync/internal/kubernetes"
	"github.com/aonescu/configsync/internal/types"
)

const defaultHistoryLimit = 100

type pinger interface {
	Ping() error
}

// GET /api/v1/status?format=text
func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := api.store.GetAll()
	status := api.status(records)

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(formatting.FormatSummary(status, records)))
		return
	}

	api.respondJSON(w, map[string]interface{}{
		"status":  status,
		"summary": formatting.GenerateSummary(records),
	})
}

func (api *APIServer) status(records []types.SyncRecord) formatting.Status {
	status := formatting.Status{
		Label:     api.info.Label,
		Folder:    api.info.Folder,
		Notify:    api.info.Notify,
		Namespace: k8s.DisplayNamespace(api.watch.Namespace()),
		Position:  api.watch.Position(),
		Synced:    api.watch.Synced(),
		Objects:   len(records),
	}
	for _, r := range records {
		status.Files += len(r.Files)
		if r.Timestamp.After(status.LastSync) {
			status.LastSync = r.Timestamp
		}
	}
	return status
}

// GET /api/v1/objects
func (api *APIServer) handleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	api.respondJSON(w, api.store.GetAll())
}

// GET /api/v1/history?limit=50
func (api *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = l
	}

	history, err := api.store.History(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []types.SyncRecord{}
	}

	api.respondJSON(w, history)
}

// GET /health
func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	}

	// Check database connection if the store has one
	if p, ok := api.store.(pinger); ok {
		if err := p.Ping(); err != nil {
			health["status"] = "unhealthy"
			health["database"] = "disconnected"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(health)
			return
		}
		health["database"] = "connected"
	}

	api.respondJSON(w, health)
}

// GET /ready
func (api *APIServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":            api.watch.Synced(),
		"resource_version": api.watch.Position(),
	}
	if !api.watch.Synced() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ready)
		return
	}
	api.respondJSON(w, ready)
}

func (api *APIServer) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("Request served", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
