package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const Version = "2.0.0"

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type ReadyPinger interface {
	Pinger
	Ready() bool
}

type HealthHandler struct {
	store ReadyPinger
	cache Pinger
}

// NewHealthHandler reports on the store and, when set, the shared rate limit
// cache.
func NewHealthHandler(store ReadyPinger, cache Pinger) *HealthHandler {
	return &HealthHandler{store: store, cache: cache}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)

	switch {
	case !h.store.Ready():
		checks["store"] = "unhealthy: not bootstrapped"
	default:
		if err := h.store.Ping(ctx); err != nil {
			checks["store"] = "unhealthy: " + err.Error()
		} else {
			checks["store"] = "healthy"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = "unhealthy: " + err.Error()
		} else {
			checks["cache"] = "healthy"
		}
	}

	status := "healthy"
	for _, check := range checks {
		if len(check) >= 9 && check[:9] == "unhealthy" {
			status = "degraded"
			break
		}
	}

	response := struct {
		Status    string            `json:"status"`
		Version   string            `json:"version"`
		Timestamp int64             `json:"timestamp"`
		Checks    map[string]string `json:"checks"`
	}{
		Status:    status,
		Version:   Version,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Banner(w http.ResponseWriter, r *http.Request) {
	database := "disconnected"
	if h.store.Ready() {
		database = "connected"
	}
	writeJSON(w, http.StatusOK, payload{
		"message":   "KeyAuth API is running!",
		"timestamp": time.Now().UTC(),
		"database":  database,
		"version":   Version,
	})
}
