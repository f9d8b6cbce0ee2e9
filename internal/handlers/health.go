package handlers

import (
	"log/slog"
	"net/http"
)

// VersionHeader carries the bridge version on health responses.
const VersionHeader = "X-Bridge-Version"

type HealthHandler struct {
	version string
	logger  *slog.Logger
}

func NewHealthHandler(version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		version: version,
		logger:  logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(VersionHeader, h.version)
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write([]byte("OK")); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}
