package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// AliasLister is the read side of the model mapper.
type AliasLister interface {
	Aliases() []string
	Resolve(alias string) string
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	// Target is the upstream model the alias resolves to.
	Target string `json:"target"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// ModelsHandler lists the aliases clients may send, in the models list shape.
type ModelsHandler struct {
	mapper  AliasLister
	logger  *slog.Logger
	started int64
}

func NewModelsHandler(mapper AliasLister, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{
		mapper:  mapper,
		logger:  logger,
		started: time.Now().Unix(),
	}
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	aliases := h.mapper.Aliases()

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(aliases))}
	for _, alias := range aliases {
		list.Data = append(list.Data, modelEntry{
			ID:      alias,
			Object:  "model",
			Created: h.started,
			OwnedBy: "anthropic",
			Target:  h.mapper.Resolve(alias),
		})
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(list); err != nil {
		h.logger.Error("Failed to write models response", "error", err)
	}
}
