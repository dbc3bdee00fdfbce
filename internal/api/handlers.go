package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type gatewayStatus interface {
	InstanceID() string
	Connections() int
}

type API struct {
	gateway gatewayStatus
	log     *zap.Logger
}

func New(gateway gatewayStatus, log *zap.Logger) *API {
	return &API{gateway: gateway, log: log}
}

type HealthResponse struct {
	Status      string `json:"status"`
	Instance    string `json:"instance"`
	Connections int    `json:"connections"`
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.log, http.StatusOK, HealthResponse{
		Status:      "ok",
		Instance:    a.gateway.InstanceID(),
		Connections: a.gateway.Connections(),
	})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", zap.Error(err))
	}
}
