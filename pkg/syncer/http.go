package syncer

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
)

type AgentStatus struct {
	PushWatermark time.Time `json:"pushWatermark"`
	PullWatermark time.Time `json:"pullWatermark"`
}

// AgentHandler exposes manual sync and watermark status on the agent's local API.
type AgentHandler struct {
	agent *Agent
}

func NewAgentHandler(agent *Agent) *AgentHandler {
	return &AgentHandler{agent: agent}
}

func (h *AgentHandler) Register(router *mux.Router) {
	router.HandleFunc("/agent/sync", h.handleSync).Methods(http.MethodPost)
	router.HandleFunc("/agent/status", h.handleStatus).Methods(http.MethodGet)
}

func (h *AgentHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.agent.SyncOnce(r.Context())
	if err != nil {
		logger.Log.WithError(err).Warn("manual sync failed")
		writeJSON(w, http.StatusBadGateway, models.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AgentHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	push, err := h.agent.Watermark(PushWatermark)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error()})
		return
	}
	pull, err := h.agent.Watermark(PullWatermark)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, AgentStatus{PushWatermark: push, PullWatermark: pull})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
