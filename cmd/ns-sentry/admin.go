package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/response"
	"Go2NetSentry/internal/threat"
)

// adminHandler serves the embedded operations API of the running daemon.
type adminHandler struct {
	startedAt  time.Time
	cfg        *config.Config
	source     *capture.Source
	classifier *threat.Classifier
	controller *response.Controller
	log        *zap.SugaredLogger
}

func (h *adminHandler) router(registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/status", h.statusHandler).Methods("GET")
	r.HandleFunc("/api/v1/threats/recent", h.recentThreatsHandler).Methods("GET")
	r.HandleFunc("/api/v1/actions", h.actionsHandler).Methods("GET")
	r.HandleFunc("/api/v1/actions/{id}/revoke", h.revokeActionHandler).Methods("POST")
	r.HandleFunc("/api/v1/reload/intel", h.reloadIntelHandler).Methods("POST")
	r.HandleFunc("/api/v1/reload/policy", h.reloadPolicyHandler).Methods("POST")
	r.HandleFunc("/api/v1/filter", h.setFilterHandler).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}

type statusResponse struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Capture       model.CaptureStats `json:"capture"`
	ThreatCounts  map[string]uint64  `json:"threat_counts"`
	ActiveActions int                `json:"active_actions"`
	ModelType     string             `json:"model_type"`
	AutoResponse  bool               `json:"auto_response"`
}

func (h *adminHandler) statusHandler(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]uint64)
	for level, n := range h.classifier.Statistics() {
		counts[level.String()] = n
	}
	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Capture:       h.source.Stats(),
		ThreatCounts:  counts,
		ActiveActions: h.controller.ActiveCount(),
		ModelType:     h.cfg.ML.ModelType,
		AutoResponse:  h.cfg.Response.EnableAutoResponse,
	})
}

func (h *adminHandler) recentThreatsHandler(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, h.classifier.Recent(n))
}

func (h *adminHandler) actionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.ActiveActions())
}

func (h *adminHandler) revokeActionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.controller.RevokeAction(id); err != nil {
		var ae *model.ActionError
		if errors.As(err, &ae) && ae.Kind == model.ActionNotFound {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Infow("action revoked via admin API", "id", id)
	writeJSON(w, http.StatusOK, map[string]string{"revoked": id})
}

// reloadRequest optionally points a reload at a new file.
type reloadRequest struct {
	Path string `json:"path"`
}

func (h *adminHandler) reloadIntelHandler(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.classifier.ReloadIntel(req.Path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reloaded": "intel"})
}

func (h *adminHandler) reloadPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.controller.UpdatePolicy(req.Path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reloaded": "policy"})
}

type filterRequest struct {
	Filter string `json:"filter"`
}

func (h *adminHandler) setFilterHandler(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.source.SetFilter(req.Filter); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filter": req.Filter})
}

// decodeOptionalBody decodes JSON when a body is present; an empty body is
// fine.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
