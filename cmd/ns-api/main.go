package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/query"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// The API reads from the same ClickHouse the engine writes to.
	var chCfg *config.ClickHouseConfig
	for _, def := range cfg.Export {
		if def.Enabled && def.Type == "clickhouse" {
			chCfg = &def.ClickHouse
			break
		}
	}
	if chCfg == nil {
		log.Fatalf("No enabled ClickHouse export writer found in config. API server cannot start.")
	}

	querier, err := query.NewClickHouseQuerier(*chCfg)
	if err != nil {
		log.Fatalf("Failed to create querier: %v", err)
	}
	defer querier.Close()

	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsentry_api_requests_total",
		Help: "API requests served, by path",
	}, []string{"path"})
	registry.MustRegister(requests)

	apiHandler := &APIHandler{querier: querier}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			requests.WithLabelValues(req.URL.Path).Inc()
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/api/v1/threats", apiHandler.threatsHandler).Methods("GET")
	r.HandleFunc("/api/v1/threats/stats", apiHandler.statsHandler).Methods("GET")
	r.HandleFunc("/api/v1/threats/sources", apiHandler.sourcesHandler).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("API server exited.")
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	querier query.Querier
}

// threatsHandler lists stored threat events, newest first. Optional query
// parameters: level (threat level name), window (look-back duration),
// limit.
func (h *APIHandler) threatsHandler(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	if level != "" {
		if _, ok := model.ParseThreatLevel(level); !ok {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("unknown threat level %q", level))
			return
		}
	}

	since, err := parseWindow(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httpError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	records, err := h.querier.RecentThreats(r.Context(), level, since, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query threats: %v", err))
		return
	}
	respondJSON(w, map[string]interface{}{"threats": records, "count": len(records)})
}

// statsHandler counts stored events per threat level.
func (h *APIHandler) statsHandler(w http.ResponseWriter, r *http.Request) {
	since, err := parseWindow(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := h.querier.LevelCounts(r.Context(), since)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query stats: %v", err))
		return
	}
	respondJSON(w, map[string]interface{}{"counts": counts})
}

// sourcesHandler ranks source addresses by stored event count.
func (h *APIHandler) sourcesHandler(w http.ResponseWriter, r *http.Request) {
	since, err := parseWindow(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var perr error
		limit, perr = strconv.Atoi(raw)
		if perr != nil || limit < 1 {
			httpError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	sources, err := h.querier.TopSources(r.Context(), since, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query sources: %v", err))
		return
	}
	respondJSON(w, map[string]interface{}{"sources": sources})
}

// parseWindow turns the optional window=<duration> parameter into a lower
// time bound. Absent means unbounded.
func parseWindow(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("window must be a positive duration, got %q", raw)
	}
	return time.Now().Add(-d), nil
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
