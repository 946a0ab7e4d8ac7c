package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/engine"
	"Go2NetSentry/internal/events"
	"Go2NetSentry/internal/export"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/ml"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/notification"
	"Go2NetSentry/internal/response"
	"Go2NetSentry/internal/response/enforcer"
	"Go2NetSentry/internal/threat"
	"Go2NetSentry/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	log.Println("Starting ns-sentry...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Structured logger; everything below logs through it.
	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	// 3. Metrics registry, passed to every component that records.
	registry := prometheus.NewRegistry()
	met := metrics.New(registry)

	// 4. Enforcement backend: real firewall only when asked for.
	var enf model.Enforcer
	if cfg.Response.Enforce {
		enf, err = enforcer.NewNFTables(zlog)
		if err != nil {
			zlog.Fatalf("Failed to initialize nftables enforcement: %v", err)
		}
		zlog.Infof("Firewall enforcement enabled")
	} else {
		enf = enforcer.NewLogOnly(zlog)
		zlog.Infof("Running in dry-run mode, actions are logged only")
	}

	// 5. Optional email notifier for ALERT actions.
	var notifier model.Notifier
	if cfg.SMTP.Host != "" {
		notifier, err = notification.NewEmailNotifier(cfg.SMTP)
		if err != nil {
			zlog.Fatalf("Failed to create email notifier: %v", err)
		}
		zlog.Infof("Email notifier configured for %s", cfg.SMTP.To)
	}

	// 6. Anomaly detector.
	detector, err := ml.NewDetector(cfg.ML, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create detector: %v", err)
	}
	defer detector.Close()
	if cfg.ML.ModelPath != "" {
		if err := detector.Load(cfg.ML.ModelPath); err != nil {
			zlog.Fatalf("Failed to load model from %s: %v", cfg.ML.ModelPath, err)
		}
		zlog.Infof("Loaded %s model from %s", cfg.ML.ModelType, cfg.ML.ModelPath)
	} else if cfg.ML.ModelType != "remote" {
		zlog.Warnf("No model_path configured, %s detector starts untrained", cfg.ML.ModelType)
	}

	// 7. Threat classifier with intel feed and GeoIP.
	classifier, err := threat.NewClassifier(cfg.Detection, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create classifier: %v", err)
	}
	defer classifier.Close()

	// 8. Response controller.
	controller, err := response.NewController(cfg.Response, enf, notifier, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create response controller: %v", err)
	}
	defer controller.Close()
	met.ObserveActiveActions(controller.ActiveCount)

	// 9. Event sinks and export writers.
	sinks, err := events.NewSinks(cfg.Events, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create event sinks: %v", err)
	}
	defer func() {
		for _, s := range sinks {
			s.Close()
		}
	}()

	writers, err := export.NewWriters(cfg.Export, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create export writers: %v", err)
	}

	// 10. Pipeline and capture source.
	pipe, err := engine.NewPipeline(cfg, engine.Deps{
		Log:        zlog,
		Metrics:    met,
		Detector:   detector,
		Classifier: classifier,
		Controller: controller,
		Sinks:      sinks,
		Writers:    writers,
	})
	if err != nil {
		zlog.Fatalf("Failed to create pipeline: %v", err)
	}

	source, err := capture.NewSource(cfg.Capture, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create capture source: %v", err)
	}
	met.ObserveCapture(source.Stats)

	if err := pipe.Start(source); err != nil {
		zlog.Fatalf("Failed to start pipeline: %v", err)
	}

	// 11. Embedded admin API.
	admin := &adminHandler{
		startedAt:  time.Now(),
		cfg:        cfg,
		source:     source,
		classifier: classifier,
		controller: controller,
		log:        zlog,
	}
	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: admin.router(registry),
	}
	go func() {
		zlog.Infof("Admin API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatalf("Admin API failed: %v", err)
		}
	}()

	// 12. Run until a shutdown signal arrives.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	zlog.Infof("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zlog.Errorf("Admin API shutdown: %v", err)
	}

	pipe.Stop()
	zlog.Infof("Shutdown complete")
}
