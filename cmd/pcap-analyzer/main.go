package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/engine"
	"Go2NetSentry/internal/export"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/ml"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/response"
	"Go2NetSentry/internal/response/enforcer"
	"Go2NetSentry/internal/threat"
	"Go2NetSentry/pkg/logger"
	"Go2NetSentry/pkg/pcap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	respond := flag.Bool("respond", false, "run response decisions for classified threats (dry-run, never touches the firewall)")
	doExport := flag.Bool("export", false, "run the configured export writers during replay")
	reportPath := flag.String("report", "", "write the JSON threat report to this file")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: pcap-analyzer [flags] <path_to_pcap_file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Replay decides, it never enforces. Auto-response follows the flag so a
	// plain run is pure analysis.
	cfg.Response.EnableAutoResponse = *respond
	cfg.Response.Enforce = false
	cfg.Log.Console = true

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	met := metrics.New(prometheus.NewRegistry())

	detector, err := ml.NewDetector(cfg.ML, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create detector: %v", err)
	}
	defer detector.Close()
	if cfg.ML.ModelPath != "" {
		if err := detector.Load(cfg.ML.ModelPath); err != nil {
			zlog.Fatalf("Failed to load model from %s: %v", cfg.ML.ModelPath, err)
		}
	}

	classifier, err := threat.NewClassifier(cfg.Detection, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create classifier: %v", err)
	}
	defer classifier.Close()

	controller, err := response.NewController(cfg.Response, enforcer.NewLogOnly(zlog), nil, zlog)
	if err != nil {
		zlog.Fatalf("Failed to create response controller: %v", err)
	}
	defer controller.Close()

	var writers []model.Writer
	if *doExport {
		writers, err = export.NewWriters(cfg.Export, zlog)
		if err != nil {
			zlog.Fatalf("Failed to create export writers: %v", err)
		}
	}

	pipe, err := engine.NewPipeline(cfg, engine.Deps{
		Log:        zlog,
		Metrics:    met,
		Detector:   detector,
		Classifier: classifier,
		Controller: controller,
		Writers:    writers,
	})
	if err != nil {
		zlog.Fatalf("Failed to create pipeline: %v", err)
	}

	reader, err := pcap.NewReader(pcapFilePath, cfg.Capture.SizeOfPacketChannel, zlog)
	if err != nil {
		zlog.Fatalf("Failed to open pcap file: %v", err)
	}

	zlog.Infof("Replaying %s...", pcapFilePath)
	if err := pipe.Start(reader); err != nil {
		zlog.Fatalf("Failed to start pipeline: %v", err)
	}

	// Wait for the file to drain, then flush windows and writers.
	pipe.Wait()
	pipe.Stop()

	if err := reader.Err(); err != nil {
		zlog.Fatalf("Replay failed: %v", err)
	}

	printReport(reader.Stats(), classifier)

	if *reportPath != "" {
		if err := classifier.ExportReport(*reportPath); err != nil {
			zlog.Fatalf("Failed to write report: %v", err)
		}
		zlog.Infof("Report written to %s", *reportPath)
	}
}

// printReport renders the replay outcome to stdout.
func printReport(stats model.CaptureStats, classifier *threat.Classifier) {
	report := classifier.Snapshot()

	fmt.Printf("\nAnalyzed %d packets, %d threats detected\n", stats.Received, report.TotalThreats)
	for _, level := range []model.ThreatLevel{
		model.LevelCritical, model.LevelHigh, model.LevelMedium, model.LevelLow,
	} {
		if n := report.CountsByLevel[level.String()]; n > 0 {
			fmt.Printf("  %-8s %d\n", level.String(), n)
		}
	}

	if len(report.Threats) == 0 {
		return
	}
	fmt.Println("\nMost recent threats:")
	shown := report.Threats
	if len(shown) > 20 {
		shown = shown[len(shown)-20:]
	}
	for i := len(shown) - 1; i >= 0; i-- {
		t := shown[i]
		fmt.Printf("  %-8s %-20s %-21s score=%.2f confidence=%.2f\n",
			t.Level.String(), t.Type, t.SrcIP, t.Score, t.Confidence)
	}
}
