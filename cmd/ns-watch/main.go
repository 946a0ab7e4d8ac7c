package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/events"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Tail the first enabled NATS sink the engine publishes to.
	var natsDef *config.EventSinkDef
	for i, def := range cfg.Events {
		if def.Enabled && def.Type == "nats" {
			natsDef = &cfg.Events[i]
			break
		}
	}
	if natsDef == nil {
		log.Fatalf("No enabled NATS event sink found in config. Nothing to watch.")
	}

	cfg.Log.Console = true
	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	sub, err := events.NewSubscriber(natsDef.URL, natsDef.Subject, zlog)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer sub.Close()

	if err := sub.Start(printEvent); err != nil {
		log.Fatalf("Subscriber failed to start: %v", err)
	}
	fmt.Printf("Watching %s on %s, Ctrl-C to stop\n", natsDef.Subject, natsDef.URL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	fmt.Println("Shutting down.")
}

// printEvent renders one threat event as a single line.
func printEvent(ev *model.ThreatEvent) {
	if ev.Threat == nil {
		return
	}
	t := ev.Threat
	line := fmt.Sprintf("%s %-8s %-20s from %-21s score=%.2f",
		ev.Timestamp.Format("15:04:05"), t.Level.String(), t.Type, t.SrcIP, t.Score)
	if ev.Action != nil {
		line += fmt.Sprintf("  %s %s (%s)", ev.Action.Type.String(), ev.Outcome, ev.Action.Duration)
	}
	fmt.Println(line)
}
