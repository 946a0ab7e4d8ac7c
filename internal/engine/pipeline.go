// Package engine wires the capture, feature, detection and response stages
// into a single processing pipeline.
package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/feature"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/response"
	"Go2NetSentry/internal/threat"
)

// maxPendingEvents bounds each writer's backlog between snapshots. When the
// backlog is full the oldest event is dropped so live traffic keeps flowing.
const maxPendingEvents = 10000

// Deps carries the stage components, constructed by the composition root.
// The pipeline borrows them for its lifetime and never closes them.
type Deps struct {
	Log        *zap.SugaredLogger
	Metrics    *metrics.Metrics
	Detector   model.Detector
	Classifier *threat.Classifier
	Controller *response.Controller
	Sinks      []model.EventSink
	Writers    []model.Writer
}

// Pipeline runs the full chain: parse, window, extract, score, classify,
// respond, publish. A single worker goroutine consumes the capture source's
// bounded channel; one snapshotter goroutine per export writer drains that
// writer's event backlog on its own interval.
type Pipeline struct {
	cfg *config.Config
	log *zap.SugaredLogger

	assembler  *feature.Assembler
	extractor  *feature.Extractor
	detector   model.Detector
	classifier *threat.Classifier
	controller *response.Controller
	sinks      []model.EventSink
	queues     []*writerQueue

	met         *metrics.Metrics
	autoRespond bool

	mu      sync.Mutex
	source  model.PacketSource
	started bool
	stopped bool

	done   chan struct{}
	wg     sync.WaitGroup
	snapWg sync.WaitGroup
}

// NewPipeline assembles a pipeline from its configuration and stage
// components. The window assembler and feature extractor are created here
// since the single worker owns them exclusively.
func NewPipeline(cfg *config.Config, d Deps) (*Pipeline, error) {
	switch {
	case d.Log == nil:
		return nil, fmt.Errorf("pipeline requires a logger")
	case d.Metrics == nil:
		return nil, fmt.Errorf("pipeline requires metrics")
	case d.Detector == nil:
		return nil, fmt.Errorf("pipeline requires a detector")
	case d.Classifier == nil:
		return nil, fmt.Errorf("pipeline requires a classifier")
	case d.Controller == nil:
		return nil, fmt.Errorf("pipeline requires a response controller")
	}

	queues := make([]*writerQueue, 0, len(d.Writers))
	for _, w := range d.Writers {
		queues = append(queues, &writerQueue{writer: w})
	}

	return &Pipeline{
		cfg:         cfg,
		log:         d.Log,
		assembler:   feature.NewAssembler(cfg.Window, d.Log),
		extractor:   feature.NewExtractor(d.Log),
		detector:    d.Detector,
		classifier:  d.Classifier,
		controller:  d.Controller,
		sinks:       d.Sinks,
		queues:      queues,
		met:         d.Metrics,
		autoRespond: cfg.Response.EnableAutoResponse,
		done:        make(chan struct{}),
	}, nil
}

// Start begins the source and launches the worker and snapshotter
// goroutines. It may be called once.
func (p *Pipeline) Start(source model.PacketSource) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	p.started = true
	p.source = source
	p.mu.Unlock()

	if err := source.Start(); err != nil {
		return fmt.Errorf("failed to start packet source: %w", err)
	}

	for _, q := range p.queues {
		p.snapWg.Add(1)
		go p.runSnapshotter(q)
		p.log.Infow("started export snapshotter", "interval", q.writer.GetInterval())
	}

	p.wg.Add(1)
	go p.worker()
	p.log.Infow("pipeline started",
		"auto_response", p.autoRespond,
		"sinks", len(p.sinks),
		"writers", len(p.queues),
	)
	return nil
}

// Wait blocks until the source's packet channel closes and the worker has
// drained it. Useful for finite sources such as pcap replay.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Stop shuts the pipeline down: the source stops, the worker drains the
// channel and flushes every open window, then each snapshotter takes a
// final snapshot and exits. Nothing is in flight once Stop returns.
// Closing the stage components remains with whoever constructed them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	source := p.source
	p.mu.Unlock()

	source.Stop()
	p.wg.Wait()

	close(p.done)
	p.snapWg.Wait()
	p.log.Infow("pipeline stopped")
}

// worker is the single pipeline goroutine. Every stage failure is isolated
// to its unit of work: the error is counted and logged, the unit skipped
// and the loop continues.
func (p *Pipeline) worker() {
	defer p.wg.Done()
	for pkt := range p.source.Packets() {
		p.handlePacket(pkt)
	}
	// Channel closed: score whatever is still windowed.
	for _, w := range p.assembler.FlushAll() {
		p.processWindow(w)
	}
}

func (p *Pipeline) handlePacket(pkt *model.RawPacket) {
	p.met.PacketsProcessed.Inc()
	info := capture.ParsePacket(pkt)
	for _, w := range p.assembler.Add(pkt, info) {
		p.processWindow(w)
	}
}

func (p *Pipeline) processWindow(w *feature.Window) {
	p.met.WindowsClosed.Inc()
	feats := p.extractor.Extract(w.Packets)

	start := time.Now()
	result, err := p.detector.Detect(feats)
	p.met.InferenceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		p.met.PipelineErrors.WithLabelValues("detect").Inc()
		p.log.Errorw("detector failed, skipping window", "window", w.Key, "error", err)
		return
	}

	t := p.classifier.Classify(w.First, feats, result)
	p.met.Detections.WithLabelValues(t.Level.String()).Inc()
	if t.Level == model.LevelNone {
		return
	}
	p.log.Infow("threat classified",
		"id", t.ID,
		"type", t.Type,
		"level", t.Level.String(),
		"src", t.SrcIP,
		"score", t.Score,
	)

	ev := &model.ThreatEvent{Threat: t, Outcome: "detected", Timestamp: time.Now()}
	if p.autoRespond {
		action := p.controller.HandleThreat(t)
		if err := p.controller.ExecuteAction(action); err != nil {
			p.met.PipelineErrors.WithLabelValues("respond").Inc()
			p.met.Actions.WithLabelValues(action.Type.String(), "failed").Inc()
			p.log.Errorw("response failed", "threat", t.ID, "action", action.Type.String(), "error", err)
			ev.Action, ev.Outcome = action, "failed"
		} else {
			p.met.Actions.WithLabelValues(action.Type.String(), "executed").Inc()
			ev.Action, ev.Outcome = action, "executed"
		}
	}
	p.publish(ev)
}

// publish hands the event to every sink and queues it for every writer.
func (p *Pipeline) publish(ev *model.ThreatEvent) {
	for _, s := range p.sinks {
		if err := s.Publish(ev); err != nil {
			p.met.PipelineErrors.WithLabelValues("publish").Inc()
			p.log.Warnw("event sink publish failed", "threat", ev.Threat.ID, "error", err)
		}
	}
	for _, q := range p.queues {
		if q.add(ev) {
			p.met.PipelineErrors.WithLabelValues("export").Inc()
			p.log.Warnw("export backlog full, dropped oldest event")
		}
	}
}

// runSnapshotter drains one writer's backlog on its interval, with a final
// drain at shutdown.
func (p *Pipeline) runSnapshotter(q *writerQueue) {
	defer p.snapWg.Done()
	ticker := time.NewTicker(q.writer.GetInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flush(q)
		case <-p.done:
			p.flush(q)
			return
		}
	}
}

func (p *Pipeline) flush(q *writerQueue) {
	batch := q.drain()
	if len(batch) == 0 {
		return
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	if err := q.writer.Write(batch, timestamp); err != nil {
		p.met.PipelineErrors.WithLabelValues("export").Inc()
		p.log.Errorw("export write failed", "events", len(batch), "error", err)
	}
}

// writerQueue is one writer's pending backlog. The worker appends, the
// writer's snapshotter drains.
type writerQueue struct {
	writer  model.Writer
	mu      sync.Mutex
	pending []*model.ThreatEvent
}

// add appends one event, evicting the oldest when full. Reports whether an
// eviction happened.
func (q *writerQueue) add(ev *model.ThreatEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.pending) >= maxPendingEvents {
		q.pending = q.pending[1:]
		dropped = true
	}
	q.pending = append(q.pending, ev)
	return dropped
}

func (q *writerQueue) drain() []*model.ThreatEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}
