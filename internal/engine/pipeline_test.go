package engine

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/response"
	"Go2NetSentry/internal/response/enforcer"
	"Go2NetSentry/internal/threat"
)

// fakeSource feeds hand-built packets through the PacketSource contract.
type fakeSource struct {
	ch   chan *model.RawPacket
	mu   sync.Mutex
	done bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan *model.RawPacket, 64)}
}

func (s *fakeSource) Start() error { return nil }

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

func (s *fakeSource) Packets() <-chan *model.RawPacket { return s.ch }

func (s *fakeSource) Stats() model.CaptureStats { return model.CaptureStats{} }

func (s *fakeSource) emit(data []byte) {
	s.ch <- &model.RawPacket{Data: data, Timestamp: time.Now(), Interface: "test0"}
}

// fakeDetector replays a fixed score sequence, repeating the last entry,
// and can fail one call by number.
type fakeDetector struct {
	mu     sync.Mutex
	scores []float64
	failOn int // 1-based call number that fails, 0 for never
	calls  int
}

func (d *fakeDetector) Detect(f *model.FlowFeatures) (*model.DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls == d.failOn {
		return nil, model.NewModelError(model.ModelInferenceFailed, errors.New("induced failure"))
	}
	idx := d.calls - 1
	if idx >= len(d.scores) {
		idx = len(d.scores) - 1
	}
	score := d.scores[idx]
	return &model.DetectionResult{AnomalyScore: score, Confidence: 1, IsAnomaly: score >= 0.5}, nil
}

func (d *fakeDetector) DetectBatch(features []*model.FlowFeatures) ([]*model.DetectionResult, error) {
	out := make([]*model.DetectionResult, 0, len(features))
	for _, f := range features {
		r, err := d.Detect(f)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDetector) Train([]*model.FlowFeatures, []float64) error { return nil }
func (d *fakeDetector) Update(*model.FlowFeatures, float64) error    { return nil }
func (d *fakeDetector) Load(string) error                            { return nil }
func (d *fakeDetector) Save(string) error                            { return nil }
func (d *fakeDetector) Close() error                                 { return nil }

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeSink struct {
	mu     sync.Mutex
	events []*model.ThreatEvent
	err    error
}

func (s *fakeSink) Publish(ev *model.ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) all() []*model.ThreatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.ThreatEvent(nil), s.events...)
}

type fakeWriter struct {
	mu       sync.Mutex
	interval time.Duration
	batches  [][]*model.ThreatEvent
}

func (w *fakeWriter) Write(payload interface{}, timestamp string) error {
	batch, ok := payload.([]*model.ThreatEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, batch)
	return nil
}

func (w *fakeWriter) GetInterval() time.Duration { return w.interval }

func (w *fakeWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

// tcpFrame serializes a minimal but fully valid Ethernet/IPv4/TCP frame.
func tcpFrame(t *testing.T, src, dst string, sport, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     true,
		Window:  1024,
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("payload"))); err != nil {
		t.Fatalf("Failed to serialize frame: %v", err)
	}
	return buf.Bytes()
}

type pipelineFixture struct {
	pipe       *Pipeline
	source     *fakeSource
	sink       *fakeSink
	writer     *fakeWriter
	controller *response.Controller
}

func newPipelineFixture(t *testing.T, maxPackets int, autoRespond bool, det model.Detector) *pipelineFixture {
	t.Helper()
	log := zap.NewNop().Sugar()

	cfg := &config.Config{}
	cfg.Window = config.WindowConfig{MaxPackets: maxPackets, MaxAge: "1h", KeyBy: "five_tuple"}
	cfg.Response = config.ResponseConfig{
		EnableAutoResponse:   autoRespond,
		MaxConcurrentActions: 16,
		BlockDuration:        "30m",
		RateLimitDuration:    "10m",
		RateLimitPPS:         100,
		AuditLogPath:         filepath.Join(t.TempDir(), "audit.jsonl"),
		ExpiryCheckInterval:  "1s",
	}

	classifier, err := threat.NewClassifier(config.DetectionConfig{
		Thresholds:        config.ThresholdsConfig{Low: 0.6, Medium: 0.75, High: 0.85, Critical: 0.95},
		MinConfidence:     0.5,
		MaxThreatsHistory: 100,
	}, log)
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}
	t.Cleanup(func() { classifier.Close() })

	controller, err := response.NewController(cfg.Response, enforcer.NewLogOnly(log), nil, log)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	t.Cleanup(func() { controller.Close() })

	sink := &fakeSink{}
	writer := &fakeWriter{interval: time.Hour}
	pipe, err := NewPipeline(cfg, Deps{
		Log:        log,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Detector:   det,
		Classifier: classifier,
		Controller: controller,
		Sinks:      []model.EventSink{sink},
		Writers:    []model.Writer{writer},
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	t.Cleanup(pipe.Stop)

	return &pipelineFixture{
		pipe:       pipe,
		source:     newFakeSource(),
		sink:       sink,
		writer:     writer,
		controller: controller,
	}
}

func TestPipelineScoresWindowsAndPublishes(t *testing.T) {
	det := &fakeDetector{scores: []float64{0.9}}
	fx := newPipelineFixture(t, 2, false, det)

	// 1. Four packets on one flow close two 2-packet windows
	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		fx.source.emit(tcpFrame(t, "192.0.2.1", "10.0.0.5", 40000, 80))
	}
	fx.pipe.Stop()

	// 2. Both windows scored high and were published to the sink
	events := fx.sink.all()
	if len(events) != 2 {
		t.Fatalf("Sink saw %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Outcome != "detected" || ev.Action != nil {
			t.Errorf("Event outcome = %q, action = %v; auto-response is off", ev.Outcome, ev.Action)
		}
		if ev.Threat == nil || ev.Threat.SrcIP != "192.0.2.1" {
			t.Errorf("Event threat = %+v", ev.Threat)
		}
	}

	// 3. The writer interval never ticked, so these events prove the
	// final snapshot on Stop
	if n := fx.writer.total(); n != 2 {
		t.Errorf("Writer received %d events, want 2", n)
	}
	if det.callCount() != 2 {
		t.Errorf("Detector scored %d windows, want 2", det.callCount())
	}
}

func TestPipelineFlushesOpenWindowsOnStop(t *testing.T) {
	det := &fakeDetector{scores: []float64{0.9}}
	fx := newPipelineFixture(t, 100, false, det)

	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		fx.source.emit(tcpFrame(t, "192.0.2.2", "10.0.0.5", 40001, 80))
	}
	fx.pipe.Stop()

	// The window never filled; Stop must still have scored it
	if events := fx.sink.all(); len(events) != 1 {
		t.Fatalf("Sink saw %d events, want 1 flushed window", len(events))
	}
}

func TestPipelineSurvivesDetectorFailure(t *testing.T) {
	det := &fakeDetector{scores: []float64{0.9}, failOn: 1}
	fx := newPipelineFixture(t, 1, false, det)

	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		fx.source.emit(tcpFrame(t, "192.0.2.3", "10.0.0.5", uint16(40100+i), 80))
	}
	fx.pipe.Stop()

	// 1. The failing window was skipped, the rest processed
	if events := fx.sink.all(); len(events) != 2 {
		t.Fatalf("Sink saw %d events, want 2 after one induced failure", len(events))
	}
	if det.callCount() != 3 {
		t.Errorf("Detector saw %d windows, want 3", det.callCount())
	}
}

func TestPipelineAutoResponse(t *testing.T) {
	// First window scores high, second benign
	det := &fakeDetector{scores: []float64{0.9, 0.1}}
	fx := newPipelineFixture(t, 1, true, det)

	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fx.source.emit(tcpFrame(t, "198.51.100.9", "10.0.0.5", 40200, 80))
	fx.source.emit(tcpFrame(t, "192.0.2.4", "10.0.0.5", 40201, 80))
	fx.pipe.Stop()

	// 1. Only the high window produced an event, with its executed action
	events := fx.sink.all()
	if len(events) != 1 {
		t.Fatalf("Sink saw %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Outcome != "executed" {
		t.Errorf("Outcome = %q, want executed", ev.Outcome)
	}
	if ev.Action == nil || ev.Action.Type != model.ActionBlock || ev.Action.Target != "198.51.100.9" {
		t.Errorf("Action = %+v", ev.Action)
	}

	// 2. The block is active on the controller
	if fx.controller.ActiveCount() != 1 {
		t.Errorf("Active actions = %d, want 1", fx.controller.ActiveCount())
	}
}

func TestPipelineToleratesSinkFailure(t *testing.T) {
	det := &fakeDetector{scores: []float64{0.9}}
	fx := newPipelineFixture(t, 1, false, det)
	fx.sink.err = errors.New("broker unavailable")

	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fx.source.emit(tcpFrame(t, "192.0.2.5", "10.0.0.5", 40300, 80))
	fx.source.emit(tcpFrame(t, "192.0.2.5", "10.0.0.5", 40300, 80))
	fx.pipe.Stop()

	// Publish failures must not keep events out of the export path
	if n := fx.writer.total(); n != 2 {
		t.Errorf("Writer received %d events, want 2", n)
	}
}

func TestSnapshotterFlushesOnInterval(t *testing.T) {
	det := &fakeDetector{scores: []float64{0.9}}
	fx := newPipelineFixture(t, 1, false, det)
	fx.writer.interval = 30 * time.Millisecond

	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fx.source.emit(tcpFrame(t, "192.0.2.6", "10.0.0.5", 40400, 80))

	// The event must reach the writer while the pipeline is still running
	deadline := time.Now().Add(2 * time.Second)
	for fx.writer.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fx.writer.total() != 1 {
		t.Fatal("Interval snapshot never reached the writer")
	}
	fx.pipe.Stop()
}

func TestPipelineStartStopGuards(t *testing.T) {
	det := &fakeDetector{scores: []float64{0.1}}
	fx := newPipelineFixture(t, 1, false, det)

	// 1. Stop before start is a no-op
	fx.pipe.Stop()

	// 2. A second start is refused
	if err := fx.pipe.Start(fx.source); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := fx.pipe.Start(fx.source); err == nil {
		t.Fatal("Expected an error starting twice")
	}

	// 3. Stop is idempotent
	fx.pipe.Stop()
	fx.pipe.Stop()
}

func TestNewPipelineRequiresStages(t *testing.T) {
	log := zap.NewNop().Sugar()
	cfg := &config.Config{}
	cfg.Window = config.WindowConfig{MaxPackets: 1, MaxAge: "1h", KeyBy: "five_tuple"}
	cfg.Response.AuditLogPath = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Response.ExpiryCheckInterval = "1s"

	classifier, err := threat.NewClassifier(config.DetectionConfig{
		Thresholds: config.ThresholdsConfig{Low: 0.6, Medium: 0.75, High: 0.85, Critical: 0.95},
	}, log)
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}
	controller, err := response.NewController(cfg.Response, enforcer.NewLogOnly(log), nil, log)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	t.Cleanup(func() { controller.Close() })

	base := Deps{
		Log:        log,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Detector:   &fakeDetector{scores: []float64{0}},
		Classifier: classifier,
		Controller: controller,
	}
	mutations := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"logger", func(d *Deps) { d.Log = nil }},
		{"metrics", func(d *Deps) { d.Metrics = nil }},
		{"detector", func(d *Deps) { d.Detector = nil }},
		{"classifier", func(d *Deps) { d.Classifier = nil }},
		{"controller", func(d *Deps) { d.Controller = nil }},
	}
	for _, m := range mutations {
		d := base
		m.mutate(&d)
		if _, err := NewPipeline(cfg, d); err == nil {
			t.Errorf("Expected an error with nil %s", m.name)
		}
	}
	if _, err := NewPipeline(cfg, base); err != nil {
		t.Errorf("Complete dependencies rejected: %v", err)
	}
}

func TestWriterQueueEvictsOldest(t *testing.T) {
	q := &writerQueue{}

	// 1. Up to capacity nothing is evicted
	for i := 0; i < maxPendingEvents; i++ {
		if q.add(&model.ThreatEvent{Threat: &model.ThreatInfo{ID: strconv.Itoa(i)}}) {
			t.Fatalf("Premature eviction at %d", i)
		}
	}

	// 2. One past capacity drops the oldest
	if !q.add(&model.ThreatEvent{Threat: &model.ThreatInfo{ID: "overflow"}}) {
		t.Fatal("Expected an eviction at capacity")
	}
	batch := q.drain()
	if len(batch) != maxPendingEvents {
		t.Fatalf("Drained %d events, want %d", len(batch), maxPendingEvents)
	}
	if batch[0].Threat.ID != "1" {
		t.Errorf("Oldest surviving event = %s, want 1", batch[0].Threat.ID)
	}
	if batch[len(batch)-1].Threat.ID != "overflow" {
		t.Errorf("Newest event = %s, want overflow", batch[len(batch)-1].Threat.ID)
	}

	// 3. Draining leaves the queue empty
	if q.drain() != nil {
		t.Error("Second drain returned events")
	}
}
