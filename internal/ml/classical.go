package ml

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/feature"
	"Go2NetSentry/internal/model"
)

func init() {
	Register("classical", func(cfg config.MLConfig, log *zap.SugaredLogger) (model.Detector, error) {
		return NewClassicalDetector(cfg, log), nil
	})
}

const (
	// zIndicatorCut marks a dimension as an indicator once its deviation
	// from the benign baseline exceeds this many standard deviations.
	zIndicatorCut = 3.0
	// scoreScale maps the root-mean-square deviation onto (0,1):
	// rms == scoreScale scores exactly 0.5.
	scoreScale = 3.0

	maxIndicators = 5
	minStd        = 1e-9
)

// ClassicalDetector models benign traffic with per-dimension running
// statistics and scores windows by their z-score deviation from that
// baseline. It needs no labeled attack traffic: Train fits on the benign
// samples of the set and ignores the rest.
type ClassicalDetector struct {
	cfg config.MLConfig
	log *zap.SugaredLogger

	mu    sync.RWMutex
	stats *baseline
}

// baseline holds Welford accumulators per vector dimension.
type baseline struct {
	Count int64
	Mean  []float64
	M2    []float64
}

// NewClassicalDetector creates an unfitted statistical detector.
func NewClassicalDetector(cfg config.MLConfig, log *zap.SugaredLogger) *ClassicalDetector {
	return &ClassicalDetector{cfg: cfg, log: log}
}

// Detect scores one feature set against the benign baseline. Dimensions
// deviating past the z cut become named indicators, strongest first.
func (d *ClassicalDetector) Detect(features *model.FlowFeatures) (*model.DetectionResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stats == nil || d.stats.Count == 0 {
		return nil, model.NewModelError(model.ModelNotLoaded, fmt.Errorf("classical detector has no fitted baseline"))
	}

	vec := feature.Vector(features)

	type deviation struct {
		dim int
		z   float64
	}
	var (
		sumSq      float64
		deviations []deviation
	)
	for i, v := range vec {
		std := d.stats.std(i)
		if std < minStd {
			continue
		}
		z := (v - d.stats.Mean[i]) / std
		sumSq += z * z
		if math.Abs(z) >= zIndicatorCut {
			deviations = append(deviations, deviation{dim: i, z: z})
		}
	}

	rms := math.Sqrt(sumSq / float64(len(vec)))
	score := rms / (rms + scoreScale)

	sort.Slice(deviations, func(i, j int) bool {
		return math.Abs(deviations[i].z) > math.Abs(deviations[j].z)
	})
	if len(deviations) > maxIndicators {
		deviations = deviations[:maxIndicators]
	}
	indicators := make([]string, 0, len(deviations))
	for _, dev := range deviations {
		indicators = append(indicators, fmt.Sprintf("%s z=%.1f", feature.FeatureName(dev.dim), dev.z))
	}

	return &model.DetectionResult{
		AnomalyScore: score,
		Confidence:   d.stats.confidence(),
		Indicators:   indicators,
		IsAnomaly:    score > d.cfg.AnomalyThreshold,
	}, nil
}

// DetectBatch scores a set of feature windows, failing on the first error.
func (d *ClassicalDetector) DetectBatch(features []*model.FlowFeatures) ([]*model.DetectionResult, error) {
	results := make([]*model.DetectionResult, 0, len(features))
	for _, f := range features {
		res, err := d.Detect(f)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Train replaces the baseline with statistics over the benign samples
// (label below 0.5) of the set. Anomalous samples are skipped: the model
// describes normal traffic only.
func (d *ClassicalDetector) Train(features []*model.FlowFeatures, labels []float64) error {
	if len(features) != len(labels) {
		return fmt.Errorf("classical train: %d samples but %d labels", len(features), len(labels))
	}

	stats := newBaseline(model.VectorSize)
	for i, f := range features {
		if labels[i] >= 0.5 {
			continue
		}
		stats.observe(feature.Vector(f))
	}
	if stats.Count == 0 {
		return fmt.Errorf("classical train: no benign samples in training set")
	}

	d.mu.Lock()
	d.stats = stats
	d.mu.Unlock()

	d.log.Infof("classical detector fitted baseline over %d benign samples", stats.Count)
	return nil
}

// Update folds one benign observation into the baseline. Anomalous samples
// are ignored.
func (d *ClassicalDetector) Update(features *model.FlowFeatures, label float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stats == nil || d.stats.Count == 0 {
		return model.NewModelError(model.ModelNotLoaded, fmt.Errorf("cannot update an unfitted baseline"))
	}
	if label >= 0.5 {
		return nil
	}
	d.stats.observe(feature.Vector(features))
	return nil
}

// Load reads baseline statistics previously written by Save.
func (d *ClassicalDetector) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model file '%s': %w", path, err)
	}
	defer file.Close()

	var stats baseline
	if err := gob.NewDecoder(file).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode baseline from '%s': %w", path, err)
	}
	if len(stats.Mean) != model.VectorSize {
		return fmt.Errorf("model file '%s' has incompatible dimension %d", path, len(stats.Mean))
	}

	d.mu.Lock()
	d.stats = &stats
	d.mu.Unlock()

	d.log.Infof("classical detector loaded baseline from %s", path)
	return nil
}

// Save writes the baseline statistics to disk.
func (d *ClassicalDetector) Save(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stats == nil || d.stats.Count == 0 {
		return model.NewModelError(model.ModelNotLoaded, fmt.Errorf("nothing to save"))
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create model file '%s': %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(d.stats); err != nil {
		return fmt.Errorf("failed to encode baseline to '%s': %w", path, err)
	}
	return nil
}

// Close releases nothing for the in-process backend.
func (d *ClassicalDetector) Close() error { return nil }

func newBaseline(dim int) *baseline {
	return &baseline{
		Mean: make([]float64, dim),
		M2:   make([]float64, dim),
	}
}

func (b *baseline) observe(vec []float64) {
	b.Count++
	for i := 0; i < len(b.Mean) && i < len(vec); i++ {
		d := vec[i] - b.Mean[i]
		b.Mean[i] += d / float64(b.Count)
		b.M2[i] += d * (vec[i] - b.Mean[i])
	}
}

func (b *baseline) std(i int) float64 {
	return math.Sqrt(b.M2[i] / float64(b.Count))
}

// confidence grows with the amount of traffic behind the baseline and
// saturates toward 1.
func (b *baseline) confidence() float64 {
	n := float64(b.Count)
	return n / (n + 100)
}
