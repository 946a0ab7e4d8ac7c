package ml

import (
	"encoding/gob"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"Go2NetSentry/internal/model"
)

// neuralTrainingSet builds two well-separated traffic classes: modest benign
// flows labeled 0 and high-rate small-packet floods labeled 1.
func neuralTrainingSet(rng *rand.Rand) ([]*model.FlowFeatures, []float64) {
	var feats []*model.FlowFeatures
	var labels []float64
	for i := 0; i < 40; i++ {
		feats = append(feats, &model.FlowFeatures{
			PacketCount:      uint64(80 + rng.Intn(40)),
			ByteCount:        uint64(40000 + rng.Intn(20000)),
			Duration:         5,
			PacketsPerSecond: 16 + rng.Float64()*8,
			BytesPerSecond:   8000 + rng.Float64()*4000,
			MeanPacketSize:   450 + rng.Float64()*100,
		})
		labels = append(labels, 0)
	}
	for i := 0; i < 40; i++ {
		feats = append(feats, &model.FlowFeatures{
			PacketCount:      uint64(4000 + rng.Intn(2000)),
			ByteCount:        uint64(240000 + rng.Intn(120000)),
			Duration:         5,
			PacketsPerSecond: 800 + rng.Float64()*400,
			BytesPerSecond:   48000 + rng.Float64()*24000,
			MeanPacketSize:   60 + rng.Float64()*10,
		})
		labels = append(labels, 1)
	}
	return feats, labels
}

// trainedNeural returns a detector trained on the synthetic classes with a
// fixed seed, so every run sees the same weights.
func trainedNeural(t *testing.T) *NeuralDetector {
	t.Helper()
	det := NewNeuralDetector(testMLConfig("neural"), testLog())
	det.rng = rand.New(rand.NewSource(7))

	feats, labels := neuralTrainingSet(rand.New(rand.NewSource(42)))
	if err := det.Train(feats, labels); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	return det
}

func benignProbe() *model.FlowFeatures {
	return &model.FlowFeatures{
		PacketCount:      100,
		ByteCount:        50000,
		Duration:         5,
		PacketsPerSecond: 20,
		BytesPerSecond:   10000,
		MeanPacketSize:   500,
	}
}

func floodProbe() *model.FlowFeatures {
	return &model.FlowFeatures{
		PacketCount:      5000,
		ByteCount:        300000,
		Duration:         5,
		PacketsPerSecond: 1000,
		BytesPerSecond:   60000,
		MeanPacketSize:   64,
	}
}

func TestNeuralDetectorUnloaded(t *testing.T) {
	det := NewNeuralDetector(testMLConfig("neural"), testLog())

	// 1. Detect before Train or Load reports a not-loaded model error
	_, err := det.Detect(benignProbe())
	var merr *model.ModelError
	if !errors.As(err, &merr) {
		t.Fatalf("Expected a ModelError from an untrained detector, got %v", err)
	}
	if merr.Kind != model.ModelNotLoaded {
		t.Errorf("Expected kind %v, got %v", model.ModelNotLoaded, merr.Kind)
	}

	// 2. DetectBatch fails the same way
	if _, err := det.DetectBatch([]*model.FlowFeatures{benignProbe()}); !errors.As(err, &merr) {
		t.Errorf("Expected a ModelError from DetectBatch, got %v", err)
	}

	// 3. Update cannot step an absent model
	if err := det.Update(benignProbe(), 0); !errors.As(err, &merr) {
		t.Errorf("Expected a ModelError from Update, got %v", err)
	}

	// 4. Save has nothing to write
	if err := det.Save(filepath.Join(t.TempDir(), "net.gob")); !errors.As(err, &merr) {
		t.Errorf("Expected a ModelError from Save, got %v", err)
	}
}

func TestNeuralTrainValidation(t *testing.T) {
	det := NewNeuralDetector(testMLConfig("neural"), testLog())

	// 1. The training set must not be empty
	if err := det.Train(nil, nil); err == nil {
		t.Fatal("Expected an error for an empty training set")
	}

	// 2. Samples and labels must match in count
	err := det.Train([]*model.FlowFeatures{benignProbe()}, []float64{0, 1})
	if err == nil {
		t.Fatal("Expected an error for mismatched samples and labels")
	}
}

func TestNeuralTrainSeparatesClasses(t *testing.T) {
	det := trainedNeural(t)

	// 1. Score held-out samples from both classes
	benign, err := det.Detect(benignProbe())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	flood, err := det.Detect(floodProbe())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 2. Scores stay inside the sigmoid range
	for _, res := range []*model.DetectionResult{benign, flood} {
		if res.AnomalyScore < 0 || res.AnomalyScore > 1 {
			t.Fatalf("Score %v outside [0, 1]", res.AnomalyScore)
		}
	}

	// 3. The flood must score above the benign flow and cross the threshold
	if flood.AnomalyScore <= benign.AnomalyScore {
		t.Errorf("Flood scored %.4f, benign %.4f; expected separation",
			flood.AnomalyScore, benign.AnomalyScore)
	}
	if !flood.IsAnomaly {
		t.Errorf("Flood score %.4f not flagged as anomaly", flood.AnomalyScore)
	}
	if benign.IsAnomaly {
		t.Errorf("Benign score %.4f flagged as anomaly", benign.AnomalyScore)
	}
}

func TestNeuralDetectBatchMatchesDetect(t *testing.T) {
	det := trainedNeural(t)

	// 1. Batch scoring returns one result per window
	batch, err := det.DetectBatch([]*model.FlowFeatures{benignProbe(), floodProbe()})
	if err != nil {
		t.Fatalf("DetectBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(batch))
	}

	// 2. Each result equals its individual Detect
	for i, probe := range []*model.FlowFeatures{benignProbe(), floodProbe()} {
		single, err := det.Detect(probe)
		if err != nil {
			t.Fatalf("Detect failed: %v", err)
		}
		if batch[i].AnomalyScore != single.AnomalyScore {
			t.Errorf("Result %d: batch score %v, single score %v", i, batch[i].AnomalyScore, single.AnomalyScore)
		}
	}
}

func TestNeuralUpdateMovesTowardLabel(t *testing.T) {
	det := trainedNeural(t)

	before, err := det.Detect(benignProbe())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 1. Online steps toward the benign label must not raise the score
	for i := 0; i < 10; i++ {
		if err := det.Update(benignProbe(), 0); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	after, err := det.Detect(benignProbe())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if after.AnomalyScore > before.AnomalyScore {
		t.Errorf("Score rose from %.6f to %.6f after benign updates",
			before.AnomalyScore, after.AnomalyScore)
	}
}

func TestNeuralSaveLoadRoundTrip(t *testing.T) {
	det := trainedNeural(t)

	probe := floodProbe()
	before, err := det.Detect(probe)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 1. Save must create intermediate directories
	path := filepath.Join(t.TempDir(), "models", "net.gob")
	if err := det.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// 2. A fresh detector loading the file reproduces the exact score
	loaded := NewNeuralDetector(testMLConfig("neural"), testLog())
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	after, err := loaded.Detect(probe)
	if err != nil {
		t.Fatalf("Detect after load failed: %v", err)
	}
	if before.AnomalyScore != after.AnomalyScore {
		t.Errorf("Score changed across save/load: %v vs %v", before.AnomalyScore, after.AnomalyScore)
	}

	// 3. Loading a missing file fails
	if err := loaded.Load(filepath.Join(t.TempDir(), "absent.gob")); err == nil {
		t.Fatal("Expected an error loading a missing file")
	}
}

func TestNeuralLoadRejectsWrongInputSize(t *testing.T) {
	// 1. Write a model trained for a 4-dimension input
	path := filepath.Join(t.TempDir(), "tiny.gob")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	net := network{Sizes: []int{4, 1}}
	if err := gob.NewEncoder(file).Encode(&net); err != nil {
		t.Fatalf("Failed to encode network: %v", err)
	}
	file.Close()

	// 2. Load must refuse it
	det := NewNeuralDetector(testMLConfig("neural"), testLog())
	err = det.Load(path)
	if err == nil || !strings.Contains(err.Error(), "incompatible input size") {
		t.Fatalf("Expected an incompatible-input-size error, got %v", err)
	}
}

func TestConfidenceOf(t *testing.T) {
	cases := []struct {
		score, want float64
	}{
		{0.5, 0}, // undecided midpoint
		{0, 1},   // certain benign
		{1, 1},   // certain anomaly
		{0.25, 0.5},
		{0.75, 0.5},
	}
	for _, c := range cases {
		if got := confidenceOf(c.score); !almost(got, c.want) {
			t.Errorf("confidenceOf(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}
