package ml

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/feature"
	"Go2NetSentry/internal/model"
)

func init() {
	Register("neural", func(cfg config.MLConfig, log *zap.SugaredLogger) (model.Detector, error) {
		return NewNeuralDetector(cfg, log), nil
	})
}

const trainEpochs = 50

// NeuralDetector scores feature vectors with a small fully-connected network:
// ReLU hidden layers and a sigmoid output in [0,1]. Inputs are standardized
// with statistics fitted at training time, so raw count features cannot
// saturate the first layer.
type NeuralDetector struct {
	cfg config.MLConfig
	log *zap.SugaredLogger

	mu  sync.RWMutex
	net *network
	rng *rand.Rand
}

// network is the serialized model state.
type network struct {
	Sizes   []int
	Weights [][][]float64 // Weights[l][j][i]: layer l, neuron j, input i
	Biases  [][]float64

	// Input standardization, fitted over the training set.
	Mean []float64
	Std  []float64
}

// NewNeuralDetector creates an untrained neural detector. Detect fails with
// a not-loaded error until Train or Load has run.
func NewNeuralDetector(cfg config.MLConfig, log *zap.SugaredLogger) *NeuralDetector {
	return &NeuralDetector{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Detect scores one feature set. The score is the network output; confidence
// grows with the score's distance from the undecided midpoint.
func (d *NeuralDetector) Detect(features *model.FlowFeatures) (*model.DetectionResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.net == nil {
		return nil, model.NewModelError(model.ModelNotLoaded, fmt.Errorf("neural detector has no trained model"))
	}

	score := d.net.predict(feature.Vector(features))
	return &model.DetectionResult{
		AnomalyScore: score,
		Confidence:   confidenceOf(score),
		IsAnomaly:    score > d.cfg.AnomalyThreshold,
	}, nil
}

// DetectBatch scores a set of feature windows, failing on the first error.
func (d *NeuralDetector) DetectBatch(features []*model.FlowFeatures) ([]*model.DetectionResult, error) {
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

// Train fits the network with stochastic gradient descent over the labeled
// set, replacing any previous model state.
func (d *NeuralDetector) Train(features []*model.FlowFeatures, labels []float64) error {
	if len(features) == 0 {
		return fmt.Errorf("neural train: empty training set")
	}
	if len(features) != len(labels) {
		return fmt.Errorf("neural train: %d samples but %d labels", len(features), len(labels))
	}

	vectors := make([][]float64, len(features))
	for i, f := range features {
		vectors[i] = feature.Vector(f)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	net := newNetwork(model.VectorSize, d.cfg.HiddenSizes, d.rng)
	net.fitStandardization(vectors)

	order := make([]int, len(vectors))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < trainEpochs; epoch++ {
		d.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var loss float64
		for _, idx := range order {
			loss += net.step(vectors[idx], labels[idx], d.cfg.LearningRate)
		}
		if epoch == 0 || epoch == trainEpochs-1 {
			d.log.Debugf("neural train epoch %d: avg loss %.6f", epoch, loss/float64(len(order)))
		}
	}

	d.net = net
	d.log.Infof("neural detector trained on %d samples", len(features))
	return nil
}

// Update applies one online gradient step to the trained model.
func (d *NeuralDetector) Update(features *model.FlowFeatures, label float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.net == nil {
		return model.NewModelError(model.ModelNotLoaded, fmt.Errorf("cannot update an untrained model"))
	}
	d.net.step(feature.Vector(features), label, d.cfg.LearningRate)
	return nil
}

// Load reads model state previously written by Save.
func (d *NeuralDetector) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model file '%s': %w", path, err)
	}
	defer file.Close()

	var net network
	if err := gob.NewDecoder(file).Decode(&net); err != nil {
		return fmt.Errorf("failed to decode model from '%s': %w", path, err)
	}
	if len(net.Sizes) < 2 || net.Sizes[0] != model.VectorSize {
		return fmt.Errorf("model file '%s' has incompatible input size", path)
	}

	d.mu.Lock()
	d.net = &net
	d.mu.Unlock()

	d.log.Infof("neural detector loaded model from %s", path)
	return nil
}

// Save writes the trained model state to disk.
func (d *NeuralDetector) Save(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.net == nil {
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

	if err := gob.NewEncoder(file).Encode(d.net); err != nil {
		return fmt.Errorf("failed to encode model to '%s': %w", path, err)
	}
	return nil
}

// Close releases nothing for the in-process backend.
func (d *NeuralDetector) Close() error { return nil }

func confidenceOf(score float64) float64 {
	c := 2 * math.Abs(score-0.5)
	if c > 1 {
		return 1
	}
	return c
}

func newNetwork(inputSize int, hidden []int, rng *rand.Rand) *network {
	sizes := append([]int{inputSize}, hidden...)
	sizes = append(sizes, 1)

	net := &network{
		Sizes:   sizes,
		Weights: make([][][]float64, len(sizes)-1),
		Biases:  make([][]float64, len(sizes)-1),
	}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		scale := math.Sqrt(2 / float64(in))
		net.Weights[l] = make([][]float64, out)
		net.Biases[l] = make([]float64, out)
		for j := 0; j < out; j++ {
			net.Weights[l][j] = make([]float64, in)
			for i := 0; i < in; i++ {
				net.Weights[l][j][i] = rng.NormFloat64() * scale
			}
		}
	}
	return net
}

func (n *network) fitStandardization(vectors [][]float64) {
	dim := n.Sizes[0]
	n.Mean = make([]float64, dim)
	n.Std = make([]float64, dim)

	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			n.Mean[i] += v[i]
		}
	}
	for i := range n.Mean {
		n.Mean[i] /= float64(len(vectors))
	}
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			d := v[i] - n.Mean[i]
			n.Std[i] += d * d
		}
	}
	for i := range n.Std {
		n.Std[i] = math.Sqrt(n.Std[i] / float64(len(vectors)))
		if n.Std[i] == 0 {
			n.Std[i] = 1
		}
	}
}

func (n *network) standardize(x []float64) []float64 {
	out := make([]float64, n.Sizes[0])
	for i := range out {
		v := 0.0
		if i < len(x) {
			v = x[i]
		}
		if n.Mean != nil {
			out[i] = (v - n.Mean[i]) / n.Std[i]
		} else {
			out[i] = v
		}
	}
	return out
}

// forward runs the network, keeping per-layer pre-activations and
// activations for backpropagation.
func (n *network) forward(x []float64) (zs, activations [][]float64) {
	activations = [][]float64{n.standardize(x)}
	for l := range n.Weights {
		in := activations[len(activations)-1]
		z := make([]float64, len(n.Weights[l]))
		a := make([]float64, len(z))
		last := l == len(n.Weights)-1
		for j := range n.Weights[l] {
			sum := n.Biases[l][j]
			for i, w := range n.Weights[l][j] {
				sum += w * in[i]
			}
			z[j] = sum
			if last {
				a[j] = sigmoid(sum)
			} else if sum > 0 {
				a[j] = sum
			}
		}
		zs = append(zs, z)
		activations = append(activations, a)
	}
	return zs, activations
}

func (n *network) predict(x []float64) float64 {
	_, activations := n.forward(x)
	return activations[len(activations)-1][0]
}

// step runs one forward/backward pass and applies the gradient, returning
// the squared-error loss of the sample.
func (n *network) step(x []float64, label, lr float64) float64 {
	zs, activations := n.forward(x)

	out := activations[len(activations)-1][0]
	diff := out - label

	// Output layer: squared error through the sigmoid.
	delta := []float64{diff * out * (1 - out)}

	for l := len(n.Weights) - 1; l >= 0; l-- {
		in := activations[l]

		var next []float64
		if l > 0 {
			next = make([]float64, len(n.Weights[l][0]))
			for j := range n.Weights[l] {
				for i, w := range n.Weights[l][j] {
					next[i] += w * delta[j]
				}
			}
			for i := range next {
				if zs[l-1][i] <= 0 {
					next[i] = 0
				}
			}
		}

		for j := range n.Weights[l] {
			for i := range n.Weights[l][j] {
				n.Weights[l][j][i] -= lr * delta[j] * in[i]
			}
			n.Biases[l][j] -= lr * delta[j]
		}

		delta = next
	}

	return diff * diff
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
