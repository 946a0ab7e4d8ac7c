package model

// Detector scores flow feature vectors for anomaly. Implementations are
// interchangeable: a learned neural scorer, a classical statistical scorer
// and a remote inference sidecar all satisfy the same contract.
//
// Detect and DetectBatch are side-effect-free with respect to the pipeline:
// internal model state changes only through explicit Train/Update calls.
// A detector without a loaded or fitted model fails Detect with a
// ModelError of kind NotLoaded rather than returning a degraded score.
type Detector interface {
	Detect(features *FlowFeatures) (*DetectionResult, error)
	DetectBatch(features []*FlowFeatures) ([]*DetectionResult, error)

	// Train fits the model on a labeled set; labels are 0 for benign and 1
	// for anomalous samples.
	Train(features []*FlowFeatures, labels []float64) error

	// Update applies one online refinement step.
	Update(features *FlowFeatures, label float64) error

	Load(path string) error
	Save(path string) error

	// Close releases backend resources (connections, file handles).
	Close() error
}
