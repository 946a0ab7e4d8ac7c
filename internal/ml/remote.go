package ml

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/feature"
	"Go2NetSentry/internal/model"
)

func init() {
	Register("remote", func(cfg config.MLConfig, log *zap.SugaredLogger) (model.Detector, error) {
		return NewRemoteDetector(cfg, log)
	})
}

// Inference sidecar methods. Requests and responses are Struct messages
// carrying JSON-shaped payloads, so the sidecar can evolve its model without
// a stub regeneration on this side.
const (
	methodPredict   = "/netsentry.v1.Inference/Predict"
	methodTrain     = "/netsentry.v1.Inference/Train"
	methodUpdate    = "/netsentry.v1.Inference/Update"
	methodLoadModel = "/netsentry.v1.Inference/LoadModel"
	methodSaveModel = "/netsentry.v1.Inference/SaveModel"
)

// RemoteDetector forwards detection to an inference sidecar over gRPC. The
// sidecar owns all model state; Load and Save address paths on its side.
type RemoteDetector struct {
	cfg     config.MLConfig
	timeout time.Duration
	log     *zap.SugaredLogger
	conn    *grpc.ClientConn
}

// NewRemoteDetector connects to the configured sidecar. The connection is
// lazy, so construction succeeds even while the sidecar is down; calls fail
// until it comes up.
func NewRemoteDetector(cfg config.MLConfig, log *zap.SugaredLogger) (*RemoteDetector, error) {
	conn, err := grpc.NewClient(cfg.Remote.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client for '%s': %w", cfg.Remote.Address, err)
	}

	log.Infof("remote detector using inference sidecar at %s", cfg.Remote.Address)
	return &RemoteDetector{cfg: cfg, timeout: cfg.Remote.TimeoutDuration(), log: log, conn: conn}, nil
}

// Detect scores one feature set on the sidecar.
func (d *RemoteDetector) Detect(features *model.FlowFeatures) (*model.DetectionResult, error) {
	resp, err := d.invoke(methodPredict, map[string]interface{}{
		"instances": []interface{}{floatList(feature.Vector(features))},
	})
	if err != nil {
		return nil, err
	}

	preds, err := predictions(resp, 1)
	if err != nil {
		return nil, err
	}
	return d.parsePrediction(preds[0])
}

// DetectBatch scores all windows in a single round trip.
func (d *RemoteDetector) DetectBatch(features []*model.FlowFeatures) ([]*model.DetectionResult, error) {
	instances := make([]interface{}, len(features))
	for i, f := range features {
		instances[i] = floatList(feature.Vector(f))
	}

	resp, err := d.invoke(methodPredict, map[string]interface{}{"instances": instances})
	if err != nil {
		return nil, err
	}

	preds, err := predictions(resp, len(features))
	if err != nil {
		return nil, err
	}
	results := make([]*model.DetectionResult, len(preds))
	for i, p := range preds {
		if results[i], err = d.parsePrediction(p); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Train ships the labeled set to the sidecar for fitting.
func (d *RemoteDetector) Train(features []*model.FlowFeatures, labels []float64) error {
	if len(features) != len(labels) {
		return fmt.Errorf("remote train: %d samples but %d labels", len(features), len(labels))
	}
	instances := make([]interface{}, len(features))
	for i, f := range features {
		instances[i] = floatList(feature.Vector(f))
	}
	_, err := d.invoke(methodTrain, map[string]interface{}{
		"instances": instances,
		"labels":    floatList(labels),
	})
	return err
}

// Update ships one online refinement sample.
func (d *RemoteDetector) Update(features *model.FlowFeatures, label float64) error {
	_, err := d.invoke(methodUpdate, map[string]interface{}{
		"instance": floatList(feature.Vector(features)),
		"label":    label,
	})
	return err
}

// Load asks the sidecar to load model state from a path on its side.
func (d *RemoteDetector) Load(path string) error {
	_, err := d.invoke(methodLoadModel, map[string]interface{}{"path": path})
	return err
}

// Save asks the sidecar to persist its model state.
func (d *RemoteDetector) Save(path string) error {
	_, err := d.invoke(methodSaveModel, map[string]interface{}{"path": path})
	return err
}

// Close tears down the sidecar connection.
func (d *RemoteDetector) Close() error {
	return d.conn.Close()
}

func (d *RemoteDetector) invoke(method string, payload map[string]interface{}) (map[string]interface{}, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, model.NewModelError(model.ModelInferenceFailed, fmt.Errorf("encode request: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, model.NewModelError(model.ModelInferenceFailed, fmt.Errorf("%s: %w", method, err))
	}
	return resp.AsMap(), nil
}

func (d *RemoteDetector) parsePrediction(p interface{}) (*model.DetectionResult, error) {
	fields, ok := p.(map[string]interface{})
	if !ok {
		return nil, model.NewModelError(model.ModelInferenceFailed, fmt.Errorf("malformed prediction %T", p))
	}

	score, ok := fields["score"].(float64)
	if !ok {
		return nil, model.NewModelError(model.ModelInferenceFailed, fmt.Errorf("prediction missing score"))
	}

	res := &model.DetectionResult{
		AnomalyScore: score,
		IsAnomaly:    score > d.cfg.AnomalyThreshold,
	}
	if conf, ok := fields["confidence"].(float64); ok {
		res.Confidence = conf
	} else {
		res.Confidence = confidenceOf(score)
	}
	if tt, ok := fields["threat_type"].(string); ok {
		res.ThreatType = tt
	}
	if inds, ok := fields["indicators"].([]interface{}); ok {
		for _, ind := range inds {
			if s, ok := ind.(string); ok {
				res.Indicators = append(res.Indicators, s)
			}
		}
	}
	return res, nil
}

func predictions(resp map[string]interface{}, want int) ([]interface{}, error) {
	preds, ok := resp["predictions"].([]interface{})
	if !ok {
		return nil, model.NewModelError(model.ModelInferenceFailed, fmt.Errorf("response missing predictions"))
	}
	if len(preds) != want {
		return nil, model.NewModelError(model.ModelInferenceFailed,
			fmt.Errorf("expected %d predictions, got %d", want, len(preds)))
	}
	return preds, nil
}

func floatList(values []float64) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
