package ml

import (
	"fmt"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/model"
)

// Factory defines a function that creates a detector backend from config.
type Factory func(cfg config.MLConfig, log *zap.SugaredLogger) (model.Detector, error)

// registry holds the mapping of model types to their factory functions.
var registry = make(map[string]Factory)

// Register registers a new detector backend with its factory function.
// Backends register themselves from init, so the composition root only
// needs a blank import to make a backend available.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("detector type '%s' already registered", name))
	}
	registry[name] = factory
}

// NewDetector creates the detector backend selected by cfg.ModelType.
func NewDetector(cfg config.MLConfig, log *zap.SugaredLogger) (model.Detector, error) {
	factory, ok := registry[cfg.ModelType]
	if !ok {
		return nil, fmt.Errorf("unknown detector type: '%s'", cfg.ModelType)
	}

	det, err := factory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("error creating detector type '%s': %w", cfg.ModelType, err)
	}
	return det, nil
}
