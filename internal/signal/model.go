// Package signal implements the signal service: a model registry, a
// hot-swappable prediction model, and the feature pipeline that feeds it.
package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Model is a loaded linear prediction model. Artifacts are JSON files:
//
//	{
//	  "version": "mom-v3",
//	  "features": ["ret_1d", "ret_5d", "ret_20d", "vol_20d", "volume_z"],
//	  "coefficients": [...],
//	  "intercept": 0.0001,
//	  "normalization": {"mean": [...], "std": [...]}
//	}
//
// Features are z-scored with the artifact's normalization before the dot
// product, so training-time and serving-time scaling always agree.
type Model struct {
	Version       string    `json:"version"`
	Features      []string  `json:"features"`
	Coefficients  []float64 `json:"coefficients"`
	Intercept     float64   `json:"intercept"`
	Normalization struct {
		Mean []float64 `json:"mean"`
		Std  []float64 `json:"std"`
	} `json:"normalization"`
}

// LoadModel reads and validates a model artifact. The shape checks plus the
// probe in Validate are what stand between a corrupt artifact and a hot swap.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks artifact shape and runs a probe prediction. Any non-finite
// output fails the load: a model that cannot score the probe cannot be
// trusted with live features.
func (m *Model) Validate() error {
	n := len(m.Features)
	switch {
	case m.Version == "":
		return fmt.Errorf("missing version")
	case n == 0:
		return fmt.Errorf("no features")
	case len(m.Coefficients) != n:
		return fmt.Errorf("coefficients length %d != features length %d", len(m.Coefficients), n)
	case len(m.Normalization.Mean) != n:
		return fmt.Errorf("normalization mean length %d != features length %d", len(m.Normalization.Mean), n)
	case len(m.Normalization.Std) != n:
		return fmt.Errorf("normalization std length %d != features length %d", len(m.Normalization.Std), n)
	}
	for i, s := range m.Normalization.Std {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("normalization std[%d] = %v is not positive finite", i, s)
		}
	}

	probe := make([]float64, n)
	for i := range probe {
		probe[i] = m.Normalization.Mean[i] + m.Normalization.Std[i]
	}
	out := m.Predict(probe)
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return fmt.Errorf("probe prediction is not finite: %v", out)
	}
	return nil
}

// Predict scores one raw feature vector. The vector must be in the
// artifact's feature order.
func (m *Model) Predict(features []float64) float64 {
	out := m.Intercept
	for i, x := range features {
		z := (x - m.Normalization.Mean[i]) / m.Normalization.Std[i]
		out += m.Coefficients[i] * z
	}
	return out
}
