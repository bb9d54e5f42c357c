// Package classify maps enrichment records to risk scores. The decision
// function is a versioned, externally trained linear model; this package owns
// the mapping interface and its determinism guarantee, not the weights.
package classify

import (
	"math"
	"time"

	"github.com/cse-watch/phishmon/enrich"
)

type Label string

const (
	LabelBenign     Label = "benign"
	LabelSuspicious Label = "suspicious"
	LabelPhishing   Label = "phishing"
)

// Model is a logistic decision function over the feature vector. Weights are
// keyed by feature name so a model file survives reordering of the vector.
type Model struct {
	Version      string             `yaml:"version"`
	Bias         float64            `yaml:"bias"`
	Weights      map[string]float64 `yaml:"weights"`
	SuspiciousAt float64            `yaml:"suspicious-at"`
	PhishingAt   float64            `yaml:"phishing-at"`
}

// DefaultModel carries the weights shipped with the binary. Replaced wholesale
// when a retrained model is loaded from configuration.
var DefaultModel = Model{
	Version: "logreg-2024.02",
	Bias:    -2.0,
	Weights: map[string]float64{
		"domain_length":     0.05,
		"num_hyphens":       0.5,
		"num_digits":        0.15,
		"entropy_domain":    0.4,
		"has_punycode":      1.5,
		"age_days":          -0.003,
		"registration_days": -0.0005,
		"has_mx":            -0.8,
		"has_tls":           -0.1,
	},
	SuspiciousAt: 0.5,
	PhishingAt:   0.8,
}

type Result struct {
	Score        float64
	Label        Label
	Features     FeatureVector
	ModelVersion string
}

type Classifier struct {
	model Model
	// now anchors age computation; fixed per classifier instance so that
	// re-scoring the same record yields bit-identical results
	now time.Time
}

func New(model Model) *Classifier {
	return &Classifier{
		model: model,
		now:   time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Classify scores a canonical domain given its enrichment record. It never
// fails: missing features are imputed and a partial vector is scored like any
// other. Deterministic for identical record, domain and model version.
func (c *Classifier) Classify(rec *enrich.Record, fqdn string) Result {
	features := Extract(rec, fqdn, c.now)
	score := c.model.score(features)

	return Result{
		Score:        score,
		Label:        c.model.label(score),
		Features:     features,
		ModelVersion: c.model.Version,
	}
}

func (c *Classifier) ModelVersion() string {
	return c.model.Version
}

func (m Model) score(v FeatureVector) float64 {
	logit := m.Bias
	values := v.Values()
	for i, name := range featureNames {
		if w, ok := m.Weights[name]; ok {
			logit += w * values[i]
		}
	}
	return 1 / (1 + math.Exp(-logit))
}

func (m Model) label(score float64) Label {
	switch {
	case score >= m.PhishingAt:
		return LabelPhishing
	case score >= m.SuspiciousAt:
		return LabelSuspicious
	}
	return LabelBenign
}
