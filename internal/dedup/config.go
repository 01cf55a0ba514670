package dedup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Dimension string

const (
	DimensionCVE         Dimension = "cve"
	DimensionText        Dimension = "text"
	DimensionThreatActor Dimension = "threat_actor"
	DimensionMalware     Dimension = "malware"
	DimensionProduct     Dimension = "product"
	DimensionCompany     Dimension = "company"
)

// Dimensions lists every scored dimension in reporting order.
var Dimensions = []Dimension{
	DimensionCVE,
	DimensionText,
	DimensionThreatActor,
	DimensionMalware,
	DimensionProduct,
	DimensionCompany,
}

type TieBreak string

const (
	TieBreakMostRecent TieBreak = "most_recent"
	TieBreakOldest     TieBreak = "oldest"
)

const (
	DefaultLookbackDays        = 30
	DefaultBorderlineThreshold = 0.35
	DefaultUpdateThreshold     = 0.70
	weightSumTolerance         = 1e-6
)

// Thresholds are inclusive lower bounds for BORDERLINE and UPDATE.
type Thresholds struct {
	Borderline float64 `yaml:"borderline"`
	Update     float64 `yaml:"update"`
}

// ScoringConfig carries every tunable of the scorer and classifier.
type ScoringConfig struct {
	Weights      map[Dimension]float64 `yaml:"weights"`
	Thresholds   Thresholds            `yaml:"thresholds"`
	LookbackDays int                   `yaml:"lookback_days"`
	TieBreak     TieBreak              `yaml:"tie_break"`
}

func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: map[Dimension]float64{
			DimensionCVE:         0.45,
			DimensionText:        0.20,
			DimensionThreatActor: 0.11,
			DimensionMalware:     0.11,
			DimensionProduct:     0.07,
			DimensionCompany:     0.06,
		},
		Thresholds: Thresholds{
			Borderline: DefaultBorderlineThreshold,
			Update:     DefaultUpdateThreshold,
		},
		LookbackDays: DefaultLookbackDays,
		TieBreak:     TieBreakMostRecent,
	}
}

// LoadScoringConfig overlays a YAML file on the defaults. An empty path returns the defaults.
func LoadScoringConfig(path string) (ScoringConfig, error) {
	cfg := DefaultScoringConfig()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(trimmed)
	if err != nil {
		return ScoringConfig{}, fmt.Errorf("read scoring config %s: %w", trimmed, err)
	}
	return ParseScoringConfig(raw)
}

// ParseScoringConfig overlays YAML bytes on the defaults and validates the result.
func ParseScoringConfig(raw []byte) (ScoringConfig, error) {
	cfg := DefaultScoringConfig()

	var overlay ScoringConfig
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&overlay); err != nil && !errors.Is(err, io.EOF) {
		return ScoringConfig{}, fmt.Errorf("decode scoring config: %w", err)
	}

	if len(overlay.Weights) > 0 {
		for dim, weight := range overlay.Weights {
			if !knownDimension(dim) {
				return ScoringConfig{}, fmt.Errorf("unknown scoring dimension %q", dim)
			}
			cfg.Weights[dim] = weight
		}
	}
	if overlay.Thresholds.Borderline != 0 {
		cfg.Thresholds.Borderline = overlay.Thresholds.Borderline
	}
	if overlay.Thresholds.Update != 0 {
		cfg.Thresholds.Update = overlay.Thresholds.Update
	}
	if overlay.LookbackDays != 0 {
		cfg.LookbackDays = overlay.LookbackDays
	}
	if overlay.TieBreak != "" {
		cfg.TieBreak = overlay.TieBreak
	}

	if err := cfg.Validate(); err != nil {
		return ScoringConfig{}, err
	}
	return cfg, nil
}

func (c ScoringConfig) Validate() error {
	sum := 0.0
	for _, dim := range Dimensions {
		weight, ok := c.Weights[dim]
		if !ok {
			return fmt.Errorf("weight for %s is missing", dim)
		}
		if weight < 0 || math.IsNaN(weight) {
			return fmt.Errorf("weight for %s must be >= 0", dim)
		}
		sum += weight
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.6f", sum)
	}
	if c.Thresholds.Borderline <= 0 || c.Thresholds.Borderline >= c.Thresholds.Update {
		return fmt.Errorf("borderline threshold (%.3f) must be > 0 and below update threshold (%.3f)", c.Thresholds.Borderline, c.Thresholds.Update)
	}
	if c.Thresholds.Update > 1 {
		return fmt.Errorf("update threshold (%.3f) must be <= 1", c.Thresholds.Update)
	}
	if c.LookbackDays < 1 {
		return fmt.Errorf("lookback_days must be >= 1")
	}
	switch c.TieBreak {
	case TieBreakMostRecent, TieBreakOldest:
	default:
		return fmt.Errorf("tie_break must be %s or %s, got %q", TieBreakMostRecent, TieBreakOldest, c.TieBreak)
	}
	return nil
}

func knownDimension(dim Dimension) bool {
	for _, d := range Dimensions {
		if d == dim {
			return true
		}
	}
	return false
}
