// Package plan loads and validates the YAML calibration plan that drives a
// run: which sample to weight, which reference surveys supply the targets,
// and which estimator with which hyperparameters.
package plan

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"svycal/internal/calibration"
)

// Plan is the full calibration plan document.
type Plan struct {
	Sample     SampleSpec      `yaml:"sample" validate:"required"`
	References []ReferenceSpec `yaml:"references" validate:"required,min=1,dive"`

	// Method is the estimator: one of the four calibration
	// parameterizations, or "rake" for marginal-only fitting.
	Method string `yaml:"method" validate:"required,oneof=loglinear hierarchical simplex masked-simplex rake"`

	Calibration CalibrationSpec `yaml:"calibration"`
	Rake        RakeSpec        `yaml:"rake"`
	Output      OutputSpec      `yaml:"output"`
}

// SampleSpec locates the local sample whose weights are being computed.
type SampleSpec struct {
	Path      string   `yaml:"path" validate:"required"`
	IDColumn  string   `yaml:"id_column"`
	Variables []string `yaml:"variables" validate:"required,min=1"`
}

// ReferenceSpec locates one reference survey supplying target moments.
type ReferenceSpec struct {
	Name         string      `yaml:"name" validate:"required"`
	Path         string      `yaml:"path" validate:"required"`
	WeightColumn string      `yaml:"weight_column"`
	Blocks       []BlockSpec `yaml:"blocks" validate:"dive"`
	// MinJointSample overrides the low-confidence floor for block pairs.
	MinJointSample int `yaml:"min_joint_sample" validate:"gte=0"`
}

// BlockSpec names one source-survey block of the reference covariates.
type BlockSpec struct {
	Name      string   `yaml:"name" validate:"required"`
	Variables []string `yaml:"variables" validate:"required,min=1"`
}

// CalibrationSpec carries the calibration hyperparameters. Zero values are
// filled with the core defaults in Load.
type CalibrationSpec struct {
	Concentration        float64 `yaml:"concentration" validate:"gte=0"`
	MinWeightMult        float64 `yaml:"min_weight_mult" validate:"gte=0"`
	MaxWeightMult        float64 `yaml:"max_weight_mult" validate:"gte=0"`
	SigmaScale           float64 `yaml:"sigma_scale" validate:"gte=0"`
	MaxIterations        int     `yaml:"max_iterations" validate:"gte=0"`
	GradientTolerance    float64 `yaml:"gradient_tolerance" validate:"gte=0"`
	ObjectiveTolerance   float64 `yaml:"objective_tolerance" validate:"gte=0"`
	StepTolerance        float64 `yaml:"step_tolerance" validate:"gte=0"`
	MarginalTolerancePct float64 `yaml:"marginal_tolerance_pct" validate:"gte=0"`
}

// RakeSpec carries the raking settings used when Method is "rake".
type RakeSpec struct {
	Tolerance     float64 `yaml:"tolerance" validate:"gte=0"`
	MaxIterations int     `yaml:"max_iterations" validate:"gte=0"`
}

// OutputSpec controls where results are written.
type OutputSpec struct {
	Dir string `yaml:"dir"`
	// Workbook additionally writes the analyst-facing XLSX report.
	Workbook bool `yaml:"workbook"`
}

// IsRake reports whether the plan requests marginal raking instead of a
// calibration parameterization.
func (p *Plan) IsRake() bool {
	return p.Method == "rake"
}

// CalibrationConfig assembles the core calibration configuration from the
// plan, with core defaults for unset values.
func (p *Plan) CalibrationConfig() calibration.Config {
	cfg := calibration.DefaultConfig()
	if !p.IsRake() {
		cfg.Method = calibration.Method(p.Method)
	}
	s := p.Calibration
	if s.Concentration > 0 {
		cfg.Concentration = s.Concentration
	}
	if s.MinWeightMult > 0 {
		cfg.MinWeightMult = s.MinWeightMult
	}
	if s.MaxWeightMult > 0 {
		cfg.MaxWeightMult = s.MaxWeightMult
	}
	if s.SigmaScale > 0 {
		cfg.SigmaScale = s.SigmaScale
	}
	if s.MaxIterations > 0 {
		cfg.MaxIterations = s.MaxIterations
	}
	if s.GradientTolerance > 0 {
		cfg.GradientTolerance = s.GradientTolerance
	}
	if s.ObjectiveTolerance > 0 {
		cfg.ObjectiveTolerance = s.ObjectiveTolerance
	}
	if s.StepTolerance > 0 {
		cfg.StepTolerance = s.StepTolerance
	}
	if s.MarginalTolerancePct > 0 {
		cfg.MarginalTolerancePct = s.MarginalTolerancePct
	}
	return cfg
}

// RakeConfig assembles the core raking configuration with defaults.
func (p *Plan) RakeConfig() calibration.RakeConfig {
	cfg := calibration.DefaultRakeConfig()
	if p.Rake.Tolerance > 0 {
		cfg.Tolerance = p.Rake.Tolerance
	}
	if p.Rake.MaxIterations > 0 {
		cfg.MaxIterations = p.Rake.MaxIterations
	}
	return cfg
}

// BlockPartition converts a reference's block declaration to the core type.
// Returns the zero partition when the reference declares no blocks.
func (r ReferenceSpec) BlockPartition() calibration.BlockPartition {
	var bp calibration.BlockPartition
	for _, b := range r.Blocks {
		bp.Blocks = append(bp.Blocks, calibration.Block{Name: b.Name, Variables: b.Variables})
	}
	return bp
}

// Load reads, validates, and defaults a plan file.
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var p Plan
	if err := yaml.UnmarshalStrict(raw, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}

	if err := validator.New().Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	if err := p.crossChecks(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}

	if p.Output.Dir == "" {
		p.Output.Dir = "."
	}
	return &p, nil
}

// crossChecks enforces relationships the struct tags cannot express.
func (p *Plan) crossChecks() error {
	if p.Calibration.MinWeightMult > 0 && p.Calibration.MaxWeightMult > 0 &&
		p.Calibration.MinWeightMult >= p.Calibration.MaxWeightMult {
		return fmt.Errorf("min_weight_mult %g must be below max_weight_mult %g",
			p.Calibration.MinWeightMult, p.Calibration.MaxWeightMult)
	}

	sampleVars := make(map[string]bool, len(p.Sample.Variables))
	for _, v := range p.Sample.Variables {
		if sampleVars[v] {
			return fmt.Errorf("sample variable %q listed twice", v)
		}
		sampleVars[v] = true
	}

	seenRef := make(map[string]bool, len(p.References))
	for _, ref := range p.References {
		if seenRef[ref.Name] {
			return fmt.Errorf("reference %q listed twice", ref.Name)
		}
		seenRef[ref.Name] = true
		for _, b := range ref.Blocks {
			for _, v := range b.Variables {
				if !sampleVars[v] {
					return fmt.Errorf("reference %q block %q names %q, which is not a sample variable", ref.Name, b.Name, v)
				}
			}
		}
	}

	return nil
}
