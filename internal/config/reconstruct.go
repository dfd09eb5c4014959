package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/banshee-data/trackrecon/internal/estimator"
	"github.com/banshee-data/trackrecon/internal/interp"
	"github.com/banshee-data/trackrecon/internal/kalman"
	"github.com/banshee-data/trackrecon/internal/projection"
	"github.com/banshee-data/trackrecon/internal/reconstruct"
	"github.com/banshee-data/trackrecon/internal/track"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical reconstruction defaults
// file. The Get* fallbacks below mirror its values.
const DefaultConfigPath = "config/reconstruct.defaults.json"

// ReconstructConfig represents the root configuration of a reconstruction
// run. Every field is optional; omitted fields fall back to the defaults
// returned by the matching Get* method.
type ReconstructConfig struct {
	// Filter
	Model       *string   `json:"model,omitempty" yaml:"model,omitempty"` // "cv" or "ca"
	MinDT       *float64  `json:"min_dt,omitempty" yaml:"min_dt,omitempty"`
	MaxDT       *float64  `json:"max_dt,omitempty" yaml:"max_dt,omitempty"`
	MaxDistance *float64  `json:"max_distance,omitempty" yaml:"max_distance,omitempty"`
	ReinitCheck *[]string `json:"reinit_check,omitempty" yaml:"reinit_check,omitempty"`

	// Noise, as standard deviations
	QStd     *float64 `json:"q_std,omitempty" yaml:"q_std,omitempty"`
	RStd     *float64 `json:"r_std,omitempty" yaml:"r_std,omitempty"`
	RStdHigh *float64 `json:"r_std_high,omitempty" yaml:"r_std_high,omitempty"`
	PStd     *float64 `json:"p_std,omitempty" yaml:"p_std,omitempty"`
	PStdHigh *float64 `json:"p_std_high,omitempty" yaml:"p_std_high,omitempty"`

	// Uncertainty overrides the measurement noise per source id.
	Uncertainty map[uint32]track.Uncertainty `json:"uncertainty,omitempty" yaml:"uncertainty,omitempty"`

	// Chain finishing
	Smooth         *bool    `json:"smooth,omitempty" yaml:"smooth,omitempty"`
	SmoothScale    *float64 `json:"smooth_scale,omitempty" yaml:"smooth_scale,omitempty"`
	ResampleResult *bool    `json:"resample_result,omitempty" yaml:"resample_result,omitempty"`
	ResampleDT     *float64 `json:"resample_dt,omitempty" yaml:"resample_dt,omitempty"`
	ResampleQStd   *float64 `json:"resample_q_std,omitempty" yaml:"resample_q_std,omitempty"`
	InterpMode     *string  `json:"interp_mode,omitempty" yaml:"interp_mode,omitempty"`
	MinChainSize   *int     `json:"min_chain_size,omitempty" yaml:"min_chain_size,omitempty"`

	StepFailStrategy   *string `json:"step_fail_strategy,omitempty" yaml:"step_fail_strategy,omitempty"`
	SmoothFailPolicy   *string `json:"smooth_fail_policy,omitempty" yaml:"smooth_fail_policy,omitempty"`
	ResampleFailPolicy *string `json:"resample_fail_policy,omitempty" yaml:"resample_fail_policy,omitempty"`

	// Projection
	ProjCheck            *string  `json:"proj_check,omitempty" yaml:"proj_check,omitempty"`
	MaxProjDistanceCart  *float64 `json:"max_proj_distance_cart,omitempty" yaml:"max_proj_distance_cart,omitempty"`
	MaxProjDistanceWGS84 *float64 `json:"max_proj_distance_wgs84,omitempty" yaml:"max_proj_distance_wgs84,omitempty"`

	MinPredDT  *float64 `json:"min_pred_dt,omitempty" yaml:"min_pred_dt,omitempty"`
	StoreWGS84 *bool    `json:"store_wgs84,omitempty" yaml:"store_wgs84,omitempty"`

	// Prefilter resamples raw measurements per source id.
	Prefilter                map[uint32]track.InterpOptions `json:"prefilter,omitempty" yaml:"prefilter,omitempty"`
	MaxSegmentDistanceFactor *float64                       `json:"max_segment_distance_factor,omitempty" yaml:"max_segment_distance_factor,omitempty"`

	Workers *int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyReconstructConfig returns a ReconstructConfig with all fields set
// to nil, so every Get* method returns its default.
func EmptyReconstructConfig() *ReconstructConfig {
	return &ReconstructConfig{}
}

// LoadReconstructConfig loads a ReconstructConfig from a JSON or YAML
// file. The file must have a .json, .yaml or .yml extension and be under
// the max file size. Fields omitted from the file retain their default
// values, so partial configs are safe.
func LoadReconstructConfig(path string) (*ReconstructConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReconstructConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *ReconstructConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadReconstructConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ReconstructConfig) Validate() error {
	if c.Model != nil {
		if _, err := kalman.NewModel(*c.Model); err != nil {
			return err
		}
	}
	if c.ReinitCheck != nil {
		if _, err := estimator.ParseReinitChecks(*c.ReinitCheck); err != nil {
			return err
		}
	}
	if c.InterpMode != nil {
		if _, err := interp.ParseMode(*c.InterpMode); err != nil {
			return err
		}
	}
	if c.StepFailStrategy != nil {
		if _, err := estimator.ParseStepFailStrategy(*c.StepFailStrategy); err != nil {
			return err
		}
	}
	if c.SmoothFailPolicy != nil {
		if _, err := reconstruct.ParseFailPolicy(*c.SmoothFailPolicy); err != nil {
			return fmt.Errorf("smooth_fail_policy: %w", err)
		}
	}
	if c.ResampleFailPolicy != nil {
		if _, err := reconstruct.ParseFailPolicy(*c.ResampleFailPolicy); err != nil {
			return fmt.Errorf("resample_fail_policy: %w", err)
		}
	}
	if c.ProjCheck != nil {
		if _, err := projection.ParseCheckPolicy(*c.ProjCheck); err != nil {
			return err
		}
	}

	positive := []struct {
		name string
		v    *float64
	}{
		{"max_dt", c.MaxDT},
		{"max_distance", c.MaxDistance},
		{"r_std_high", c.RStdHigh},
		{"p_std_high", c.PStdHigh},
		{"resample_dt", c.ResampleDT},
		{"max_segment_distance_factor", c.MaxSegmentDistanceFactor},
	}
	for _, p := range positive {
		if p.v != nil && !(*p.v > 0) {
			return fmt.Errorf("%s must be positive, got %v", p.name, *p.v)
		}
	}

	nonNegative := []struct {
		name string
		v    *float64
	}{
		{"min_dt", c.MinDT},
		{"q_std", c.QStd},
		{"r_std", c.RStd},
		{"p_std", c.PStd},
		{"smooth_scale", c.SmoothScale},
		{"resample_q_std", c.ResampleQStd},
		{"min_pred_dt", c.MinPredDT},
		{"max_proj_distance_cart", c.MaxProjDistanceCart},
		{"max_proj_distance_wgs84", c.MaxProjDistanceWGS84},
	}
	for _, p := range nonNegative {
		if p.v != nil && (*p.v < 0 || math.IsNaN(*p.v) || math.IsInf(*p.v, 0)) {
			return fmt.Errorf("%s must be a non-negative number, got %v", p.name, *p.v)
		}
	}

	if c.MinChainSize != nil && *c.MinChainSize < 1 {
		return fmt.Errorf("min_chain_size must be at least 1, got %d", *c.MinChainSize)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	for id, u := range c.Uncertainty {
		if u.PosVar < 0 || u.SpeedVar < 0 || u.AccVar < 0 {
			return fmt.Errorf("uncertainty for source %d has a negative variance", id)
		}
	}
	for id, o := range c.Prefilter {
		if o.SampleDT < 0 || o.MaxDT < 0 {
			return fmt.Errorf("prefilter for source %d has a negative interval", id)
		}
	}

	return nil
}

// GetModel returns the model value or the default.
func (c *ReconstructConfig) GetModel() string {
	if c.Model == nil {
		return "cv" // default
	}
	return *c.Model
}

// GetMinDT returns the min_dt value or the default.
func (c *ReconstructConfig) GetMinDT() float64 {
	if c.MinDT == nil {
		return 0.001 // default
	}
	return *c.MinDT
}

// GetMaxDT returns the max_dt value or the default.
func (c *ReconstructConfig) GetMaxDT() float64 {
	if c.MaxDT == nil {
		return 11 // default
	}
	return *c.MaxDT
}

// GetMaxDistance returns the max_distance value or the default.
func (c *ReconstructConfig) GetMaxDistance() float64 {
	if c.MaxDistance == nil {
		return 50000 // default
	}
	return *c.MaxDistance
}

// GetReinitCheck returns the reinit_check value or the default.
func (c *ReconstructConfig) GetReinitCheck() []string {
	if c.ReinitCheck == nil {
		return []string{"time", "distance"} // default
	}
	return *c.ReinitCheck
}

// GetQStd returns the q_std value or the default.
func (c *ReconstructConfig) GetQStd() float64 {
	if c.QStd == nil {
		return 30 // default
	}
	return *c.QStd
}

// GetRStd returns the r_std value or the default.
func (c *ReconstructConfig) GetRStd() float64 {
	if c.RStd == nil {
		return 30 // default
	}
	return *c.RStd
}

// GetRStdHigh returns the r_std_high value or the default.
func (c *ReconstructConfig) GetRStdHigh() float64 {
	if c.RStdHigh == nil {
		return 1000 // default
	}
	return *c.RStdHigh
}

// GetPStd returns the p_std value or the default.
func (c *ReconstructConfig) GetPStd() float64 {
	if c.PStd == nil {
		return 30 // default
	}
	return *c.PStd
}

// GetPStdHigh returns the p_std_high value or the default.
func (c *ReconstructConfig) GetPStdHigh() float64 {
	if c.PStdHigh == nil {
		return 1000 // default
	}
	return *c.PStdHigh
}

// GetSmooth returns the smooth value or the default.
func (c *ReconstructConfig) GetSmooth() bool {
	if c.Smooth == nil {
		return true // default
	}
	return *c.Smooth
}

// GetSmoothScale returns the smooth_scale value or the default.
func (c *ReconstructConfig) GetSmoothScale() float64 {
	if c.SmoothScale == nil {
		return 1 // default
	}
	return *c.SmoothScale
}

// GetResampleResult returns the resample_result value or the default.
func (c *ReconstructConfig) GetResampleResult() bool {
	if c.ResampleResult == nil {
		return true // default
	}
	return *c.ResampleResult
}

// GetResampleDT returns the resample_dt value or the default.
func (c *ReconstructConfig) GetResampleDT() float64 {
	if c.ResampleDT == nil {
		return 2 // default
	}
	return *c.ResampleDT
}

// GetResampleQStd returns the resample_q_std value or the default.
func (c *ReconstructConfig) GetResampleQStd() float64 {
	if c.ResampleQStd == nil {
		return 10 // default
	}
	return *c.ResampleQStd
}

// GetInterpMode returns the interp_mode value or the default.
func (c *ReconstructConfig) GetInterpMode() string {
	if c.InterpMode == nil {
		return "var" // default
	}
	return *c.InterpMode
}

// GetMinChainSize returns the min_chain_size value or the default.
func (c *ReconstructConfig) GetMinChainSize() int {
	if c.MinChainSize == nil {
		return 2 // default
	}
	return *c.MinChainSize
}

// GetStepFailStrategy returns the step_fail_strategy value or the default.
func (c *ReconstructConfig) GetStepFailStrategy() string {
	if c.StepFailStrategy == nil {
		return "reinit" // default
	}
	return *c.StepFailStrategy
}

// GetSmoothFailPolicy returns the smooth_fail_policy value or the default.
func (c *ReconstructConfig) GetSmoothFailPolicy() string {
	if c.SmoothFailPolicy == nil {
		return "keep" // default
	}
	return *c.SmoothFailPolicy
}

// GetResampleFailPolicy returns the resample_fail_policy value or the default.
func (c *ReconstructConfig) GetResampleFailPolicy() string {
	if c.ResampleFailPolicy == nil {
		return "keep" // default
	}
	return *c.ResampleFailPolicy
}

// GetProjCheck returns the proj_check value or the default.
func (c *ReconstructConfig) GetProjCheck() string {
	if c.ProjCheck == nil {
		return "cart" // default
	}
	return *c.ProjCheck
}

// GetMaxProjDistanceCart returns the max_proj_distance_cart value or the default.
func (c *ReconstructConfig) GetMaxProjDistanceCart() float64 {
	if c.MaxProjDistanceCart == nil {
		return 20000 // default
	}
	return *c.MaxProjDistanceCart
}

// GetMaxProjDistanceWGS84 returns the max_proj_distance_wgs84 value or the default.
func (c *ReconstructConfig) GetMaxProjDistanceWGS84() float64 {
	if c.MaxProjDistanceWGS84 == nil {
		return 0.2 // default
	}
	return *c.MaxProjDistanceWGS84
}

// GetMinPredDT returns the min_pred_dt value or the default.
func (c *ReconstructConfig) GetMinPredDT() float64 {
	if c.MinPredDT == nil {
		return 0.001 // default
	}
	return *c.MinPredDT
}

// GetStoreWGS84 returns the store_wgs84 value or the default.
func (c *ReconstructConfig) GetStoreWGS84() bool {
	if c.StoreWGS84 == nil {
		return false // default
	}
	return *c.StoreWGS84
}

// GetMaxSegmentDistanceFactor returns the max_segment_distance_factor value or the default.
func (c *ReconstructConfig) GetMaxSegmentDistanceFactor() float64 {
	if c.MaxSegmentDistanceFactor == nil {
		return 2.0 // default
	}
	return *c.MaxSegmentDistanceFactor
}

// GetWorkers returns the workers value or the default.
func (c *ReconstructConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU() // default
	}
	return *c.Workers
}

// Settings converts the configuration into reconstruction settings.
func (c *ReconstructConfig) Settings() (reconstruct.Settings, error) {
	model, err := kalman.NewModel(c.GetModel())
	if err != nil {
		return reconstruct.Settings{}, err
	}
	checks, err := estimator.ParseReinitChecks(c.GetReinitCheck())
	if err != nil {
		return reconstruct.Settings{}, err
	}
	mode, err := interp.ParseMode(c.GetInterpMode())
	if err != nil {
		return reconstruct.Settings{}, err
	}
	strategy, err := estimator.ParseStepFailStrategy(c.GetStepFailStrategy())
	if err != nil {
		return reconstruct.Settings{}, err
	}
	projCheck, err := projection.ParseCheckPolicy(c.GetProjCheck())
	if err != nil {
		return reconstruct.Settings{}, err
	}
	smoothPolicy, err := reconstruct.ParseFailPolicy(c.GetSmoothFailPolicy())
	if err != nil {
		return reconstruct.Settings{}, err
	}
	resamplePolicy, err := reconstruct.ParseFailPolicy(c.GetResampleFailPolicy())
	if err != nil {
		return reconstruct.Settings{}, err
	}

	prefilterCfg := interp.DefaultResampleConfig()
	prefilterCfg.MaxSegmentDistanceFactor = c.GetMaxSegmentDistanceFactor()

	var prefilter map[uint32]track.InterpOptions
	if len(c.Prefilter) > 0 {
		prefilter = make(map[uint32]track.InterpOptions, len(c.Prefilter))
		for id, o := range c.Prefilter {
			prefilter[id] = o
		}
	}

	return reconstruct.Settings{
		Model: model,
		Estimator: estimator.Settings{
			MinDT:            c.GetMinDT(),
			MaxDT:            c.GetMaxDT(),
			MaxDistance:      c.GetMaxDistance(),
			ReinitCheck:      checks,
			QStd:             c.GetQStd(),
			RStd:             c.GetRStd(),
			RStdHigh:         c.GetRStdHigh(),
			PStd:             c.GetPStd(),
			PStdHigh:         c.GetPStdHigh(),
			MinPredDT:        c.GetMinPredDT(),
			SmoothScale:      c.GetSmoothScale(),
			ResampleQStd:     c.GetResampleQStd(),
			InterpMode:       mode,
			StepFailStrategy: strategy,
			Projection: projection.Settings{
				Check:            projCheck,
				MaxDistanceCart:  c.GetMaxProjDistanceCart(),
				MaxDistanceWGS84: c.GetMaxProjDistanceWGS84(),
			},
			StoreWGS84: c.GetStoreWGS84(),
		},
		Uncertainty:        track.NewUncertaintyTable(c.Uncertainty),
		MinChainSize:       c.GetMinChainSize(),
		Smooth:             c.GetSmooth(),
		ResampleResult:     c.GetResampleResult(),
		ResampleDT:         c.GetResampleDT(),
		SmoothFailPolicy:   smoothPolicy,
		ResampleFailPolicy: resamplePolicy,
		Prefilter:          prefilter,
		PrefilterConfig:    prefilterCfg,
	}, nil
}
