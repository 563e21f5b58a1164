/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package config holds the configuration of a segmentation experiment: folders, model, diffusion, loss,
// optimizer and training hyperparameters.
//
// Configurations are loaded from YAML files, filled with the defaults of Default, and validated. They are
// converted to the configuration of each component (diffusion.Config, losses.Params, optim.Config,
// unet.Config) and published as context hyperparameters with ApplyToContext.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/diffusion"
	"github.com/gomlx/segdiff/losses"
	"github.com/gomlx/segdiff/metrics"
	"github.com/gomlx/segdiff/optim"
	"github.com/gomlx/segdiff/schedule"
	"github.com/gomlx/segdiff/unet"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of a segmentation experiment. The YAML keys are the ones accepted in experiment files.
type Config struct {
	ImagesFolder       string `yaml:"images_folder"`
	SegmentationFolder string `yaml:"segmentation_folder"`
	ResultsFolder      string `yaml:"results_folder"`

	// Model.
	Dim               int    `yaml:"dim"`
	DimMults          []int  `yaml:"dim_mults"`
	NumResidualBlocks int    `yaml:"num_residual_blocks"`
	Activation        string `yaml:"activation"`
	ImageSize         int    `yaml:"image_size"`

	// Loss.
	Margin                 float64 `yaml:"margin"`
	RegularizationMargin   float64 `yaml:"regularization_margin"`
	RegularizeToWhiteImage bool    `yaml:"regularize_to_white_image"`
	LossType               string  `yaml:"loss_type"`
	IsLossTimeDependent    bool    `yaml:"is_loss_time_dependent"`

	// Diffusion.
	Timesteps         int     `yaml:"timesteps"`
	SamplingTimesteps int     `yaml:"sampling_timesteps"`
	NoisingTimesteps  int     `yaml:"noising_timesteps"`
	DDIMSamplingEta   float64 `yaml:"ddim_sampling_eta"`
	BetaSchedule      string  `yaml:"beta_schedule"`
	Objective         string  `yaml:"objective"`
	SelfCondition     bool    `yaml:"self_condition"`
	P2LossWeightGamma float64 `yaml:"p2_loss_weight_gamma"`
	P2LossWeightK     float64 `yaml:"p2_loss_weight_k"`

	// Optimizer.
	Optimizer    string    `yaml:"optimizer"`
	AdamBetas    []float64 `yaml:"adam_betas"`
	LRDecay      float64   `yaml:"lr_decay"`
	WeightDecay  float64   `yaml:"weight_decay"`
	RMSPropAlpha float64   `yaml:"rms_prop_alpha"`
	Momentum     float64   `yaml:"momentum"`
	Etas         []float64 `yaml:"etas"`
	StepSizes    []float64 `yaml:"step_sizes"`
	ClipNorm     float64   `yaml:"clip_norm"`

	// Training.
	TrainBatchSize          int       `yaml:"train_batch_size"`
	GradientAccumulateEvery int       `yaml:"gradient_accumulate_every"`
	TrainLR                 float64   `yaml:"train_lr"`
	TrainNumSteps           int       `yaml:"train_num_steps"`
	ValidateEvery           int       `yaml:"validate_every"`
	SaveEvery               int       `yaml:"save_every"`
	DataSplit               []float64 `yaml:"data_split"`
	NumSamples              int       `yaml:"num_samples"`
	EMADecay                float64   `yaml:"ema_decay"`
	EMAUpdateEvery          int       `yaml:"ema_update_every"`
	LoadMilestone           int       `yaml:"load_milestone"`
	Seed                    int64     `yaml:"seed"`
	DataWorkers             int       `yaml:"data_workers"`

	// Evaluation.
	EvalMetrics []string `yaml:"eval_metrics"`
	Threshold   float64  `yaml:"threshold"`

	// KFold is set by KFold for the configuration of each fold: Fold is in [0, NumFolds).
	NumFolds int `yaml:"num_folds"`
	Fold     int `yaml:"fold"`
}

// Default returns the default configuration. Folders are left empty.
func Default() *Config {
	return &Config{
		Dim:                    64,
		DimMults:               []int{1, 2, 4, 8},
		NumResidualBlocks:      2,
		Activation:             "swish",
		ImageSize:              320,
		Margin:                 1.0,
		RegularizationMargin:   10.0,
		RegularizeToWhiteImage: true,
		LossType:               "regularized_triplet",
		Timesteps:              1000,
		SamplingTimesteps:      100,
		BetaSchedule:           "cosine",
		Objective:              "pred_noise",
		P2LossWeightK:          1,
		Optimizer:              "adam",
		AdamBetas:              []float64{0.9, 0.99},
		RMSPropAlpha:           0.99,
		Etas:                   []float64{0.5, 1.2},
		StepSizes:              []float64{1e-6, 50},
		ClipNorm:               optim.DefaultClipNorm,

		TrainBatchSize:          8,
		GradientAccumulateEvery: 2,
		TrainLR:                 8e-5,
		TrainNumSteps:           100_000,
		ValidateEvery:           2000,
		SaveEvery:               2000,
		DataSplit:               []float64{0.8, 0.1, 0.1},
		NumSamples:              25,
		EMADecay:                0.995,
		EMAUpdateEvery:          10,
		LoadMilestone:           0,
		Seed:                    42,
		EvalMetrics:             metrics.Names(),
		Threshold:               metrics.DefaultThreshold,
	}
}

// Load reads a YAML configuration file on top of the defaults, and validates it.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	return Parse(contents)
}

// Parse YAML contents on top of the defaults, and validates it.
func Parse(contents []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	cfg.ImagesFolder = data.ReplaceTildeInDir(cfg.ImagesFolder)
	cfg.SegmentationFolder = data.ReplaceTildeInDir(cfg.SegmentationFolder)
	cfg.ResultsFolder = data.ReplaceTildeInDir(cfg.ResultsFolder)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Set applies the settings, a ";"-separated list of "key=value" pairs, where each key is a YAML field of the
// configuration and the value is parsed as YAML (e.g. "train_lr=1e-4;dim_mults=[1,2,4]"). The result is
// validated. Unknown keys are a ConfigurationError.
func (c *Config) Set(settings string) error {
	var doc strings.Builder
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		key, value, found := strings.Cut(setting, "=")
		if !found || strings.TrimSpace(key) == "" {
			return segdiff.NewConfigurationError("set", setting, "settings must be of the form key=value")
		}
		fmt.Fprintf(&doc, "%s: %s\n", strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if doc.Len() == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(strings.NewReader(doc.String()))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return segdiff.NewConfigurationError("set", settings, "%v", err)
	}
	return c.Validate()
}

// Save writes the configuration as YAML, creating the parent directory if needed.
func (c *Config) Save(path string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to serialize configuration")
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "failed to write configuration to %q", path)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c2 := *c
	c2.DimMults = append([]int(nil), c.DimMults...)
	c2.AdamBetas = append([]float64(nil), c.AdamBetas...)
	c2.Etas = append([]float64(nil), c.Etas...)
	c2.StepSizes = append([]float64(nil), c.StepSizes...)
	c2.DataSplit = append([]float64(nil), c.DataSplit...)
	c2.EvalMetrics = append([]string(nil), c.EvalMetrics...)
	return &c2
}

func pair(field string, values []float64) ([2]float64, error) {
	if len(values) != 2 {
		return [2]float64{}, segdiff.NewConfigurationError(field, values, "requires exactly 2 values")
	}
	return [2]float64{values[0], values[1]}, nil
}

// Validate the configuration. It returns a segdiff.ConfigurationError (or UnknownMetricError) on the first
// invalid field found.
func (c *Config) Validate() error {
	if c.ImageSize <= 0 {
		return segdiff.NewConfigurationError("image_size", c.ImageSize, "must be > 0")
	}
	if c.TrainBatchSize <= 0 {
		return segdiff.NewConfigurationError("train_batch_size", c.TrainBatchSize, "must be > 0")
	}
	if c.TrainNumSteps < 0 {
		return segdiff.NewConfigurationError("train_num_steps", c.TrainNumSteps, "must be >= 0")
	}
	if c.ValidateEvery <= 0 {
		return segdiff.NewConfigurationError("validate_every", c.ValidateEvery, "must be > 0")
	}
	if c.SaveEvery <= 0 {
		return segdiff.NewConfigurationError("save_every", c.SaveEvery, "must be > 0")
	}
	if c.NumSamples <= 0 {
		return segdiff.NewConfigurationError("num_samples", c.NumSamples, "must be > 0")
	}
	if root := math.Sqrt(float64(c.NumSamples)); root != math.Floor(root) {
		return segdiff.NewConfigurationError("num_samples", c.NumSamples, "must have an integer square root")
	}
	if c.EMADecay < 0 || c.EMADecay >= 1 {
		return segdiff.NewConfigurationError("ema_decay", c.EMADecay, "must be in [0, 1)")
	}
	if c.EMAUpdateEvery <= 0 {
		return segdiff.NewConfigurationError("ema_update_every", c.EMAUpdateEvery, "must be > 0")
	}
	if c.LoadMilestone < 0 {
		return segdiff.NewConfigurationError("load_milestone", c.LoadMilestone, "must be >= 0, 0 means no loading")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return segdiff.NewConfigurationError("threshold", c.Threshold, "must be in [0, 1]")
	}
	if c.NumFolds > 0 && (c.Fold < 0 || c.Fold >= c.NumFolds) {
		return segdiff.NewConfigurationError("fold", c.Fold, "must be in [0, num_folds=%d)", c.NumFolds)
	}
	if err := validateSplit(c.DataSplit); err != nil {
		return err
	}
	if err := metrics.Validate(c.EvalMetrics); err != nil {
		return err
	}
	if _, err := c.LossFn(); err != nil {
		return err
	}
	if _, err := c.OptimizerConfig(); err != nil {
		return err
	}
	if _, err := c.DiffusionConfig(); err != nil {
		return err
	}
	if _, err := c.UNetConfig(); err != nil {
		return err
	}
	return nil
}

func validateSplit(split []float64) error {
	if len(split) != 3 {
		return segdiff.NewConfigurationError("data_split", split, "requires 3 proportions: train, validation and test")
	}
	var sum float64
	for _, p := range split {
		if p < 0 {
			return segdiff.NewConfigurationError("data_split", split, "proportions must be >= 0")
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return segdiff.NewConfigurationError("data_split", split, "proportions must sum to 1, got %g", sum)
	}
	return nil
}

func (c *Config) lossType() (losses.Type, error) {
	return losses.ParseType(c.LossType)
}

// LossParams returns the loss parameters.
func (c *Config) LossParams() (losses.Params, error) {
	if _, err := c.lossType(); err != nil {
		return losses.Params{}, err
	}
	params := losses.DefaultParams()
	params.Margin = c.Margin
	params.RegularizationMargin = c.RegularizationMargin
	params.RegularizeToWhite = c.RegularizeToWhiteImage
	if err := params.Validate(); err != nil {
		return losses.Params{}, err
	}
	return params, nil
}

// LossFn returns the configured loss function.
func (c *Config) LossFn() (losses.LossFn, error) {
	lossType, err := c.lossType()
	if err != nil {
		return nil, err
	}
	params, err := c.LossParams()
	if err != nil {
		return nil, err
	}
	return losses.FromType(lossType, params)
}

// OptimizerConfig returns the optimizer configuration, validated.
func (c *Config) OptimizerConfig() (optim.Config, error) {
	kind, err := optim.ParseKind(c.Optimizer)
	if err != nil {
		return optim.Config{}, err
	}
	cfg := optim.DefaultConfig(kind)
	cfg.LearningRate = c.TrainLR
	cfg.LRDecay = c.LRDecay
	cfg.WeightDecay = c.WeightDecay
	cfg.RMSPropAlpha = c.RMSPropAlpha
	cfg.Momentum = c.Momentum
	cfg.ClipNorm = c.ClipNorm
	cfg.AccumulateSteps = c.GradientAccumulateEvery
	if cfg.AdamBetas, err = pair("adam_betas", c.AdamBetas); err != nil {
		return optim.Config{}, err
	}
	if cfg.Etas, err = pair("etas", c.Etas); err != nil {
		return optim.Config{}, err
	}
	if cfg.StepSizes, err = pair("step_sizes", c.StepSizes); err != nil {
		return optim.Config{}, err
	}
	if err = cfg.Validate(); err != nil {
		return optim.Config{}, err
	}
	return cfg, nil
}

// DiffusionConfig returns the configuration of the diffusion process. Its ranges are validated by diffusion.New.
func (c *Config) DiffusionConfig() (diffusion.Config, error) {
	cfg := diffusion.DefaultConfig()
	var err error
	if cfg.Schedule, err = schedule.ParseKind(c.BetaSchedule); err != nil {
		return cfg, err
	}
	if cfg.Objective, err = diffusion.ParseObjective(c.Objective); err != nil {
		return cfg, err
	}
	if c.Timesteps <= 0 {
		return cfg, segdiff.NewConfigurationError("timesteps", c.Timesteps, "must be > 0")
	}
	if c.SamplingTimesteps > c.Timesteps {
		return cfg, segdiff.NewConfigurationError("sampling_timesteps", c.SamplingTimesteps,
			"must be <= timesteps=%d", c.Timesteps)
	}
	if c.NoisingTimesteps > c.Timesteps {
		return cfg, segdiff.NewConfigurationError("noising_timesteps", c.NoisingTimesteps,
			"must be <= timesteps=%d", c.Timesteps)
	}
	cfg.Timesteps = c.Timesteps
	cfg.SamplingTimesteps = c.SamplingTimesteps
	cfg.NoisingTimesteps = c.NoisingTimesteps
	cfg.DDIMEta = c.DDIMSamplingEta
	cfg.SelfCondition = c.SelfCondition
	cfg.P2Gamma = c.P2LossWeightGamma
	cfg.P2K = c.P2LossWeightK
	cfg.TimeDependentLoss = c.IsLossTimeDependent
	return cfg, nil
}

// UNetConfig returns the configuration of the default backbone.
func (c *Config) UNetConfig() (unet.Config, error) {
	cfg := unet.DefaultConfig()
	cfg.Dim = c.Dim
	cfg.DimMults = append([]int(nil), c.DimMults...)
	cfg.NumResidualBlocks = c.NumResidualBlocks
	cfg.Timesteps = c.Timesteps
	cfg.SelfCondition = c.SelfCondition
	model, err := unet.New(cfg)
	if err != nil {
		return cfg, err
	}
	if minSize := model.MinImageSize(); c.ImageSize%minSize != 0 {
		return cfg, segdiff.NewConfigurationError("image_size", c.ImageSize,
			"must be divisible by %d for dim_mults=%v", minSize, c.DimMults)
	}
	return cfg, nil
}

// ParamsExcludedFromLoading lists the context hyperparameters that are not restored from checkpoints.
var ParamsExcludedFromLoading = []string{
	"images_folder", "segmentation_folder", "results_folder", "train_num_steps", "load_milestone",
	"sampling_timesteps", "noising_timesteps", "ddim_sampling_eta",
}

// ApplyToContext publishes the hyperparameters as context parameters, so they are saved along with the
// checkpoints, and are used by the layers that read them (the optimizer learning rate and the activation).
func (c *Config) ApplyToContext(ctx *context.Context) {
	params := map[string]any{
		"images_folder":              c.ImagesFolder,
		"segmentation_folder":        c.SegmentationFolder,
		"results_folder":             c.ResultsFolder,
		"image_size":                 c.ImageSize,
		"loss_type":                  c.LossType,
		"timesteps":                  c.Timesteps,
		"sampling_timesteps":         c.SamplingTimesteps,
		"noising_timesteps":          c.NoisingTimesteps,
		"ddim_sampling_eta":          c.DDIMSamplingEta,
		"beta_schedule":              c.BetaSchedule,
		"objective":                  c.Objective,
		"train_batch_size":           c.TrainBatchSize,
		"gradient_accumulate_every":  c.GradientAccumulateEvery,
		"train_num_steps":            c.TrainNumSteps,
		"load_milestone":             c.LoadMilestone,
		"ema_decay":                  c.EMADecay,
		"ema_update_every":           c.EMAUpdateEvery,
		optimizers.ParamOptimizer:    c.Optimizer,
		optimizers.ParamLearningRate: c.TrainLR,
		activations.ParamActivation:  c.Activation,
	}
	for key, value := range params {
		ctx.SetParam(key, value)
	}
}

// String implements fmt.Stringer with the YAML representation.
func (c *Config) String() string {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<invalid config: %v>", err)
	}
	return string(contents)
}
