package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/losses"
	"github.com/gomlx/segdiff/optim"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	optCfg, err := cfg.OptimizerConfig()
	require.NoError(t, err)
	assert.Equal(t, optim.Adam, optCfg.Kind)
	assert.Equal(t, 2, optCfg.AccumulateSteps)
	assert.Equal(t, [2]float64{0.9, 0.99}, optCfg.AdamBetas)

	params, err := cfg.LossParams()
	require.NoError(t, err)
	assert.Equal(t, 10.0, params.RegularizationMargin)
	fn, err := cfg.LossFn()
	require.NoError(t, err)
	assert.NotNil(t, fn)

	diffCfg, err := cfg.DiffusionConfig()
	require.NoError(t, err)
	assert.Equal(t, 1000, diffCfg.Timesteps)
	assert.Equal(t, 100, diffCfg.SamplingTimesteps)
}

func TestParse(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg, err := Parse([]byte(`
images_folder: "~/data/images"
segmentation_folder: /data/masks
results_folder: /results
optimizer: rprop
etas: [0.4, 1.5]
loss_type: exact_triplet
margin: -1
dim_mults: [1, 2]
image_size: 64
data_split: [0.6, 0.2, 0.2]
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data/images"), cfg.ImagesFolder)
	assert.Equal(t, []int{1, 2}, cfg.DimMults)
	assert.Equal(t, losses.DynamicMargin, cfg.Margin)
	optCfg, err := cfg.OptimizerConfig()
	require.NoError(t, err)
	assert.Equal(t, optim.Rprop, optCfg.Kind)
	assert.Equal(t, [2]float64{0.4, 1.5}, optCfg.Etas)
	// Fields not given keep their defaults.
	assert.Equal(t, 8e-5, cfg.TrainLR)

	_, err = Parse([]byte("timesteps: [1, 2]"))
	require.Error(t, err)
}

func TestValidationErrors(t *testing.T) {
	for name, modify := range map[string]func(c *Config){
		"optimizer":          func(c *Config) { c.Optimizer = "sgd" },
		"loss_type":          func(c *Config) { c.LossType = "focal" },
		"beta_schedule":      func(c *Config) { c.BetaSchedule = "quadratic" },
		"objective":          func(c *Config) { c.Objective = "pred_eps" },
		"sampling_timesteps": func(c *Config) { c.SamplingTimesteps = 2000 },
		"noising_timesteps":  func(c *Config) { c.NoisingTimesteps = 2000 },
		"data_split_len":     func(c *Config) { c.DataSplit = []float64{0.9, 0.1} },
		"data_split_sum":     func(c *Config) { c.DataSplit = []float64{0.5, 0.1, 0.1} },
		"adam_betas":         func(c *Config) { c.AdamBetas = []float64{0.9} },
		"num_samples":        func(c *Config) { c.NumSamples = 24 },
		"image_size":         func(c *Config) { c.ImageSize = 100 },
		"ema_decay":          func(c *Config) { c.EMADecay = 1 },
		"accumulate":         func(c *Config) { c.GradientAccumulateEvery = 0 },
		"fold":               func(c *Config) { c.NumFolds, c.Fold = 3, 3 },
		"triplet_margin":     func(c *Config) { c.LossType, c.Margin = "triplet", -1 },
	} {
		cfg := Default()
		modify(cfg)
		err := cfg.Validate()
		assert.Truef(t, segdiff.IsConfigurationError(err), "case %q: %v", name, err)
	}

	cfg := Default()
	cfg.EvalMetrics = []string{"IoU", "accuracy"}
	assert.True(t, segdiff.IsUnknownMetricError(cfg.Validate()))
}

func TestSaveAndLoad(t *testing.T) {
	cfg := Default()
	cfg.ImagesFolder = "/images"
	cfg.SegmentationFolder = "/masks"
	cfg.ResultsFolder = "/results"
	cfg.Optimizer = "rmsprop"
	cfg.RMSPropAlpha = 0.9
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("loaded configuration differs (-saved +loaded):\n%s", diff)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestGenerateSamplingConfigs(t *testing.T) {
	base := Default()
	base.ResultsFolder = "/results"
	configs, folders, err := GenerateSamplingConfigs(base, &SamplingSweep{
		SamplingTimesteps: []int{10, 20},
		NoisingTimesteps:  []int{5},
		DDIMSamplingEta:   []float64{0.0},
		LoadMilestone:     []int{1, 2},
	})
	require.NoError(t, err)
	require.Len(t, configs, 4)
	assert.Equal(t, []string{
		"/results/st10_nt5_eta0_m1",
		"/results/st10_nt5_eta0_m2",
		"/results/st20_nt5_eta0_m1",
		"/results/st20_nt5_eta0_m2",
	}, folders)

	// Only the swept fields differ from the base configuration.
	want := base.Clone()
	want.SamplingTimesteps, want.NoisingTimesteps, want.LoadMilestone = 20, 5, 2
	if diff := cmp.Diff(want, configs[3]); diff != "" {
		t.Errorf("unexpected sampling configuration (-want +got):\n%s", diff)
	}
	assert.Equal(t, 100, base.SamplingTimesteps, "base configuration must not be modified")

	// Empty sweep: only the base configuration.
	configs, _, err = GenerateSamplingConfigs(base, &SamplingSweep{})
	require.NoError(t, err)
	require.Len(t, configs, 1)

	_, _, err = GenerateSamplingConfigs(base, &SamplingSweep{SamplingTimesteps: []int{5000}})
	assert.True(t, segdiff.IsConfigurationError(err))
}

func TestKFold(t *testing.T) {
	base := Default()
	base.ResultsFolder = "/results"
	configs, err := KFold(base, 3)
	require.NoError(t, err)
	require.Len(t, configs, 3)
	for fold, cfg := range configs {
		assert.Equal(t, fold, cfg.Fold)
		assert.Equal(t, 3, cfg.NumFolds)
		assert.Equal(t, filepath.Join("/results", FoldFolderName(fold)), cfg.ResultsFolder)
	}
	_, err = KFold(base, 1)
	assert.True(t, segdiff.IsConfigurationError(err))
}

func TestApplyToContext(t *testing.T) {
	cfg := Default()
	cfg.TrainLR = 1e-3
	ctx := context.New()
	cfg.ApplyToContext(ctx)
	assert.Equal(t, 1e-3, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, 1000, context.GetParamOr(ctx, "timesteps", 0))
}

func TestSet(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("train_lr=1e-4; dim_mults=[1,2,4] ;loss_type=triplet;"))
	assert.Equal(t, 1e-4, cfg.TrainLR)
	assert.Equal(t, []int{1, 2, 4}, cfg.DimMults)
	assert.Equal(t, "triplet", cfg.LossType)
	require.NoError(t, cfg.Set(""))

	assert.True(t, segdiff.IsConfigurationError(cfg.Set("no_such_field=1")))
	assert.True(t, segdiff.IsConfigurationError(cfg.Set("train_lr")))
	assert.True(t, segdiff.IsConfigurationError(cfg.Set("image_size=0")))
}
