package sweep

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/config"
	"github.com/gomlx/segdiff/training"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func makeConfigs(n int) []*config.Config {
	configs := make([]*config.Config, n)
	for ii := range configs {
		configs[ii] = config.Default()
		configs[ii].Seed = int64(ii)
	}
	return configs
}

func TestRunOrderAndLimit(t *testing.T) {
	var active, maxActive atomic.Int32
	results, err := Run(context.Background(), makeConfigs(10), 3,
		func(_ context.Context, idx int, cfg *config.Config) (int64, error) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return cfg.Seed * 10, nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, results)
	assert.LessOrEqual(t, maxActive.Load(), int32(3))
}

func TestRunFirstErrorCancels(t *testing.T) {
	_, err := Run(context.Background(), makeConfigs(8), 2,
		func(ctx context.Context, idx int, _ *config.Config) (struct{}, error) {
			if idx == 0 {
				return struct{}{}, errors.New("boom")
			}
			select {
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			case <-time.After(2 * time.Second):
				return struct{}{}, nil
			}
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func writeDataset(t *testing.T, n int) (imagesDir, masksDir string) {
	root := t.TempDir()
	imagesDir, masksDir = filepath.Join(root, "images"), filepath.Join(root, "masks")
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))
	require.NoError(t, os.MkdirAll(masksDir, 0o755))
	for ii := range n {
		name := string(rune('a'+ii)) + ".png"
		require.NoError(t, imaging.Save(imaging.New(8, 8, color.NRGBA{R: 100, G: 100, B: 100, A: 255}),
			filepath.Join(imagesDir, name)))
		require.NoError(t, imaging.Save(imaging.New(8, 8, color.NRGBA{R: 255, G: 255, B: 255, A: 255}),
			filepath.Join(masksDir, name)))
	}
	return
}

func TestSampling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	base := config.Default()
	base.ImagesFolder, base.SegmentationFolder = writeDataset(t, 8)
	base.ResultsFolder = t.TempDir()
	base.Dim, base.DimMults, base.NumResidualBlocks = 4, []int{1, 2}, 1
	base.ImageSize = 8
	base.Timesteps, base.SamplingTimesteps, base.NoisingTimesteps = 10, 2, 5
	base.TrainBatchSize, base.GradientAccumulateEvery = 2, 1
	base.TrainNumSteps, base.ValidateEvery, base.SaveEvery = 2, 2, 2
	base.NumSamples = 4
	base.DataSplit = []float64{0.5, 0.25, 0.25}
	base.DataWorkers = 1
	require.NoError(t, base.Validate())

	// No checkpoint yet.
	_, err := Sampling(context.Background(), backend, base, &config.SamplingSweep{}, 1, nil)
	assert.True(t, segdiff.IsCheckpointNotFoundError(err))

	if testing.Short() {
		t.Skip("skipping training in short mode")
	}
	trainer, err := training.New(base, backend, nil, training.WithProgressBar(false))
	require.NoError(t, err)
	require.NoError(t, trainer.Train())

	var buf bytes.Buffer
	results, err := Sampling(context.Background(), backend, base,
		&config.SamplingSweep{SamplingTimesteps: []int{1, 2}}, 2, &buf)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "st1_nt5_eta0_m1", results[0].Name)
	assert.Equal(t, "st2_nt5_eta0_m1", results[1].Name)
	for _, r := range results {
		assert.FileExists(t, filepath.Join(r.ResultsFolder, training.TestingFolder, training.ResultsFile))
		assert.FileExists(t, filepath.Join(r.ResultsFolder, training.ConfigFile))
		assert.Len(t, r.Means, len(base.EvalMetrics))
	}
	assert.Contains(t, buf.String(), "st2_nt5_eta0_m1")
}
