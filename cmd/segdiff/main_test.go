package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/config"
	"github.com/gomlx/segdiff/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte("image_size: 64\ntrain_lr: 0.001\n"), 0o644))
	flagConfig, flagSettings = path, "train_lr=0.002;seed=7"
	defer func() { flagConfig, flagSettings = "", "" }()

	cfg, err := loadConfig(3)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.ImageSize)
	assert.Equal(t, 0.002, cfg.TrainLR)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 3, cfg.LoadMilestone)

	flagSettings = "image_size=-1"
	_, err = loadConfig(0)
	assert.True(t, segdiff.IsConfigurationError(err))
}

func TestFoldLossesCmd(t *testing.T) {
	dir := t.TempDir()
	for fold, loss := range []string{"0.5", "0.7"} {
		foldDir := filepath.Join(dir, config.FoldFolderName(fold))
		require.NoError(t, os.MkdirAll(foldDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(foldDir, "state-1.json"), []byte("{}"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(foldDir, "validation_loss-1.csv"),
			[]byte("step,loss\n100,"+loss+"\n"), 0o644))
	}
	cmd := newFoldLossesCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{dir, "--k", "2"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "1 validation steps of 2 folds")
	contents, err := os.ReadFile(filepath.Join(dir, report.FoldLossesFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(contents), "step,loss_fold_0,loss_fold_1\n"))

	cmd = newFoldLossesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{dir, "--k", "3"})
	assert.True(t, segdiff.IsCheckpointNotFoundError(cmd.Execute()))
}
