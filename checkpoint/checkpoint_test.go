package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/optim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLossHistory(t *testing.T) {
	h := &LossHistory{}
	_, found := h.Last()
	assert.False(t, found)
	h.Append(1, 0.5)
	h.Append(2, 0.25)
	h.Append(2, 0.2)
	h.Append(5, 0.125)
	h.Append(3, 1.0 / 3.0)
	require.Equal(t, 4, h.Len())
	last, found := h.Last()
	require.True(t, found)
	assert.Equal(t, LossEntry{5, 0.125}, last)
	assert.Equal(t, []LossEntry{{1, 0.5}, {2, 0.2}, {3, 1.0 / 3.0}, {5, 0.125}}, h.Entries())

	var buf bytes.Buffer
	require.NoError(t, h.WriteCSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "step,loss\n1,0.5\n"))
	h2, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.Entries(), h2.Entries())

	h.TruncateAfter(2)
	assert.Equal(t, 2, h.Len())
}

func TestReadCSVWithIndexColumn(t *testing.T) {
	h, err := ReadCSV(strings.NewReader(",epoch,loss\n0,10,0.5\n1,20,0.4\n"))
	require.NoError(t, err)
	assert.Equal(t, []LossEntry{{10, 0.5}, {20, 0.4}}, h.Entries())

	_, err = ReadCSV(strings.NewReader("a,b\n1,2\n"))
	require.Error(t, err)
	_, err = ReadCSV(strings.NewReader("step,loss\n1,abc\n"))
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.SetParam("train_lr", 0.01)
	ctx.SetParam("results_folder", dir)
	ctx.In("unet").VariableWithValue("w", []float32{1, 2, 3})

	cp := &Checkpoint{
		State:          State{Step: 20, Milestone: 2, RunID: NewRunID()},
		TrainingLoss:   &LossHistory{},
		ValidationLoss: &LossHistory{},
	}
	cp.TrainingLoss.Append(19, 0.75)
	cp.ValidationLoss.Append(10, 0.5)
	require.NoError(t, Save(ctx, dir, cp, "results_folder"))
	assert.DirExists(t, ModelDir(dir, 2))
	assert.FileExists(t, filepath.Join(dir, "training_loss-2.csv"))
	assert.FileExists(t, filepath.Join(dir, "validation_loss-2.csv"))

	// A second milestone, without histories.
	require.NoError(t, Save(ctx, dir, &Checkpoint{State: State{Step: 30, Milestone: 3}}))
	milestones, err := Milestones(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, milestones)
	last, err := LastMilestone(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, last)

	ctx2 := context.New()
	loaded, err := Load(ctx2, dir, 2, "results_folder")
	require.NoError(t, err)
	assert.Equal(t, cp.State.Step, loaded.Step)
	assert.Equal(t, cp.RunID, loaded.RunID)
	assert.Equal(t, cp.TrainingLoss.Entries(), loaded.TrainingLoss.Entries())
	assert.Equal(t, cp.ValidationLoss.Entries(), loaded.ValidationLoss.Entries())
	assert.Equal(t, 0.01, context.GetParamOr(ctx2, "train_lr", 0.0))
	_, found := ctx2.GetParam("results_folder")
	assert.False(t, found, "excluded params must not be loaded")

	// Variables are loaded from the checkpoint when first accessed.
	w := ctx2.In("unet").GetVariable("w")
	require.NotNil(t, w)
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](w.Value()))
	assert.Panics(t, func() { ctx2.In("unet").VariableWithValue("w", []float32{0, 0, 0}) },
		"a loaded variable must not be created again in a checked context")
}

func TestCheckpointNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(context.New(), dir, 7)
	require.Error(t, err)
	assert.True(t, segdiff.IsCheckpointNotFoundError(err))

	_, err = LastMilestone(dir)
	assert.True(t, segdiff.IsCheckpointNotFoundError(err))
	_, err = LastMilestone(filepath.Join(dir, "missing"))
	assert.True(t, segdiff.IsCheckpointNotFoundError(err))

	// State file without the model directory.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state-7.json"), []byte(`{"step": 1}`), 0o644))
	_, err = Load(context.New(), dir, 7)
	assert.True(t, segdiff.IsCheckpointNotFoundError(err))
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	ctx.In("unet").VariableWithValue("w", []float32{1, 2, 3})
	ctx.In("ema").In("unet").VariableWithValue("w", []float32{1, 2, 3})
	cp := &Checkpoint{
		State:          State{Step: 20, Milestone: 1, RunID: "run"},
		TrainingLoss:   &LossHistory{},
		ValidationLoss: &LossHistory{},
	}
	cp.TrainingLoss.Append(20, 0.75)
	require.NoError(t, Save(ctx, dir, cp))

	s, err := Summarize(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 20, s.Step)
	assert.Equal(t, "run", s.RunID)
	// Totals include the int64 global step written by Save; model counts only "/unet/w".
	assert.Equal(t, 3, s.NumVariables)
	assert.Equal(t, 7, s.NumParameters)
	assert.Equal(t, 1, s.ModelVariables)
	assert.Equal(t, 3, s.ModelParameters)
	assert.Equal(t, uint64(3*4+3*4+8), s.Memory)
	assert.True(t, s.HasTrainingLoss)
	assert.Equal(t, 0.75, s.LastTrainingLoss)
	assert.False(t, s.HasValidationLoss)

	var buf bytes.Buffer
	require.NoError(t, PrintSummaries(&buf, dir))
	assert.Contains(t, buf.String(), "0.75")
	assert.Contains(t, buf.String(), "run")
}

func TestIsExcluded(t *testing.T) {
	for key, want := range map[string]bool{
		"var:/unet/w":                         false,
		"var:/unet/down_0/conv/weights":       false,
		"var:/ema/unet/w":                     true,
		"var:/" + optim.Scope + "/unet/w_sum": true,
		"var:/optimizers/adam/unet/w":         true,
		"var://global_step":                   true,
		"var:/emax/w":                         false,
	} {
		assert.Equal(t, want, isExcluded(key), "isExcluded(%q)", key)
	}
}
