package report

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults(t *testing.T) *Results {
	r := New([]string{"IoU", "Dice"})
	require.NoError(t, r.Add(
		Row{Index: 0, Predicted: "gen/sample_0.png", GroundTruth: "gt/sample_0.png", Metrics: map[string]float64{"IoU": 0.5, "Dice": 0.6}},
		Row{Index: 1, Predicted: "gen/sample_1.png", GroundTruth: "gt/sample_1.png", Metrics: map[string]float64{"IoU": 1.0, "Dice": 0.8}},
	))
	return r
}

func TestResults(t *testing.T) {
	r := sampleResults(t)
	assert.Equal(t, 2, r.Len())
	means := r.Means()
	assert.InDelta(t, 0.75, means["IoU"], 1e-9)
	assert.InDelta(t, 0.7, means["Dice"], 1e-9)

	err := r.Add(Row{Index: 2, Metrics: map[string]float64{"IoU": 1}})
	require.Error(t, err, "rows missing a metric are rejected")
	assert.Equal(t, 2, r.Len())

	df := r.DataFrame()
	require.NoError(t, df.Err)
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []string{IndexColumn, PredictedColumn, GroundTruthColumn, OriginalImageColumn, "IoU", "Dice"}, df.Names())

	assert.Empty(t, New([]string{"IoU"}).Means())
}

func TestWriteCSV(t *testing.T) {
	r := sampleResults(t)
	dir := t.TempDir()
	resultsPath := filepath.Join(dir, "testing", "evaluation_results.csv")
	require.NoError(t, r.WriteCSV(resultsPath))
	contents, err := os.ReadFile(resultsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "index,predicted_segmentation,ground_truth_segmentation,original_image,IoU,Dice", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "1,gen/sample_1.png,gt/sample_1.png,"))

	meansPath := filepath.Join(dir, "testing", "evaluation_means.csv")
	require.NoError(t, r.WriteMeansCSV(meansPath))
	means, err := ReadMeansCSV(meansPath)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, means["IoU"], 1e-6)
	assert.InDelta(t, 0.7, means["Dice"], 1e-6)

	_, err = ReadMeansCSV(filepath.Join(dir, "missing.csv"))
	require.Error(t, err)
}

func TestPrintSummaryAndComparison(t *testing.T) {
	var buf bytes.Buffer
	sampleResults(t).PrintSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "IoU")
	assert.Contains(t, out, "0.7500")
	assert.Contains(t, out, "0.7000")

	buf.Reset()
	require.NoError(t, PrintComparison(&buf, []string{"IoU", "SSIM"}, []string{"st10", "st20"},
		[]map[string]float64{{"IoU": 0.5, "SSIM": 0.25}, {"IoU": 0.125}}))
	out = buf.String()
	assert.Contains(t, out, "st20")
	assert.Contains(t, out, "0.1250")
	assert.Contains(t, out, "-")

	require.Error(t, PrintComparison(&buf, nil, []string{"a"}, nil))
}

// writeFoldLosses saves the validation loss history of each milestone in foldDir, with an empty state file.
func writeFoldLosses(t *testing.T, foldDir string, histories map[int][]checkpoint.LossEntry) {
	require.NoError(t, os.MkdirAll(foldDir, 0o755))
	for milestone, entries := range histories {
		require.NoError(t, os.WriteFile(filepath.Join(foldDir, fmt.Sprintf("state-%d.json", milestone)), []byte("{}"), 0o644))
		h := &checkpoint.LossHistory{}
		for _, e := range entries {
			h.Append(e.Step, e.Loss)
		}
		f, err := os.Create(filepath.Join(foldDir, fmt.Sprintf("validation_loss-%d.csv", milestone)))
		require.NoError(t, err)
		require.NoError(t, h.WriteCSV(f))
		require.NoError(t, f.Close())
	}
}

func TestMergeFoldValidationLosses(t *testing.T) {
	dir := t.TempDir()
	writeFoldLosses(t, filepath.Join(dir, "fold_0"), map[int][]checkpoint.LossEntry{
		1: {{Step: 10, Loss: 0.9}},
		2: {{Step: 10, Loss: 0.5}, {Step: 20, Loss: 0.4}},
	})
	writeFoldLosses(t, filepath.Join(dir, "fold_1"), map[int][]checkpoint.LossEntry{
		3: {{Step: 30, Loss: 0.3}, {Step: 10, Loss: 0.6}},
	})

	merged, err := MergeFoldValidationLosses(dir, []string{"fold_0", "fold_1"})
	require.NoError(t, err)
	assert.Equal(t, []string{StepColumn, "loss_fold_0", "loss_fold_1"}, merged.Names())
	steps, err := merged.Col(StepColumn).Int()
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30}, steps)
	fold0, fold1 := merged.Col("loss_fold_0").Float(), merged.Col("loss_fold_1").Float()
	assert.InDelta(t, 0.5, fold0[0], 1e-9, "the last milestone of each fold is used")
	assert.InDelta(t, 0.4, fold0[1], 1e-9)
	assert.True(t, math.IsNaN(fold0[2]))
	assert.InDelta(t, 0.6, fold1[0], 1e-9)
	assert.True(t, math.IsNaN(fold1[1]))
	assert.InDelta(t, 0.3, fold1[2], 1e-9)

	f, err := os.Open(filepath.Join(dir, FoldLossesFile))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	written := dataframe.ReadCSV(f)
	require.NoError(t, written.Err)
	assert.Equal(t, merged.Names(), written.Names())
	assert.Equal(t, 3, written.Nrow())

	_, err = MergeFoldValidationLosses(dir, []string{"fold_0", "fold_7"})
	assert.True(t, segdiff.IsCheckpointNotFoundError(err))
	_, err = MergeFoldValidationLosses(dir, nil)
	require.Error(t, err)
}
