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

package training

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/dataset"
	"github.com/gomlx/segdiff/diffusion"
	"github.com/gomlx/segdiff/metrics"
	"github.com/gomlx/segdiff/report"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SampleFileName returns the file name of the sample with the given index.
func SampleFileName(idx int) string { return fmt.Sprintf("sample_%d.png", idx) }

// BatchOutput selects the folders where InferBatch writes its images. Empty folders are not written.
type BatchOutput struct {
	Generated, GroundTruths, OriginalImages string
}

// samplerForInference returns the sampler using the moving average of the weights, or the weights themselves
// if no optimizer step was taken yet (the average is only defined after the first step).
func (t *Trainer) samplerForInference() *diffusion.Sampler {
	useEMA := t.Step() > 0
	if t.sampler == nil || t.samplerUsesEMA != useEMA {
		samplingCtx := t.ctx
		if useEMA {
			samplingCtx = t.ctx.In(EMAScope)
		}
		t.graphsBuilt = true
		t.sampler = t.process.NewSampler(t.backend, samplingCtx)
		t.samplerUsesEMA = useEMA
	}
	return t.sampler
}

// Sample generates the masks of a batch of images (values in [0, 1], shaped `[batch_size, size, size, 3]`).
// The returned masks have the same shape, with values in [0, 1].
func (t *Trainer) Sample(images *tensors.Tensor) (*tensors.Tensor, error) {
	return t.samplerForInference().Sample(images.Shape(), images)
}

// samplePaths returns the paths of the samples [start, start+n) in dir, or nil if dir is empty.
func samplePaths(dir string, start, n int) []string {
	if dir == "" {
		return nil
	}
	paths := make([]string, n)
	for ii := range paths {
		paths[ii] = filepath.Join(dir, SampleFileName(start+ii))
	}
	return paths
}

// InferBatch generates the masks of a batch of images and writes them as sample_<startIdx+i>.png in
// out.Generated. Ground truths (if given) and the original images are written to out.GroundTruths and
// out.OriginalImages, if set.
//
// If groundTruths is given and metricNames is not empty, each generated mask is evaluated against its ground
// truth and the rows are returned.
func (t *Trainer) InferBatch(images, groundTruths *tensors.Tensor, out BatchOutput, startIdx int, metricNames []string) ([]report.Row, error) {
	if groundTruths != nil {
		if err := diffusion.CheckShapes(images.Shape(), groundTruths.Shape()); err != nil {
			return nil, err
		}
	}
	predictions, err := t.Sample(images)
	if err != nil {
		return nil, err
	}
	defer predictions.FinalizeAll()
	batchSize := images.Shape().Dimensions[0]

	generatedPaths := samplePaths(out.Generated, startIdx, batchSize)
	if generatedPaths != nil {
		if err = dataset.SaveImages(predictions, generatedPaths); err != nil {
			return nil, err
		}
	}
	var gtPaths, imagePaths []string
	if groundTruths != nil {
		if gtPaths = samplePaths(out.GroundTruths, startIdx, batchSize); gtPaths != nil {
			if err = dataset.SaveImages(groundTruths, gtPaths); err != nil {
				return nil, err
			}
		}
	}
	if imagePaths = samplePaths(out.OriginalImages, startIdx, batchSize); imagePaths != nil {
		if err = dataset.SaveImages(images, imagePaths); err != nil {
			return nil, err
		}
	}

	if groundTruths == nil || len(metricNames) == 0 {
		return nil, nil
	}
	predValues := tensors.CopyFlatData[float32](predictions)
	gtValues := tensors.CopyFlatData[float32](groundTruths)
	sampleSize := len(predValues) / batchSize
	dims := predictions.Shape().Dimensions
	height, width := dims[1], dims[2]
	channels := sampleSize / (height * width)
	rows := make([]report.Row, batchSize)
	for ii := range rows {
		from, to := ii*sampleSize, (ii+1)*sampleSize
		pred, err := metrics.NewMask(toFloat64(predValues[from:to]), height, width, channels)
		if err != nil {
			return nil, err
		}
		gt, err := metrics.NewMask(toFloat64(gtValues[from:to]), height, width, channels)
		if err != nil {
			return nil, err
		}
		results, err := t.Evaluate(pred, gt, metricNames)
		if err != nil {
			return nil, err
		}
		rows[ii] = report.Row{Index: startIdx + ii, Metrics: results}
		if generatedPaths != nil {
			rows[ii].Predicted = generatedPaths[ii]
		}
		if gtPaths != nil {
			rows[ii].GroundTruth = gtPaths[ii]
		}
		if imagePaths != nil {
			rows[ii].OriginalImage = imagePaths[ii]
		}
	}
	return rows, nil
}

func toFloat64(values []float32) []float64 {
	converted := make([]float64, len(values))
	for ii, v := range values {
		converted[ii] = float64(v)
	}
	return converted
}

// Evaluate the predicted mask against the ground truth with the named metrics (see package metrics), using the
// configured binarization threshold. Unknown names return a segdiff.UnknownMetricError.
func (t *Trainer) Evaluate(pred, gt metrics.Mask, metricNames []string) (map[string]float64, error) {
	return metrics.Evaluate(pred, gt, t.cfg.Threshold, metricNames)
}

// Test generates the masks of the test dataset and evaluates them with the configured metrics. If ds is nil
// the test split is used. Results are written under resultsFolder (the configured results folder if empty):
// the images in testing/{generated,ground_truths,original_images}, the per-sample rows in
// testing/evaluation_results.csv and the means in testing/evaluation_means.csv.
func (t *Trainer) Test(ds *dataset.Dataset, resultsFolder string) (*report.Results, error) {
	cfg := t.cfg
	if ds == nil {
		if err := t.loadData(); err != nil {
			return nil, err
		}
		if len(t.split.Test) == 0 {
			return nil, segdiff.NewConfigurationError("data_split", cfg.DataSplit, "test split is empty")
		}
		ds = dataset.New("test", t.folder, t.split.Test, cfg.ImageSize, cfg.TrainBatchSize)
	}
	if !ds.HasMasks() {
		return nil, errors.Errorf("test dataset %q has no segmentation masks", ds.Name())
	}
	if resultsFolder == "" {
		resultsFolder = cfg.ResultsFolder
	}
	testingDir := filepath.Join(resultsFolder, TestingFolder)
	out := BatchOutput{
		Generated:      filepath.Join(testingDir, GeneratedFolder),
		GroundTruths:   filepath.Join(testingDir, GroundTruthFolder),
		OriginalImages: filepath.Join(testingDir, ImageFolder),
	}

	klog.Infof("Testing %d samples", ds.Len())
	ds.Reset()
	results := report.New(cfg.EvalMetrics)
	for start := 0; ; {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows, err := t.InferBatch(inputs[0], inputs[1], out, start, cfg.EvalMetrics)
		if err != nil {
			return nil, errors.WithMessagef(err, "testing samples from %d", start)
		}
		if err = results.Add(rows...); err != nil {
			return nil, err
		}
		start += inputs[0].Shape().Dimensions[0]
		for _, input := range inputs {
			input.FinalizeAll()
		}
	}
	if err := results.WriteCSV(filepath.Join(testingDir, ResultsFile)); err != nil {
		return nil, err
	}
	if err := results.WriteMeansCSV(filepath.Join(testingDir, MeansFile)); err != nil {
		return nil, err
	}
	results.PrintSummary(t.output)
	return results, nil
}

// InferFolder generates the masks of all images in dir, writing them to <outDir>/generated, and the resized
// images to <outDir>/original_images.
func (t *Trainer) InferFolder(dir, outDir string) error {
	ds, err := dataset.NewImagesDataset("infer", dir, t.cfg.ImageSize, t.cfg.TrainBatchSize)
	if err != nil {
		return err
	}
	out := BatchOutput{
		Generated:      filepath.Join(outDir, GeneratedFolder),
		OriginalImages: filepath.Join(outDir, ImageFolder),
	}
	klog.Infof("Inferring %d images from %s in %d batches", ds.Len(), dir, ds.NumBatches())
	for start := 0; ; {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err = t.InferBatch(inputs[0], nil, out, start, nil); err != nil {
			return errors.WithMessagef(err, "inferring images of %q from %d", dir, start)
		}
		start += inputs[0].Shape().Dimensions[0]
		inputs[0].FinalizeAll()
	}
}

// InferImage generates the mask of the image in path, resized and center-cropped to the configured size, and
// writes it to outPath.
func (t *Trainer) InferImage(path, outPath string) error {
	images, err := dataset.LoadTensor([]string{path}, t.cfg.ImageSize)
	if err != nil {
		return err
	}
	defer images.FinalizeAll()
	mask, err := t.Sample(images)
	if err != nil {
		return errors.WithMessagef(err, "inferring %q", path)
	}
	defer mask.FinalizeAll()
	return dataset.SaveImages(mask, []string{outPath})
}
