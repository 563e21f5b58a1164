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

// Package metrics implements the evaluation metrics of predicted segmentation masks against their ground truth.
//
// Metrics take the predicted and ground-truth masks, with values in [0, 1], and a binarization threshold.
// They are registered by name, see Get.
package metrics

import (
	"math"
	"slices"

	"github.com/gomlx/segdiff"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mask holds the values of a mask flattened in row-major order, with the channels as the innermost axis.
type Mask struct {
	Values                  []float64
	Height, Width, Channels int
}

// NewMask returns the mask with the given dimensions, or a segdiff.ShapeMismatchError if the number of values
// doesn't match.
func NewMask(values []float64, height, width, channels int) (Mask, error) {
	if height*width*channels != len(values) || height < 0 || width < 0 || channels < 0 {
		return Mask{}, segdiff.NewShapeMismatchError("mask", []int{height, width, channels}, []int{len(values)})
	}
	return Mask{Values: values, Height: height, Width: width, Channels: channels}, nil
}

// Flat returns a mask of a single row and channel: spatial metrics see it as a 1×n image.
func Flat(values []float64) Mask {
	return Mask{Values: values, Height: 1, Width: len(values), Channels: 1}
}

func (m Mask) dims() []int { return []int{m.Height, m.Width, m.Channels} }

// Func is the signature of a metric: pred and gt must have the same dimensions.
type Func func(pred, gt Mask, threshold float64) float64

// Names of the registered metrics.
const (
	IoU  = "IoU"
	Dice = "Dice"
	SSIM = "SSIM"
	F1   = "F1"
	MAE  = "MAE"
)

// DefaultThreshold used to binarize masks.
const DefaultThreshold = 0.5

var registry = map[string]Func{
	IoU:  IntersectionOverUnion,
	Dice: DiceScore,
	SSIM: StructuralSimilarity,
	F1:   F1Score,
	MAE:  MeanAbsoluteError,
}

// Names returns the names of the registered metrics, in the order they are reported.
func Names() []string {
	return []string{IoU, Dice, SSIM, F1, MAE}
}

// Get returns the metric registered under name, or a segdiff.UnknownMetricError.
func Get(name string) (Func, error) {
	fn, found := registry[name]
	if !found {
		return nil, segdiff.NewUnknownMetricError(name, Names())
	}
	return fn, nil
}

// Validate checks that all names are registered metrics.
func Validate(names []string) error {
	for _, name := range names {
		if _, err := Get(name); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate computes the metrics of the given names.
func Evaluate(pred, gt Mask, threshold float64, names []string) (map[string]float64, error) {
	if !slices.Equal(pred.dims(), gt.dims()) || len(pred.Values) != len(gt.Values) {
		return nil, segdiff.NewShapeMismatchError("metrics", pred.dims(), gt.dims())
	}
	results := make(map[string]float64, len(names))
	for _, name := range names {
		fn, err := Get(name)
		if err != nil {
			return nil, err
		}
		results[name] = fn(pred, gt, threshold)
	}
	return results, nil
}

// Binarize returns which values are strictly above threshold.
func Binarize[T constraints.Float](values []T, threshold T) []bool {
	mask := make([]bool, len(values))
	for ii, v := range values {
		mask[ii] = v > threshold
	}
	return mask
}

// confusion counts true positives, false positives and false negatives of the binarized masks.
func confusion(pred, gt []float64, threshold float64) (tp, fp, fn float64) {
	p, g := Binarize(pred, threshold), Binarize(gt, threshold)
	for ii := range p {
		switch {
		case p[ii] && g[ii]:
			tp++
		case p[ii]:
			fp++
		case g[ii]:
			fn++
		}
	}
	return
}

// ratio returns num/den, or 1 if both are 0: two empty masks match perfectly.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 1
	}
	return num / den
}

// IntersectionOverUnion of the binarized masks.
func IntersectionOverUnion(pred, gt Mask, threshold float64) float64 {
	tp, fp, fn := confusion(pred.Values, gt.Values, threshold)
	return ratio(tp, tp+fp+fn)
}

// DiceScore of the binarized masks: 2·|P∩G| / (|P|+|G|).
func DiceScore(pred, gt Mask, threshold float64) float64 {
	tp, fp, fn := confusion(pred.Values, gt.Values, threshold)
	return ratio(2*tp, 2*tp+fp+fn)
}

// F1Score is the harmonic mean of precision and recall of the binarized prediction.
func F1Score(pred, gt Mask, threshold float64) float64 {
	tp, fp, fn := confusion(pred.Values, gt.Values, threshold)
	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// MeanAbsoluteError of the raw values, the threshold is not used.
func MeanAbsoluteError(pred, gt Mask, _ float64) float64 {
	if len(pred.Values) == 0 {
		return 0
	}
	diff := make([]float64, len(pred.Values))
	floats.SubTo(diff, pred.Values, gt.Values)
	for ii, d := range diff {
		diff[ii] = math.Abs(d)
	}
	return stat.Mean(diff, nil)
}

// SSIM stabilization constants for a data range of 1, and its Gaussian window.
const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03

	SSIMWindowSize = 11
	SSIMSigma      = 1.5
)

// StructuralSimilarity is the mean SSIM index of the raw values, computed on each channel with an 11×11
// Gaussian window (σ=1.5) at every position where the window fits in the mask. Masks smaller than the window
// in height or width are compared as a single window per channel. The threshold is not used.
func StructuralSimilarity(pred, gt Mask, _ float64) float64 {
	if len(pred.Values) == 0 {
		return 1
	}
	if pred.Height < SSIMWindowSize || pred.Width < SSIMWindowSize {
		var sum float64
		for c := range pred.Channels {
			sum += globalSSIM(pred.channel(c), gt.channel(c))
		}
		return sum / float64(pred.Channels)
	}
	window := gaussianWindow(SSIMWindowSize, SSIMSigma)
	var ssimMap []float64
	for c := range pred.Channels {
		p, g := pred.channel(c), gt.channel(c)
		h, w := pred.Height, pred.Width
		muP := filterValid(p, h, w, window)
		muG := filterValid(g, h, w, window)
		pp := make([]float64, len(p))
		gg := make([]float64, len(p))
		pg := make([]float64, len(p))
		floats.MulTo(pp, p, p)
		floats.MulTo(gg, g, g)
		floats.MulTo(pg, p, g)
		sqP := filterValid(pp, h, w, window)
		sqG := filterValid(gg, h, w, window)
		prodPG := filterValid(pg, h, w, window)
		for ii := range muP {
			varP := sqP[ii] - muP[ii]*muP[ii]
			varG := sqG[ii] - muG[ii]*muG[ii]
			covariance := prodPG[ii] - muP[ii]*muG[ii]
			ssimMap = append(ssimMap, ssimIndex(muP[ii], muG[ii], varP, varG, covariance))
		}
	}
	return stat.Mean(ssimMap, nil)
}

func ssimIndex(meanP, meanG, varP, varG, covariance float64) float64 {
	return ((2*meanP*meanG + ssimC1) * (2*covariance + ssimC2)) /
		((meanP*meanP + meanG*meanG + ssimC1) * (varP + varG + ssimC2))
}

// globalSSIM uses all values as one window of uniform weights.
func globalSSIM(pred, gt []float64) float64 {
	if len(pred) < 2 {
		return 1
	}
	meanP, varP := stat.PopMeanVariance(pred, nil)
	meanG, varG := stat.PopMeanVariance(gt, nil)
	n := float64(len(pred))
	covariance := stat.Covariance(pred, gt, nil) * (n - 1) / n
	return ssimIndex(meanP, meanG, varP, varG, covariance)
}

// channel returns the values of channel c as a height×width row-major slice.
func (m Mask) channel(c int) []float64 {
	if m.Channels == 1 {
		return m.Values
	}
	values := make([]float64, m.Height*m.Width)
	for ii := range values {
		values[ii] = m.Values[ii*m.Channels+c]
	}
	return values
}

// gaussianWindow returns the normalized 1D Gaussian weights: the 2D window is their outer product.
func gaussianWindow(size int, sigma float64) []float64 {
	window := make([]float64, size)
	center := float64(size-1) / 2
	for ii := range window {
		d := float64(ii) - center
		window[ii] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(window), window)
	return window
}

// filterValid convolves the height×width values with the separable window, keeping only the positions where
// the window fits: the result is (height-k+1)×(width-k+1).
func filterValid(values []float64, height, width int, window []float64) []float64 {
	k := len(window)
	outH, outW := height-k+1, width-k+1
	rows := make([]float64, height*outW)
	for y := range height {
		line := values[y*width : (y+1)*width]
		for x := range outW {
			rows[y*outW+x] = floats.Dot(window, line[x:x+k])
		}
	}
	filtered := make([]float64, outH*outW)
	column := make([]float64, height)
	for x := range outW {
		for y := range height {
			column[y] = rows[y*outW+x]
		}
		for y := range outH {
			filtered[y*outW+x] = floats.Dot(window, column[y:y+k])
		}
	}
	return filtered
}
