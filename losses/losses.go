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

// Package losses implements the objectives used to train the segmentation diffusion model.
//
// They all take the backbone output as the anchor, the (optionally noised) segmentation mask as the positive
// and the (optionally noised) image as the negative, and share the signature of LossFn once
// configured with Params.
package losses

import (
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/segdiff"
)

// Reduction of the per-element losses.
type Reduction int

const (
	// None returns one loss per example, shaped `[batch_size]`: the mean over all other axes.
	None Reduction = iota

	// Mean returns the scalar mean over all elements.
	Mean

	// Sum returns the scalar sum over all elements.
	Sum
)

var reductionNames = map[string]Reduction{"none": None, "mean": Mean, "sum": Sum}

func (r Reduction) String() string {
	for name, value := range reductionNames {
		if value == r {
			return name
		}
	}
	return "unknown"
}

// ParseReduction converts "none", "mean" or "sum" to a Reduction.
func ParseReduction(name string) (Reduction, error) {
	r, found := reductionNames[name]
	if !found {
		return 0, segdiff.UnknownNameError("reduction", name, slices.Sorted(maps.Keys(reductionNames)))
	}
	return r, nil
}

// Reduce applies the reduction to per-element losses shaped `[batch_size, ...]`.
func Reduce(loss *Node, reduction Reduction) *Node {
	switch reduction {
	case None:
		if loss.Rank() <= 1 {
			return loss
		}
		axes := make([]int, 0, loss.Rank()-1)
		for axis := 1; axis < loss.Rank(); axis++ {
			axes = append(axes, axis)
		}
		return ReduceMean(loss, axes...)
	case Mean:
		return ReduceAllMean(loss)
	case Sum:
		return ReduceAllSum(loss)
	default:
		Panicf("unknown reduction %d", reduction)
	}
	return nil
}

// LossFn takes the backbone output (anchor), the positive and negative targets and returns the reduced loss.
type LossFn func(anchor, positive, negative *Node, reduction Reduction) *Node

// Type of the loss, as configured by "loss_type".
type Type int

const (
	TypeMSE Type = iota
	TypeTriplet
	TypeExactTriplet
	TypeDynamicMarginTriplet
	TypeRegularizedTriplet
)

var typeNames = map[string]Type{
	"mse":                    TypeMSE,
	"triplet":                TypeTriplet,
	"exact_triplet":          TypeExactTriplet,
	"triplet_dynamic_margin": TypeDynamicMarginTriplet,
	"regularized_triplet":    TypeRegularizedTriplet,
}

func (t Type) String() string {
	for name, value := range typeNames {
		if value == t {
			return name
		}
	}
	return "unknown"
}

// TypeNames returns the sorted names of the supported loss types.
func TypeNames() []string {
	return slices.Sorted(maps.Keys(typeNames))
}

// ParseType converts a loss type name to a Type. Unknown names return a segdiff.ConfigurationError.
func ParseType(name string) (Type, error) {
	t, found := typeNames[name]
	if !found {
		return 0, segdiff.UnknownNameError("loss_type", name, TypeNames())
	}
	return t, nil
}

// DynamicMargin used as Params.Margin makes ExactTripletMarginLoss use d(positive, negative) as margin.
const DynamicMargin = -1.0

// Params of the triplet losses.
type Params struct {
	// Margin of the triplet hinge. For ExactTripletMarginLoss a negative value (DynamicMargin) means the margin
	// is computed per row as d(positive, negative).
	Margin float64

	// RegularizationMargin of the hinges penalizing all-black and all-white predictions.
	RegularizationMargin float64

	// RegularizeToWhite enables the all-white penalty: the all-black one is always used.
	RegularizeToWhite bool

	// P is the norm degree of the pairwise distance, and Eps is added to the differences before the norm.
	P, Eps float64
}

// DefaultParams returns the default loss parameters.
func DefaultParams() Params {
	return Params{
		Margin:               1.0,
		RegularizationMargin: 10.0,
		RegularizeToWhite:    true,
		P:                    2.0,
		Eps:                  1e-6,
	}
}

// Validate returns a segdiff.ConfigurationError for invalid parameters.
func (p Params) Validate() error {
	if p.P <= 0 {
		return segdiff.NewConfigurationError("p", p.P, "norm degree must be > 0")
	}
	if p.Eps < 0 {
		return segdiff.NewConfigurationError("eps", p.Eps, "must be >= 0")
	}
	if p.RegularizationMargin < 0 {
		return segdiff.NewConfigurationError("regularization_margin", p.RegularizationMargin, "must be >= 0")
	}
	return nil
}

// FromType returns the LossFn of the given type, configured with params.
func FromType(t Type, params Params) (LossFn, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	switch t {
	case TypeMSE:
		return MSE, nil
	case TypeTriplet:
		if params.Margin < 0 {
			return nil, segdiff.NewConfigurationError("margin", params.Margin, "triplet loss requires margin >= 0")
		}
		return params.TripletMarginLoss, nil
	case TypeExactTriplet:
		return params.ExactTripletMarginLoss, nil
	case TypeDynamicMarginTriplet:
		return params.TripletLossDynamicMargin, nil
	case TypeRegularizedTriplet:
		return params.RegularizedTripletLoss, nil
	}
	return nil, segdiff.NewConfigurationError("loss_type", int(t), "unknown loss type")
}

// checkSameShapes panics if anchor, positive and negative (if not nil) shapes differ.
func checkSameShapes(anchor, positive, negative *Node) {
	if !anchor.Shape().Equal(positive.Shape()) {
		Panicf("anchor %s and positive %s shapes must be equal", anchor.Shape(), positive.Shape())
	}
	if negative != nil && !anchor.Shape().Equal(negative.Shape()) {
		Panicf("anchor %s and negative %s shapes must be equal", anchor.Shape(), negative.Shape())
	}
}

// MSE is the mean squared error between anchor and positive. negative is ignored and can be nil.
func MSE(anchor, positive, negative *Node, reduction Reduction) *Node {
	checkSameShapes(anchor, positive, nil)
	return Reduce(Square(Sub(anchor, positive)), reduction)
}

// DistanceAxis is the axis reduced by PairwiseDistance for inputs of the given rank: the width axis for
// images shaped `[batch_size, height, width, channels]`, or the last axis for lower ranks.
func DistanceAxis(rank int) int {
	if rank >= 4 {
		return rank - 2
	}
	return rank - 1
}

// PairwiseDistance returns ||x1 - x2 + eps||_p reduced over DistanceAxis.
// For images shaped `[batch_size, height, width, channels]` the result is shaped `[batch_size, height, channels]`.
func PairwiseDistance(x1, x2 *Node, p, eps float64) *Node {
	checkSameShapes(x1, x2, nil)
	g := x1.Graph()
	axis := DistanceAxis(x1.Rank())
	diff := Sub(x1, x2)
	if eps != 0 {
		diff = AddScalar(diff, eps)
	}
	if p == 2 {
		return Sqrt(ReduceSum(Square(diff), axis))
	}
	dtype := x1.DType()
	sum := ReduceSum(Pow(Abs(diff), Scalar(g, dtype, p)), axis)
	return Pow(sum, Scalar(g, dtype, 1/p))
}

// TripletMarginLoss is the standard triplet hinge: max(0, margin + d(a,p) - d(a,n)).
func (p Params) TripletMarginLoss(anchor, positive, negative *Node, reduction Reduction) *Node {
	checkSameShapes(anchor, positive, negative)
	dPos := PairwiseDistance(anchor, positive, p.P, p.Eps)
	dNeg := PairwiseDistance(anchor, negative, p.P, p.Eps)
	return Reduce(MaxScalar(AddScalar(Sub(dPos, dNeg), p.Margin), 0), reduction)
}

// exactHinge returns (margin + d(a,p) - d(a,n))², with the margin d(p,n) if dynamic.
func (p Params) exactHinge(anchor, positive, negative *Node, dynamic bool) *Node {
	checkSameShapes(anchor, positive, negative)
	dPos := PairwiseDistance(anchor, positive, p.P, p.Eps)
	dNeg := PairwiseDistance(anchor, negative, p.P, p.Eps)
	var hinge *Node
	if dynamic {
		margin := PairwiseDistance(positive, negative, p.P, p.Eps)
		hinge = Add(margin, Sub(dPos, dNeg))
	} else {
		hinge = AddScalar(Sub(dPos, dNeg), p.Margin)
	}
	return Square(hinge)
}

// ExactTripletMarginLoss is the squared, unclamped hinge (margin + d(a,p) - d(a,n))², so it is also minimized
// when the negative is farther than required. A negative Params.Margin uses the dynamic margin d(p,n).
func (p Params) ExactTripletMarginLoss(anchor, positive, negative *Node, reduction Reduction) *Node {
	return Reduce(p.exactHinge(anchor, positive, negative, p.Margin < 0), reduction)
}

// TripletLossDynamicMargin is ExactTripletMarginLoss always using the dynamic margin d(positive, negative).
func (p Params) TripletLossDynamicMargin(anchor, positive, negative *Node, reduction Reduction) *Node {
	return Reduce(p.exactHinge(anchor, positive, negative, true), reduction)
}

// RegularizedTripletLoss multiplies the dynamic margin triplet loss by penalties for predicting an all-black
// (zeros) or all-white (ones) image:
//
//	loss = hinge · (1 + max(0, m_r - d(a, black))) · (1 + max(0, m_r - d(a, white)))
//
// The white factor is only used if Params.RegularizeToWhite.
//
// The factors compound multiplicatively: a zero base hinge cancels both penalties.
func (p Params) RegularizedTripletLoss(anchor, positive, negative *Node, reduction Reduction) *Node {
	loss := p.exactHinge(anchor, positive, negative, true)
	// penalty is 1 + relu(m_r - d(anchor, target)): 1 once the prediction is at least m_r away from the
	// constant image, growing linearly as it gets closer. It scales the hinge, it never adds to it.
	penalty := func(target *Node) *Node {
		d := PairwiseDistance(anchor, target, p.P, p.Eps)
		return AddScalar(MaxScalar(Sub(Scalar(anchor.Graph(), anchor.DType(), p.RegularizationMargin), d), 0), 1)
	}
	loss = Mul(loss, penalty(ZerosLike(anchor)))
	if p.RegularizeToWhite {
		loss = Mul(loss, penalty(OnesLike(anchor)))
	}
	return Reduce(loss, reduction)
}
