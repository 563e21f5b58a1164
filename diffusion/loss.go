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

package diffusion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/losses"
)

// SelfConditionProbability is the fraction of training steps where the self-conditioning input is used.
const SelfConditionProbability = 0.5

// CheckShapes returns a segdiff.ShapeMismatchError if the image and mask shapes differ.
func CheckShapes(image, mask shapes.Shape) error {
	if !image.Equal(mask) {
		return segdiff.NewShapeMismatchError("", image.Dimensions, mask.Dimensions)
	}
	return nil
}

// SampleTimesteps draws one timestep per example, uniformly from [0, T-1]. Returned shape is `[batchSize]`, int32.
func (p *Process) SampleTimesteps(ctx *context.Context, g *Graph, batchSize int) *Node {
	numSteps := float64(p.cfg.Timesteps)
	u := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize))
	t := ClipScalar(Floor(MulScalar(u, numSteps)), 0, numSteps-1)
	return ConvertDType(t, dtypes.Int32)
}

// P2LossWeight returns the loss weight of each timestep t, shaped like the per-example loss.
func (p *Process) P2LossWeight(t, perExampleLoss *Node) *Node {
	return Extract(p.p2Weight, t, perExampleLoss)
}

// TrainingLoss builds the segmentation training loss for images and their masks, both shaped
// `[batch_size, height, width, channels]`. Images must already be normalized to [-1, 1], masks are in [0, 1].
//
// A timestep is drawn per example, images are noised to it, and the backbone output is used as the anchor of
// lossFn, with the mask as positive and the image as negative (or their noised versions if
// Config.TimeDependentLoss). The per-example losses are re-weighted by P2LossWeight and averaged.
//
// It panics with a segdiff.ShapeMismatchError if images and masks shapes differ.
func (p *Process) TrainingLoss(ctx *context.Context, images, masks *Node, lossFn losses.LossFn) *Node {
	if err := CheckShapes(images.Shape(), masks.Shape()); err != nil {
		panic(err)
	}
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	t := p.SampleTimesteps(ctx, g, batchSize)
	loss, _ := p.TrainingLossAt(ctx, images, masks, t, ctx.RandomNormal(g, images.Shape()), lossFn)
	return loss
}

// TrainingLossAt is TrainingLoss with given timesteps and noise. It also returns the per-example weighted loss.
func (p *Process) TrainingLossAt(ctx *context.Context, images, masks, t, noise *Node, lossFn losses.LossFn) (loss, perExample *Node) {
	if err := CheckShapes(images.Shape(), masks.Shape()); err != nil {
		panic(err)
	}
	g := images.Graph()
	x := p.QSample(images, t, noise)

	var selfCond *Node
	if p.cfg.SelfCondition {
		// A single draw for the whole batch: with probability 1-SelfConditionProbability it is zeroed.
		selfCond = StopGradient(p.PredictStartFromNoise(x, t, noise))
		useIt := LessThan(
			ctx.RandomUniform(g, shapes.Make(images.DType())),
			Scalar(g, images.DType(), SelfConditionProbability))
		selfCond = Mul(selfCond, ConvertDType(useIt, images.DType()))
	}
	modelOut := p.backbone.Predict(ctx, x, t, selfCond)

	positive, negative := masks, images
	if p.cfg.TimeDependentLoss {
		positive, negative = p.QSample(masks, t, noise), x
	}
	perExample = lossFn(modelOut, positive, negative, losses.None)
	perExample = Mul(perExample, p.P2LossWeight(t, perExample))
	loss = ReduceAllMean(perExample)
	return
}
