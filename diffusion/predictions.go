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
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Prediction of the model: the noise and x_0. One of them comes from the backbone, the other derived from it.
type Prediction struct {
	Noise, XStart *Node
}

// QSample noises xStart to timesteps t: sqrt(ᾱ_t)·x_0 + sqrt(1-ᾱ_t)·noise.
func (p *Process) QSample(xStart, t, noise *Node) *Node {
	if noise == nil {
		exceptions.Panicf("Process.QSample requires noise, use QSampleRandom to sample it")
	}
	return Add(
		Mul(Extract(p.schedule.SqrtAlphasCumprod(), t, xStart), xStart),
		Mul(Extract(p.schedule.SqrtOneMinusAlphasCumprod(), t, xStart), noise))
}

// QSampleRandom is like QSample, with noise sampled from a standard normal distribution using ctx random state.
func (p *Process) QSampleRandom(ctx *context.Context, xStart, t *Node) *Node {
	noise := ctx.RandomNormal(xStart.Graph(), xStart.Shape())
	return p.QSample(xStart, t, noise)
}

// PredictStartFromNoise inverts QSample: x_0 = (x_t - sqrt(1-ᾱ_t)·noise) / sqrt(ᾱ_t).
func (p *Process) PredictStartFromNoise(x, t, noise *Node) *Node {
	return Sub(
		Mul(Extract(p.schedule.SqrtRecipAlphasCumprod(), t, x), x),
		Mul(Extract(p.schedule.SqrtRecipM1AlphasCumprod(), t, x), noise))
}

// PredictNoiseFromStart inverts QSample for the noise, given x_0.
func (p *Process) PredictNoiseFromStart(x, t, xStart *Node) *Node {
	return Div(
		Sub(Mul(Extract(p.schedule.SqrtRecipAlphasCumprod(), t, x), x), xStart),
		Extract(p.schedule.SqrtRecipM1AlphasCumprod(), t, x))
}

// PredictV returns v = sqrt(ᾱ_t)·noise - sqrt(1-ᾱ_t)·x_0.
func (p *Process) PredictV(xStart, t, noise *Node) *Node {
	return Sub(
		Mul(Extract(p.schedule.SqrtAlphasCumprod(), t, xStart), noise),
		Mul(Extract(p.schedule.SqrtOneMinusAlphasCumprod(), t, xStart), xStart))
}

// PredictStartFromV returns x_0 = sqrt(ᾱ_t)·x_t - sqrt(1-ᾱ_t)·v.
func (p *Process) PredictStartFromV(x, t, v *Node) *Node {
	return Sub(
		Mul(Extract(p.schedule.SqrtAlphasCumprod(), t, x), x),
		Mul(Extract(p.schedule.SqrtOneMinusAlphasCumprod(), t, x), v))
}

// ModelPredictions calls the backbone once and derives both the noise and x_0 according to the objective.
//
// selfCond is only passed to the backbone if self-conditioning is enabled, it can be nil.
// If clipXStart, x_0 is clipped to [-1, 1] and the noise is re-derived from the clipped value.
func (p *Process) ModelPredictions(ctx *context.Context, x, t, selfCond *Node, clipXStart bool) Prediction {
	if !p.cfg.SelfCondition {
		selfCond = nil
	}
	output := p.backbone.Predict(ctx, x, t, selfCond)
	if !output.Shape().Equal(x.Shape()) {
		exceptions.Panicf("backbone output shape %s doesn't match its input shape %s", output.Shape(), x.Shape())
	}
	maybeClip := func(x0 *Node) *Node {
		if clipXStart {
			return ClipScalar(x0, -1, 1)
		}
		return x0
	}
	var pred Prediction
	switch p.cfg.Objective {
	case PredNoise:
		pred.Noise = output
		pred.XStart = maybeClip(p.PredictStartFromNoise(x, t, output))
		if clipXStart {
			pred.Noise = p.PredictNoiseFromStart(x, t, pred.XStart)
		}
	case PredX0:
		pred.XStart = maybeClip(output)
		pred.Noise = p.PredictNoiseFromStart(x, t, pred.XStart)
	case PredV:
		pred.XStart = maybeClip(p.PredictStartFromV(x, t, output))
		pred.Noise = p.PredictNoiseFromStart(x, t, pred.XStart)
	default:
		exceptions.Panicf("unknown objective %d", p.cfg.Objective)
	}
	return pred
}

// QPosterior returns the mean, variance and log-variance of q(x_{t-1} | x_t, x_0).
// The variance is shaped `[batch_size, 1, 1, 1]`, and the log-variance is clipped to avoid -inf at t=0.
func (p *Process) QPosterior(xStart, x, t *Node) (mean, variance, logVariance *Node) {
	mean = Add(
		Mul(Extract(p.schedule.PosteriorMeanCoef1(), t, x), xStart),
		Mul(Extract(p.schedule.PosteriorMeanCoef2(), t, x), x))
	variance = Extract(p.schedule.PosteriorVariance(), t, x)
	logVariance = Extract(p.schedule.PosteriorLogVarianceClipped(), t, x)
	return
}

// PMeanVariance returns the model's estimate of the mean and log-variance of p(x_{t-1}|x_t), and its x_0
// estimate.
func (p *Process) PMeanVariance(ctx *context.Context, x, t, selfCond *Node, clipDenoised bool) (mean, variance, logVariance, xStart *Node) {
	pred := p.ModelPredictions(ctx, x, t, selfCond, false)
	xStart = pred.XStart
	if clipDenoised {
		xStart = ClipScalar(xStart, -1, 1)
	}
	mean, variance, logVariance = p.QPosterior(xStart, x, t)
	return
}

// PSample is one step of the ancestral sampler: x_{t-1} = mean + exp(0.5·logVariance)·z, with z ~ N(0, 1).
// No noise is added for examples where t == 0.
//
// It returns x_{t-1} and the x_0 estimate, to be used as self-conditioning in the next step.
func (p *Process) PSample(ctx *context.Context, x, t, selfCond *Node) (img, xStart *Node) {
	var logVariance, mean *Node
	mean, _, logVariance, xStart = p.PMeanVariance(ctx, x, t, selfCond, true)
	noise := ctx.RandomNormal(x.Graph(), x.Shape())
	nonZeroMask := ConvertDType(GreaterThan(t, ZerosLike(t)), x.DType())
	nonZeroMask = Reshape(nonZeroMask, logVariance.Shape().Dimensions...)
	stdDev := Exp(MulScalar(logVariance, 0.5))
	img = Add(mean, Mul(Mul(nonZeroMask, stdDev), noise))
	return
}

// DDIMStep moves x from timesteps t to tNext (both shaped `[batch_size]`) using DDIM.
//
// tNext < 0 marks the terminal step, where the result is the x_0 estimate itself.
// It returns the new image and the x_0 estimate.
func (p *Process) DDIMStep(ctx *context.Context, x, t, tNext, selfCond *Node) (img, xStart *Node) {
	pred := p.ModelPredictions(ctx, x, t, selfCond, true)
	xStart = pred.XStart
	ac := p.schedule.AlphasCumprod()
	alpha := Extract(ac, t, x)

	// Terminal steps use ᾱ=1, which makes sigma and c zero, and the result equal to x_0.
	isTerminal := LessThan(tNext, ZerosLike(tNext))
	alphaNext := Extract(ac, MaxScalar(tNext, 0), x)
	isTerminal = Reshape(isTerminal, alphaNext.Shape().Dimensions...)
	alphaNext = Where(isTerminal, OnesLike(alphaNext), alphaNext)

	eta := p.cfg.DDIMEta
	sigma := Sqrt(MaxScalar(
		Div(Mul(OneMinus(Div(alpha, alphaNext)), OneMinus(alphaNext)), OneMinus(alpha)),
		0))
	sigma = MulScalar(sigma, eta)
	c := Sqrt(MaxScalar(Sub(OneMinus(alphaNext), Square(sigma)), 0))

	img = Add(Mul(xStart, Sqrt(alphaNext)), Mul(c, pred.Noise))
	if eta > 0 {
		noise := ctx.RandomNormal(x.Graph(), x.Shape())
		img = Add(img, Mul(sigma, noise))
	}
	img = Where(BroadcastToDims(isTerminal, x.Shape().Dimensions...), xStart, img)
	return
}
