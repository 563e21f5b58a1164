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
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tracer receives the intermediary images of the reverse loops, e.g. to dump debug images.
//
// img and xStart are in the model space ([-1, 1]) and are only valid during the call.
type Tracer interface {
	OnStep(step, t int, img, xStart *tensors.Tensor)
}

// TracerFn adapts a function to the Tracer interface.
type TracerFn func(step, t int, img, xStart *tensors.Tensor)

func (fn TracerFn) OnStep(step, t int, img, xStart *tensors.Tensor) { fn(step, t, img, xStart) }

// Sampler runs the reverse diffusion loops. It compiles the per-step computation graphs once (per input shape)
// and drives them from Go, carrying the image and the self-conditioning estimate from one step to the next.
//
// A Sampler is not safe for concurrent use: create one per goroutine.
type Sampler struct {
	process *Process
	backend backends.Backend
	tracer  Tracer

	qSampleExec, pSampleExec, ddimStepExec, noiseExec *context.Exec
	normalizeExec, unnormalizeExec, blendExec          *Exec
}

// NewSampler creates a Sampler for the process, using the model variables in ctx.
//
// ctx is used unchecked (see context.Context.Checked): model variables are created if they don't exist yet,
// and reused otherwise. Usually it will point to the EMA copy of the model weights.
func (p *Process) NewSampler(backend backends.Backend, ctx *context.Context) *Sampler {
	ctx = ctx.Checked(false)
	s := &Sampler{process: p, backend: backend}
	s.qSampleExec = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{p.QSampleRandom(ctx, inputs[0], inputs[1])}
	})
	s.pSampleExec = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		img, xStart := p.PSample(ctx, inputs[0], inputs[1], inputs[2])
		return []*Node{img, xStart}
	})
	s.ddimStepExec = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		img, xStart := p.DDIMStep(ctx, inputs[0], inputs[1], inputs[2], inputs[3])
		return []*Node{img, xStart}
	})
	s.noiseExec = context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{ctx.RandomNormal(inputs[0].Graph(), inputs[0].Shape())}
	})
	s.normalizeExec = NewExec(backend, NormalizeToNegOneToOne)
	s.unnormalizeExec = NewExec(backend, UnnormalizeToZeroToOne)
	s.blendExec = NewExec(backend, func(x1, x2, lambda *Node) *Node {
		lambda = ConvertDType(lambda, x1.DType())
		return Add(Mul(OneMinus(lambda), x1), Mul(lambda, x2))
	})
	return s
}

// WithTracer sets a tracer that will be called at every step of the reverse loops. nil disables tracing.
func (s *Sampler) WithTracer(tracer Tracer) *Sampler {
	s.tracer = tracer
	return s
}

// Process returns the diffusion process used by the sampler.
func (s *Sampler) Process() *Process { return s.process }

// Sample generates a batch shaped `[batch_size, height, width, channels]`, with values in [0, 1].
//
// If startImages is given (values in [0, 1], with the given shape), it is first noised to NoisingTimesteps and
// then denoised, otherwise sampling starts from pure noise.
// It uses PSampleLoop if SamplingTimesteps == Timesteps, or DDIMSample otherwise.
func (s *Sampler) Sample(shape shapes.Shape, startImages *tensors.Tensor) (*tensors.Tensor, error) {
	if s.process.IsDDIM() {
		return s.DDIMSample(shape, startImages)
	}
	return s.PSampleLoop(shape, startImages)
}

// timesteps returns an int32 tensor shaped `[batchSize]` filled with t.
func timesteps(t, batchSize int) *tensors.Tensor {
	values := make([]int32, batchSize)
	for ii := range values {
		values[ii] = int32(t)
	}
	return tensors.FromValue(values)
}

// finalize immediately frees the tensor, if it is not one of the keep tensors.
func finalize(t *tensors.Tensor, keep ...*tensors.Tensor) {
	if t == nil || slices.Contains(keep, t) {
		return
	}
	t.FinalizeAll()
}

// NoisingTimestep returns the timestep a start image is noised to before being denoised.
func (p *Process) NoisingTimestep() int {
	return min(p.cfg.NoisingTimesteps, p.cfg.Timesteps-1)
}

// initialImage returns the starting point of the reverse loop, in model space.
func (s *Sampler) initialImage(shape shapes.Shape, startImages *tensors.Tensor) *tensors.Tensor {
	if shape.Rank() < 2 {
		exceptions.Panicf("sampling requires a batched shape, got %s", shape)
	}
	if startImages == nil {
		zeros := tensors.FromShape(shape)
		defer finalize(zeros)
		return s.noiseExec.Call(zeros)[0]
	}
	if !startImages.Shape().Equal(shape) {
		exceptions.Panicf("start images shape %s doesn't match requested shape %s", startImages.Shape(), shape)
	}
	normalized := s.normalizeExec.Call(startImages)[0]
	defer finalize(normalized)
	t := timesteps(s.process.NoisingTimestep(), shape.Dimensions[0])
	defer finalize(t)
	return s.qSampleExec.Call(normalized, t)[0]
}

// PSampleLoop is the ancestral sampler: it iterates t from SamplingTimesteps-1 down to 0, one PSample step each.
// See Sample for the meaning of shape and startImages.
func (s *Sampler) PSampleLoop(shape shapes.Shape, startImages *tensors.Tensor) (result *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		cfg := s.process.cfg
		x := s.initialImage(shape, startImages)
		result = s.denoiseFrom(x, cfg.SamplingTimesteps-1)
	})
	if err != nil {
		err = errors.WithMessagef(err, "ancestral sampling of %s", shape)
	}
	return
}

// denoiseFrom runs PSample steps from t down to 0, taking ownership of x. It returns the unnormalized image.
func (s *Sampler) denoiseFrom(x *tensors.Tensor, fromT int) *tensors.Tensor {
	batchSize := x.Shape().Dimensions[0]
	selfCond := tensors.FromShape(x.Shape())
	for step, t := 0, fromT; t >= 0; step, t = step+1, t-1 {
		tT := timesteps(t, batchSize)
		outputs := s.pSampleExec.Call(x, tT, selfCond)
		finalize(tT)
		finalize(x)
		finalize(selfCond)
		x, selfCond = outputs[0], outputs[1]
		if s.tracer != nil {
			s.tracer.OnStep(step, t, x, selfCond)
		}
	}
	finalize(selfCond)
	result := s.unnormalizeExec.Call(x)[0]
	finalize(x)
	return result
}

// DDIMTimePairs returns the pairs (t, t_next) visited by DDIM: the timesteps are linspace(-1, T-1, S+1)
// truncated to integers and reversed. The last pair has t_next = -1, marking the terminal step.
func DDIMTimePairs(numTimesteps, samplingTimesteps int) [][2]int {
	times := make([]int, samplingTimesteps+1)
	step := float64(numTimesteps) / float64(samplingTimesteps)
	for ii := range times {
		times[ii] = int(math.Trunc(-1 + float64(ii)*step))
	}
	times[samplingTimesteps] = numTimesteps - 1
	slices.Reverse(times)
	pairs := make([][2]int, samplingTimesteps)
	for ii := range pairs {
		pairs[ii] = [2]int{times[ii], times[ii+1]}
	}
	return pairs
}

// DDIMSample is the accelerated sampler, visiting only SamplingTimesteps timesteps (see DDIMTimePairs).
// See Sample for the meaning of shape and startImages.
func (s *Sampler) DDIMSample(shape shapes.Shape, startImages *tensors.Tensor) (result *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		cfg := s.process.cfg
		batchSize := shape.Dimensions[0]
		x := s.initialImage(shape, startImages)
		selfCond := tensors.FromShape(shape)
		for step, pair := range DDIMTimePairs(cfg.Timesteps, cfg.SamplingTimesteps) {
			t, tNext := timesteps(pair[0], batchSize), timesteps(pair[1], batchSize)
			outputs := s.ddimStepExec.Call(x, t, tNext, selfCond)
			finalize(t)
			finalize(tNext)
			finalize(x)
			finalize(selfCond)
			x, selfCond = outputs[0], outputs[1]
			if s.tracer != nil {
				s.tracer.OnStep(step, pair[0], x, selfCond)
			}
		}
		finalize(selfCond)
		result = s.unnormalizeExec.Call(x)[0]
		finalize(x)
	})
	if err != nil {
		err = errors.WithMessagef(err, "DDIM sampling of %s", shape)
	}
	return
}

// Interpolate noises both x1 and x2 (values in [0, 1]) to timestep t, blends them as (1-λ)·x1 + λ·x2 and
// denoises the result with the ancestral sampler. If t < 0 it defaults to T-1.
//
// The blend is at noise level t, so the reverse loop runs p_sample at t, t-1, ..., 0: t+1 steps.
func (s *Sampler) Interpolate(x1, x2 *tensors.Tensor, t int, lambda float64) (result *tensors.Tensor, err error) {
	if !x1.Shape().Equal(x2.Shape()) {
		return nil, errors.Errorf("interpolate requires images of the same shape, got %s and %s", x1.Shape(), x2.Shape())
	}
	if t < 0 {
		t = s.process.cfg.Timesteps - 1
	}
	if t >= s.process.cfg.Timesteps {
		return nil, errors.Errorf("interpolate timestep %d out of range [0, %d)", t, s.process.cfg.Timesteps)
	}
	err = exceptions.TryCatch[error](func() {
		batchSize := x1.Shape().Dimensions[0]
		tT := timesteps(t, batchSize)
		defer finalize(tT)
		noised := make([]*tensors.Tensor, 2)
		for ii, x := range []*tensors.Tensor{x1, x2} {
			normalized := s.normalizeExec.Call(x)[0]
			noised[ii] = s.qSampleExec.Call(normalized, tT)[0]
			finalize(normalized)
		}
		lam := tensors.FromScalar(float32(lambda))
		blended := s.blendExec.Call(noised[0], noised[1], lam)[0]
		finalize(lam)
		finalize(noised[0])
		finalize(noised[1])
		klog.V(1).Infof("interpolating %s at t=%d with lambda=%g", x1.Shape(), t, lambda)
		result = s.denoiseFrom(blended, t)
	})
	return
}

// Noise returns standard normal noise with the given shape, using the sampler's random state.
func (s *Sampler) Noise(shape shapes.Shape) (noise *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		zeros := tensors.FromShape(shape)
		defer finalize(zeros)
		noise = s.noiseExec.Call(zeros)[0]
	})
	return
}

// ImageShape returns the shape of a batch of images, as used by the samplers.
func ImageShape(dtype dtypes.DType, batchSize, height, width, channels int) shapes.Shape {
	return shapes.Make(dtype, batchSize, height, width, channels)
}
