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

// Package schedule provides the noise schedules of the diffusion process: the per-step noise variances
// (betas) and the quantities derived from them.
//
// Everything is computed once in float64, and the Schedule is immutable afterwards: accessors return copies.
package schedule

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/segdiff"
	"gonum.org/v1/gonum/floats"
)

// Kind of schedule.
type Kind int

const (
	// Linear schedule: betas linearly spaced, scaled by 1000/T.
	Linear Kind = iota

	// Cosine schedule, as proposed in https://arxiv.org/abs/2102.09672.
	Cosine
)

var kindNames = map[string]Kind{
	"linear": Linear,
	"cosine": Cosine,
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Cosine:
		return "cosine"
	}
	return "unknown"
}

// KindNames returns the names accepted by ParseKind, sorted.
func KindNames() []string {
	return slices.Sorted(maps.Keys(kindNames))
}

// ParseKind converts a schedule name ("linear" or "cosine") to a Kind.
// Unknown names return a segdiff.ConfigurationError.
func ParseKind(name string) (Kind, error) {
	k, found := kindNames[name]
	if !found {
		return 0, segdiff.UnknownNameError("beta_schedule", name, KindNames())
	}
	return k, nil
}

const (
	// DefaultCosineOffset is the small offset s that keeps betas from being too small near t=0.
	DefaultCosineOffset = 0.008

	// MaxBeta clips the cosine schedule betas, avoiding singularities close to t=T.
	MaxBeta = 0.999

	// PosteriorVarianceFloor is the minimum posterior variance before taking its log: it is 0 at t=0.
	PosteriorVarianceFloor = 1e-20
)

// Option configures New.
type Option func(*options)

type options struct {
	cosineOffset float64
}

// WithCosineOffset sets the offset s of the cosine schedule. Default is DefaultCosineOffset.
func WithCosineOffset(s float64) Option {
	return func(o *options) { o.cosineOffset = s }
}

// Schedule holds the betas of the diffusion process and all coefficients derived from it, each of length T.
type Schedule struct {
	kind Kind

	betas, alphas, alphasCumprod, alphasCumprodPrev []float64

	sqrtAlphasCumprod, sqrtOneMinusAlphasCumprod, logOneMinusAlphasCumprod []float64
	sqrtRecipAlphasCumprod, sqrtRecipM1AlphasCumprod                       []float64

	posteriorVariance, posteriorLogVarianceClipped []float64
	posteriorMeanCoef1, posteriorMeanCoef2         []float64
}

// New creates the schedule of the given kind with numTimesteps (T) steps.
func New(kind Kind, numTimesteps int, opts ...Option) (*Schedule, error) {
	if numTimesteps <= 0 {
		return nil, segdiff.NewConfigurationError("timesteps", numTimesteps, "must be > 0")
	}
	o := &options{cosineOffset: DefaultCosineOffset}
	for _, opt := range opts {
		opt(o)
	}
	var betas []float64
	switch kind {
	case Linear:
		betas = LinearBetas(numTimesteps)
	case Cosine:
		if o.cosineOffset < 0 {
			return nil, segdiff.NewConfigurationError("cosine_offset", o.cosineOffset, "must be >= 0")
		}
		betas = CosineBetas(numTimesteps, o.cosineOffset)
	default:
		return nil, segdiff.NewConfigurationError("beta_schedule", int(kind), "unknown schedule kind")
	}
	for ii, b := range betas {
		if b <= 0 || b >= 1 {
			return nil, segdiff.NewConfigurationError("timesteps", numTimesteps,
				"%s schedule yields beta[%d]=%g, outside of (0, 1)", kind, ii, b)
		}
	}
	return FromBetas(kind, betas), nil
}

// LinearBetas returns T betas linearly spaced from 1e-4*1000/T to 0.02*1000/T.
// The scaling keeps the total amount of noise injected invariant to T.
func LinearBetas(numTimesteps int) []float64 {
	scale := 1000 / float64(numTimesteps)
	betas := make([]float64, numTimesteps)
	if numTimesteps == 1 {
		betas[0] = scale * 1e-4
		return betas
	}
	return floats.Span(betas, scale*1e-4, scale*0.02)
}

// CosineBetas returns T betas derived from alphas_cumprod(t) = cos((t/T+s)/(1+s) * π/2)^2,
// normalized to 1 at t=0 and clipped to [0, MaxBeta].
func CosineBetas(numTimesteps int, s float64) []float64 {
	steps := numTimesteps + 1
	t := make([]float64, steps)
	floats.Span(t, 0, float64(numTimesteps))
	ac := make([]float64, steps)
	for ii, ti := range t {
		ac[ii] = math.Pow(math.Cos((ti/float64(numTimesteps)+s)/(1+s)*math.Pi*0.5), 2)
	}
	floats.Scale(1/ac[0], ac)
	betas := make([]float64, numTimesteps)
	for ii := range betas {
		betas[ii] = min(max(1-ac[ii+1]/ac[ii], 0), MaxBeta)
	}
	return betas
}

// FromBetas builds the Schedule from an explicit list of betas. It takes ownership of betas.
func FromBetas(kind Kind, betas []float64) *Schedule {
	n := len(betas)
	s := &Schedule{kind: kind, betas: betas}
	s.alphas = make([]float64, n)
	for ii, b := range betas {
		s.alphas[ii] = 1 - b
	}
	s.alphasCumprod = floats.CumProd(make([]float64, n), s.alphas)
	s.alphasCumprodPrev = make([]float64, n)
	s.alphasCumprodPrev[0] = 1
	copy(s.alphasCumprodPrev[1:], s.alphasCumprod[:n-1])

	s.sqrtAlphasCumprod = mapValues(s.alphasCumprod, math.Sqrt)
	s.sqrtOneMinusAlphasCumprod = mapValues(s.alphasCumprod, func(ac float64) float64 { return math.Sqrt(1 - ac) })
	s.logOneMinusAlphasCumprod = mapValues(s.alphasCumprod, func(ac float64) float64 { return math.Log(1 - ac) })
	s.sqrtRecipAlphasCumprod = mapValues(s.alphasCumprod, func(ac float64) float64 { return math.Sqrt(1 / ac) })
	s.sqrtRecipM1AlphasCumprod = mapValues(s.alphasCumprod, func(ac float64) float64 { return math.Sqrt(1/ac - 1) })

	s.posteriorVariance = make([]float64, n)
	s.posteriorLogVarianceClipped = make([]float64, n)
	s.posteriorMeanCoef1 = make([]float64, n)
	s.posteriorMeanCoef2 = make([]float64, n)
	for ii := range n {
		ac, acPrev := s.alphasCumprod[ii], s.alphasCumprodPrev[ii]
		s.posteriorVariance[ii] = betas[ii] * (1 - acPrev) / (1 - ac)
		s.posteriorLogVarianceClipped[ii] = math.Log(max(s.posteriorVariance[ii], PosteriorVarianceFloor))
		s.posteriorMeanCoef1[ii] = betas[ii] * math.Sqrt(acPrev) / (1 - ac)
		s.posteriorMeanCoef2[ii] = (1 - acPrev) * math.Sqrt(s.alphas[ii]) / (1 - ac)
	}
	return s
}

func mapValues(values []float64, fn func(float64) float64) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = fn(v)
	}
	return out
}

// Kind of the schedule.
func (s *Schedule) Kind() Kind { return s.kind }

// NumTimesteps is T, the number of steps of the forward process.
func (s *Schedule) NumTimesteps() int { return len(s.betas) }

func (s *Schedule) Betas() []float64             { return slices.Clone(s.betas) }
func (s *Schedule) Alphas() []float64            { return slices.Clone(s.alphas) }
func (s *Schedule) AlphasCumprod() []float64     { return slices.Clone(s.alphasCumprod) }
func (s *Schedule) AlphasCumprodPrev() []float64 { return slices.Clone(s.alphasCumprodPrev) }

func (s *Schedule) SqrtAlphasCumprod() []float64         { return slices.Clone(s.sqrtAlphasCumprod) }
func (s *Schedule) SqrtOneMinusAlphasCumprod() []float64 { return slices.Clone(s.sqrtOneMinusAlphasCumprod) }
func (s *Schedule) LogOneMinusAlphasCumprod() []float64  { return slices.Clone(s.logOneMinusAlphasCumprod) }
func (s *Schedule) SqrtRecipAlphasCumprod() []float64    { return slices.Clone(s.sqrtRecipAlphasCumprod) }
func (s *Schedule) SqrtRecipM1AlphasCumprod() []float64  { return slices.Clone(s.sqrtRecipM1AlphasCumprod) }

// PosteriorVariance of q(x_{t-1} | x_t, x_0). It is 0 at t=0.
func (s *Schedule) PosteriorVariance() []float64 { return slices.Clone(s.posteriorVariance) }

// PosteriorLogVarianceClipped is log(max(PosteriorVariance, PosteriorVarianceFloor)).
func (s *Schedule) PosteriorLogVarianceClipped() []float64 {
	return slices.Clone(s.posteriorLogVarianceClipped)
}

func (s *Schedule) PosteriorMeanCoef1() []float64 { return slices.Clone(s.posteriorMeanCoef1) }
func (s *Schedule) PosteriorMeanCoef2() []float64 { return slices.Clone(s.posteriorMeanCoef2) }

// P2LossWeight returns the per-timestep loss weights (k + ᾱ_t/(1-ᾱ_t))^-γ, from
// https://arxiv.org/abs/2204.00227. With gamma=0 all weights are 1.
func (s *Schedule) P2LossWeight(k, gamma float64) []float64 {
	return mapValues(s.alphasCumprod, func(ac float64) float64 {
		return math.Pow(k+ac/(1-ac), -gamma)
	})
}

// AlphaCumprodAt returns ᾱ_t, or 1.0 for t < 0: the convention used for the terminal step of DDIM.
func (s *Schedule) AlphaCumprodAt(t int) float64 {
	if t < 0 {
		return 1
	}
	return s.alphasCumprod[t]
}
