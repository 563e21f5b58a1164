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

// Package diffusion implements the Gaussian diffusion process (DDPM) and its accelerated sampler (DDIM),
// specialized to map images to segmentation masks.
//
// Process holds the immutable schedule and builds the computation graphs: forward noising (QSample),
// the model parameterizations (noise, x_0 or v prediction), the posterior q(x_{t-1}|x_t,x_0), one reverse
// step (PSample, DDIMStep) and the training loss. Sampler compiles those graphs and runs the reverse loops.
//
// Images are shaped `[batch_size, height, width, channels]` and normalized to [-1, 1] inside the model.
// Timesteps are int32 values in [0, T-1], one per example.
package diffusion

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/schedule"
	"github.com/pkg/errors"
)

// Objective is what the backbone is trained to predict.
type Objective int

const (
	// PredNoise backbone predicts the noise added to x_0.
	PredNoise Objective = iota

	// PredX0 backbone predicts x_0 directly.
	PredX0

	// PredV backbone predicts the "velocity" v = sqrt(ᾱ_t)·ε - sqrt(1-ᾱ_t)·x_0, see https://arxiv.org/abs/2202.00512.
	PredV
)

var objectiveNames = map[string]Objective{
	"pred_noise": PredNoise,
	"pred_x0":    PredX0,
	"pred_v":     PredV,
}

func (o Objective) String() string {
	for name, obj := range objectiveNames {
		if obj == o {
			return name
		}
	}
	return "unknown"
}

// ParseObjective converts "pred_noise", "pred_x0" or "pred_v" to an Objective.
func ParseObjective(name string) (Objective, error) {
	o, found := objectiveNames[name]
	if !found {
		return 0, segdiff.UnknownNameError("objective", name, slices.Sorted(maps.Keys(objectiveNames)))
	}
	return o, nil
}

// Config of the diffusion process. It is validated by New, and is immutable afterwards.
type Config struct {
	// Timesteps T of the forward process.
	Timesteps int

	// SamplingTimesteps used by the reverse process. If equal to Timesteps the ancestral sampler (PSampleLoop) is
	// used, if smaller DDIM is used. 0 means Timesteps.
	SamplingTimesteps int

	// NoisingTimesteps is how far a provided start image is noised before being denoised.
	// 0 means SamplingTimesteps.
	NoisingTimesteps int

	Objective Objective
	Schedule  schedule.Kind

	// DDIMEta is the stochasticity of DDIM sampling: 0 is deterministic, 1 approximates ancestral sampling.
	DDIMEta float64

	// SelfCondition feeds the previous estimate of x_0 back to the backbone.
	SelfCondition bool

	// P2Gamma and P2K configure the timestep loss reweighting (k + ᾱ_t/(1-ᾱ_t))^-γ. P2Gamma=0 disables it.
	P2Gamma, P2K float64

	// TimeDependentLoss uses the noised mask q_sample(mask, t) as the triplet positive, and the noised image as
	// the negative, instead of the clean mask and image.
	TimeDependentLoss bool
}

// DefaultConfig returns the configuration used by default for segmentation.
func DefaultConfig() Config {
	return Config{
		Timesteps:         1000,
		SamplingTimesteps: 100,
		Objective:         PredNoise,
		Schedule:          schedule.Cosine,
		P2K:               1,
	}
}

// Backbone is the denoising model: it maps the noisy x_t, the timesteps t (int32, shape `[batch_size]`)
// and an optional self-conditioning x_0 estimate (nil if not used) to a tensor shaped like x_t.
type Backbone interface {
	Predict(ctx *context.Context, x, t, selfCond *Node) *Node

	// SelfConditioning returns whether the backbone accepts a self-conditioning input.
	SelfConditioning() bool
}

// BackboneFn adapts a function to the Backbone interface, it doesn't support self-conditioning.
type BackboneFn func(ctx *context.Context, x, t, selfCond *Node) *Node

func (fn BackboneFn) Predict(ctx *context.Context, x, t, selfCond *Node) *Node { return fn(ctx, x, t, selfCond) }

func (fn BackboneFn) SelfConditioning() bool { return false }

// Process of diffusion: holds the configuration, the schedule and the backbone.
type Process struct {
	cfg      Config
	schedule *schedule.Schedule
	backbone Backbone
	p2Weight []float64
}

// New validates the configuration and creates the diffusion Process.
func New(cfg Config, backbone Backbone) (*Process, error) {
	if backbone == nil {
		return nil, errors.New("diffusion.New requires a backbone")
	}
	sched, err := schedule.New(cfg.Schedule, cfg.Timesteps)
	if err != nil {
		return nil, err
	}
	if cfg.SamplingTimesteps == 0 {
		cfg.SamplingTimesteps = cfg.Timesteps
	}
	if cfg.SamplingTimesteps < 0 || cfg.SamplingTimesteps > cfg.Timesteps {
		return nil, segdiff.NewConfigurationError("sampling_timesteps", cfg.SamplingTimesteps,
			"must be in [1, timesteps=%d]", cfg.Timesteps)
	}
	if cfg.NoisingTimesteps == 0 {
		cfg.NoisingTimesteps = cfg.SamplingTimesteps
	}
	if cfg.NoisingTimesteps < 0 || cfg.NoisingTimesteps > cfg.Timesteps {
		return nil, segdiff.NewConfigurationError("noising_timesteps", cfg.NoisingTimesteps,
			"must be in [1, timesteps=%d]", cfg.Timesteps)
	}
	if _, found := objectiveNames[cfg.Objective.String()]; !found {
		return nil, segdiff.NewConfigurationError("objective", int(cfg.Objective), "unknown objective")
	}
	if cfg.DDIMEta < 0 {
		return nil, segdiff.NewConfigurationError("ddim_sampling_eta", cfg.DDIMEta, "must be >= 0")
	}
	if cfg.SelfCondition && !backbone.SelfConditioning() {
		return nil, segdiff.NewConfigurationError("self_condition", true, "backbone doesn't support self-conditioning")
	}
	if cfg.P2K == 0 && cfg.P2Gamma == 0 {
		cfg.P2K = 1
	}
	return &Process{
		cfg:      cfg,
		schedule: sched,
		backbone: backbone,
		p2Weight: sched.P2LossWeight(cfg.P2K, cfg.P2Gamma),
	}, nil
}

// Config returns the validated configuration, with defaults filled in.
func (p *Process) Config() Config { return p.cfg }

// Schedule used by the process.
func (p *Process) Schedule() *schedule.Schedule { return p.schedule }

// Backbone used by the process.
func (p *Process) Backbone() Backbone { return p.backbone }

// NumTimesteps is T.
func (p *Process) NumTimesteps() int { return p.cfg.Timesteps }

// IsDDIM returns whether sampling uses DDIM, that is, if SamplingTimesteps < Timesteps.
func (p *Process) IsDDIM() bool { return p.cfg.SamplingTimesteps < p.cfg.Timesteps }

// Extract gathers values[t] for each example and reshapes it so it broadcasts with like:
// for like shaped `[batch_size, height, width, channels]` the result is `[batch_size, 1, 1, 1]`.
//
// values is converted to a constant with the dtype of like. t must be an integer tensor shaped `[batch_size]`.
func Extract(values []float64, t, like *Node) *Node {
	g := t.Graph()
	if t.Rank() != 1 {
		exceptions.Panicf("diffusion.Extract requires timesteps shaped [batch_size], got %s", t.Shape())
	}
	batchSize := t.Shape().Dimensions[0]
	if like.Rank() == 0 || like.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("diffusion.Extract: timesteps %s and target %s batch sizes don't match", t.Shape(), like.Shape())
	}
	buffer := Const(g, values)
	if buffer.DType() != like.DType() {
		buffer = ConvertDType(buffer, like.DType())
	}
	gathered := Gather(buffer, InsertAxes(t, -1))
	dims := make([]int, like.Rank())
	dims[0] = batchSize
	for ii := 1; ii < len(dims); ii++ {
		dims[ii] = 1
	}
	return Reshape(gathered, dims...)
}

// NormalizeToNegOneToOne maps [0, 1] images to [-1, 1].
func NormalizeToNegOneToOne(x *Node) *Node {
	return AddScalar(MulScalar(x, 2), -1)
}

// UnnormalizeToZeroToOne maps [-1, 1] images back to [0, 1].
func UnnormalizeToZeroToOne(x *Node) *Node {
	return MulScalar(AddScalar(x, 1), 0.5)
}
