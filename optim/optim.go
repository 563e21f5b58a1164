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

// Package optim configures the optimizers used to train the segmentation model (adam, rmsprop, adagrad and
// rprop), with gradient clipping by global norm.
//
// Adam and RMSProp are the gomlx optimizers.Adam and optimizers.RMSProp. GoMLX has no Adagrad or Rprop, so
// those are implemented here, storing their state the same way.
//
// Optimizer implements optimizers.Interface and train.OptimizeWithGradients, so it can be given to
// train.NewTrainer and used with train.Trainer.AccumulateGradients.
package optim

import (
	"fmt"
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/segdiff"
)

// Kind of the optimizer.
type Kind int

const (
	Adam Kind = iota
	RMSProp
	Adagrad
	Rprop
)

var kindNames = map[string]Kind{
	"adam":    Adam,
	"rmsprop": RMSProp,
	"adagrad": Adagrad,
	"rprop":   Rprop,
}

func (k Kind) String() string {
	for name, value := range kindNames {
		if value == k {
			return name
		}
	}
	return "unknown"
}

// KindNames returns the sorted names of the supported optimizers.
func KindNames() []string { return slices.Sorted(maps.Keys(kindNames)) }

// ParseKind converts an optimizer name to a Kind. Unknown names return a segdiff.ConfigurationError.
func ParseKind(name string) (Kind, error) {
	k, found := kindNames[name]
	if !found {
		return 0, segdiff.UnknownNameError("optimizer", name, KindNames())
	}
	return k, nil
}

const (
	// Scope under which the optimizer state is stored, followed by the scope of each trainable variable.
	Scope = "segdiff_optimizer"

	// DefaultClipNorm is the maximum global norm of the gradients.
	DefaultClipNorm = 1.0
)

// Config of the optimizer. Only the fields relevant to the Kind are used.
type Config struct {
	Kind         Kind
	LearningRate float64

	// AdamBetas are the decays of the 1st and 2nd moments.
	AdamBetas [2]float64

	// LRDecay of adagrad: lr_t = lr / (1 + (step-1)·lr_decay).
	LRDecay float64

	// WeightDecay is decoupled from the gradients for adam and rmsprop (step scaled by the learning rate, as
	// in AdamW), and an L2 penalty added to the gradients for adagrad. Rprop ignores it.
	WeightDecay float64

	// RMSPropAlpha is the decay of the squared gradients average.
	RMSPropAlpha float64

	// Momentum of rmsprop: only 0 is supported.
	Momentum float64

	// Etas are the multiplicative decrease and increase factors of rprop, and StepSizes the min and max step sizes.
	Etas, StepSizes [2]float64

	// Epsilon added to denominators. 0 uses the default of each optimizer.
	Epsilon float64

	// ClipNorm is the maximum global norm of the gradients, 0 disables clipping.
	ClipNorm float64

	// AccumulateSteps is the number of micro-batches whose gradients are averaged before each update. It is
	// given to train.Trainer.AccumulateGradients, see Optimizer.Attach.
	AccumulateSteps int
}

// DefaultConfig returns the default configuration for the given optimizer kind.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:            kind,
		LearningRate:    1e-4,
		AdamBetas:       [2]float64{0.9, 0.99},
		RMSPropAlpha:    0.99,
		Etas:            [2]float64{0.5, 1.2},
		StepSizes:       [2]float64{1e-6, 50},
		ClipNorm:        DefaultClipNorm,
		AccumulateSteps: 1,
	}
}

func (c Config) epsilon() float64 {
	if c.Epsilon > 0 {
		return c.Epsilon
	}
	if c.Kind == Adagrad {
		return 1e-10
	}
	return 1e-8
}

// Validate returns a segdiff.ConfigurationError if the configuration is invalid.
func (c Config) Validate() error {
	if _, found := kindNames[c.Kind.String()]; !found {
		return segdiff.NewConfigurationError("optimizer", int(c.Kind), "unknown optimizer")
	}
	if c.LearningRate <= 0 {
		return segdiff.NewConfigurationError("train_lr", c.LearningRate, "must be > 0")
	}
	if c.AccumulateSteps < 1 {
		return segdiff.NewConfigurationError("gradient_accumulate_every", c.AccumulateSteps, "must be >= 1")
	}
	if c.ClipNorm < 0 {
		return segdiff.NewConfigurationError("clip_norm", c.ClipNorm, "must be >= 0")
	}
	switch c.Kind {
	case Adam:
		for _, beta := range c.AdamBetas {
			if beta < 0 || beta >= 1 {
				return segdiff.NewConfigurationError("adam_betas", c.AdamBetas, "betas must be in [0, 1)")
			}
		}
	case RMSProp:
		if c.RMSPropAlpha < 0 || c.RMSPropAlpha >= 1 {
			return segdiff.NewConfigurationError("rms_prop_alpha", c.RMSPropAlpha, "must be in [0, 1)")
		}
		if c.Momentum != 0 {
			return segdiff.NewConfigurationError("momentum", c.Momentum, "rmsprop with momentum is not supported")
		}
	case Adagrad:
		if c.LRDecay < 0 {
			return segdiff.NewConfigurationError("lr_decay", c.LRDecay, "must be >= 0")
		}
	case Rprop:
		if !(0 < c.Etas[0] && c.Etas[0] < 1 && c.Etas[1] > 1) {
			return segdiff.NewConfigurationError("etas", c.Etas, "must satisfy 0 < eta_minus < 1 < eta_plus")
		}
		if !(0 < c.StepSizes[0] && c.StepSizes[0] <= c.StepSizes[1]) {
			return segdiff.NewConfigurationError("step_sizes", c.StepSizes, "must satisfy 0 < min <= max")
		}
	}
	if c.WeightDecay < 0 {
		return segdiff.NewConfigurationError("weight_decay", c.WeightDecay, "must be >= 0")
	}
	return nil
}

// Optimizer implements optimizers.Interface and train.OptimizeWithGradients.
type Optimizer struct {
	cfg Config

	// library is the gomlx optimizer for adam and rmsprop, nil for adagrad and rprop.
	library optimizers.Interface
}

var (
	_ optimizers.Interface        = (*Optimizer)(nil)
	_ train.OptimizeWithGradients = (*Optimizer)(nil)
)

// New validates the configuration and returns the optimizer.
func New(cfg Config) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{cfg: cfg}
	switch cfg.Kind {
	case Adam:
		o.library = optimizers.Adam().Scope(Scope).LearningRate(cfg.LearningRate).
			Betas(cfg.AdamBetas[0], cfg.AdamBetas[1]).Epsilon(cfg.epsilon()).WeightDecay(cfg.WeightDecay).Done()
	case RMSProp:
		o.library = optimizers.RMSProp().Scope(Scope).LearningRate(cfg.LearningRate).
			Betas(0, cfg.RMSPropAlpha).Epsilon(cfg.epsilon()).WeightDecay(cfg.WeightDecay).Done()
	}
	return o, nil
}

// Config returns the optimizer configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// Attach configures the trainer to accumulate the gradients of Config.AccumulateSteps micro-batches before
// each update. The trainer must have been created with this optimizer.
func (o *Optimizer) Attach(trainer *train.Trainer) error {
	if o.cfg.AccumulateSteps <= 1 {
		return nil
	}
	return trainer.AccumulateGradients(o.cfg.AccumulateSteps)
}

// stateVar returns the optimizer state variable for the trainable variable v, initialized with zeros.
func stateVar(ctx *context.Context, v *context.Variable, suffix string, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, Scope, v.Scope())
	shape := v.Shape().Clone()
	shape.DType = dtype
	return ctx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero).
		VariableWithShape(fmt.Sprintf("%s_%s", v.Name(), suffix), shape).SetTrainable(false)
}

// ClipByGlobalNorm scales all gradients by min(1, maxNorm/||grads||), where ||grads|| is the L2 norm of
// all gradients concatenated.
func ClipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	if maxNorm <= 0 || len(grads) == 0 {
		return grads
	}
	g := grads[0].Graph()
	var sumSquares *Node
	for _, grad := range grads {
		s := ReduceAllSum(Square(ConvertDType(grad, dtypes.Float32)))
		if sumSquares == nil {
			sumSquares = s
		} else {
			sumSquares = Add(sumSquares, s)
		}
	}
	norm := Sqrt(sumSquares)
	scale := Min(
		Scalar(g, dtypes.Float32, 1.0),
		Div(Scalar(g, dtypes.Float32, maxNorm), AddScalar(norm, 1e-6)))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}

// UpdateGraph implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// UpdateGraphWithGradients implements train.OptimizeWithGradients: the gradients are clipped by their global
// norm and then applied to the trainable variables, in the order of ctx.IterVariables.
func (o *Optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		Panicf("no gradients to optimize, are there any trainable variables?")
	}
	grads = ClipByGlobalNorm(grads, o.cfg.ClipNorm)
	if o.library != nil {
		o.library.(train.OptimizeWithGradients).UpdateGraphWithGradients(ctx, grads, lossDType)
		return
	}

	g := grads[0].Graph()
	var trainable []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	}
	if len(trainable) != len(grads) {
		Panicf("got %d gradients, but there are %d trainable variables: were new variables created in between?",
			len(grads), len(trainable))
	}

	step := optimizers.IncrementGlobalStepGraph(ctx, g, lossDType)
	lrVar := optimizers.LearningRateVar(ctx, lossDType, o.cfg.LearningRate)
	learningRate := lrVar.ValueGraph(g)
	if o.cfg.Kind == Adagrad && o.cfg.LRDecay > 0 {
		learningRate = Div(learningRate, AddScalar(MulScalar(AddScalar(step, -1), o.cfg.LRDecay), 1))
	}

	for ii, v := range trainable {
		grad := grads[ii]
		value := v.ValueGraph(g)
		if grad.DType() != value.DType() {
			grad = ConvertDType(grad, value.DType())
		}
		lr := learningRate
		if lr.DType() != grad.DType() {
			lr = ConvertDType(lr, grad.DType())
		}
		switch o.cfg.Kind {
		case Adagrad:
			if o.cfg.WeightDecay > 0 {
				grad = Add(grad, MulScalar(value, o.cfg.WeightDecay))
			}
			v.SetValueGraph(o.adagradGraph(ctx, g, v, value, grad, lr))
		case Rprop:
			v.SetValueGraph(o.rpropGraph(ctx, g, v, value, grad, lr))
		}
	}
}

func (o *Optimizer) adagradGraph(ctx *context.Context, g *Graph, v *context.Variable, value, grad, lr *Node) *Node {
	sumVar := stateVar(ctx, v, "sum", grad.DType())
	sum := Add(sumVar.ValueGraph(g), Square(grad))
	sumVar.SetValueGraph(sum)
	return Sub(value, Mul(lr, Div(grad, AddScalar(Sqrt(sum), o.cfg.epsilon()))))
}

// rpropGraph adapts a step size per weight from the sign of consecutive gradients, ignoring their magnitude.
// Step sizes start at the learning rate.
func (o *Optimizer) rpropGraph(ctx *context.Context, g *Graph, v *context.Variable, value, grad, lr *Node) *Node {
	dtype := grad.DType()
	prevVar := stateVar(ctx, v, "prev_grad", dtype)
	stepSizeVar := stateVar(ctx, v, "step_size", dtype)
	prev, stepSize := prevVar.ValueGraph(g), stepSizeVar.ValueGraph(g)

	// Zero step sizes are only seen before the first update.
	zero := ZerosLike(stepSize)
	stepSize = Where(Equal(stepSize, zero), Add(zero, lr), stepSize)

	direction := Sign(Mul(grad, prev))
	increase := GreaterThan(direction, ZerosLike(direction))
	decrease := LessThan(direction, ZerosLike(direction))
	stepSize = Where(increase, MulScalar(stepSize, o.cfg.Etas[1]),
		Where(decrease, MulScalar(stepSize, o.cfg.Etas[0]), stepSize))
	stepSize = ClipScalar(stepSize, o.cfg.StepSizes[0], o.cfg.StepSizes[1])
	grad = Where(decrease, ZerosLike(grad), grad)

	prevVar.SetValueGraph(grad)
	stepSizeVar.SetValueGraph(stepSize)
	return Sub(value, Mul(Sign(grad), stepSize))
}

// Clear implements optimizers.Interface: it deletes the optimizer state.
func (o *Optimizer) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + Scope).DeleteVariablesInScope()
}
