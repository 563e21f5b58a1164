package optim

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/segdiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// quadraticStep returns a function that runs one training step minimizing x², starting from x=2, and returns
// the new value of x.
func quadraticStep(t *testing.T, opt *Optimizer) (*context.Context, func() float32) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		xVar := ctx.VariableWithValue("x", float32(2))
		opt.UpdateGraph(ctx, g, Square(xVar.ValueGraph(g)))
		return xVar.ValueGraph(g)
	})
	return ctx, func() float32 {
		return exec.Call()[0].Value().(float32)
	}
}

func newOptimizer(t *testing.T, kind Kind, modify func(cfg *Config)) *Optimizer {
	cfg := DefaultConfig(kind)
	cfg.LearningRate = 0.01
	cfg.ClipNorm = 0
	if modify != nil {
		modify(&cfg)
	}
	opt, err := New(cfg)
	require.NoError(t, err)
	return opt
}

func TestFirstStep(t *testing.T) {
	// With x=2 the gradient is 4: all optimizers move by the learning rate on the first step, since the moments
	// of adam and rmsprop are debiased.
	for _, kind := range []Kind{Adam, RMSProp, Adagrad, Rprop} {
		_, step := quadraticStep(t, newOptimizer(t, kind, nil))
		assert.InDeltaf(t, 1.99, step(), 1e-4, "optimizer %s", kind)
	}
}

func TestWeightDecay(t *testing.T) {
	// Decoupled for adam: the extra step is lr·wd·x = 0.01·0.5·2.
	_, step := quadraticStep(t, newOptimizer(t, Adam, func(cfg *Config) { cfg.WeightDecay = 0.5 }))
	assert.InDelta(t, 1.98, step(), 1e-4)
	// Added to the gradient for adagrad, which moves by the learning rate anyway on the first step.
	_, step = quadraticStep(t, newOptimizer(t, Adagrad, func(cfg *Config) { cfg.WeightDecay = 0.5 }))
	assert.InDelta(t, 1.99, step(), 1e-4)
}

func TestConverges(t *testing.T) {
	for _, kind := range []Kind{Adam, RMSProp, Adagrad, Rprop} {
		opt := newOptimizer(t, kind, func(cfg *Config) {
			cfg.LearningRate = 0.1
			cfg.ClipNorm = DefaultClipNorm
		})
		ctx, step := quadraticStep(t, opt)
		var x float32
		for range 200 {
			x = step()
		}
		assert.Lessf(t, x*x, float32(0.1), "optimizer %s didn't minimize x²: x=%g", kind, x)
		assert.Equal(t, int64(200), optimizers.GetGlobalStep(ctx))
	}
}

func TestRpropStepSizes(t *testing.T) {
	opt := newOptimizer(t, Rprop, nil)
	_, step := quadraticStep(t, opt)
	assert.InDelta(t, 1.99, step(), 1e-5)
	// Same gradient sign: the step size grows by eta_plus.
	assert.InDelta(t, 1.99-0.012, step(), 1e-5)
}

func TestGradientAccumulation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		x := ctx.VariableWithValue("x", float32(2)).ValueGraph(inputs[0].Graph())
		return []*Node{Square(Add(x, inputs[0]))}
	}
	lossFn := func(_, predictions []*Node) *Node { return predictions[0] }
	opt := newOptimizer(t, Adam, func(cfg *Config) { cfg.AccumulateSteps = 3 })
	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn, opt, nil, nil)
	require.NoError(t, opt.Attach(trainer))
	assert.Equal(t, 3, trainer.NumAccumulatingSteps())

	x := func() float32 {
		v := ctx.GetVariableByScopeAndName(context.RootScope, "x")
		require.NotNil(t, v)
		return v.Value().Value().(float32)
	}
	offset := []*tensors.Tensor{tensors.FromValue(float32(0))}
	trainer.TrainStep(nil, offset, nil)
	trainer.TrainStep(nil, offset, nil)
	assert.Equal(t, float32(2), x())
	assert.Equal(t, int64(0), optimizers.GetGlobalStep(ctx))

	// Averaged gradients are the same at every micro-batch, so the 3rd call behaves as a regular first step.
	trainer.TrainStep(nil, offset, nil)
	assert.InDelta(t, 1.99, x(), 1e-4)
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))

	// Without accumulation the trainer is left unchanged.
	single := newOptimizer(t, Rprop, nil)
	other := train.NewTrainer(backend, context.New().Checked(false), modelFn, lossFn, single, nil, nil)
	require.NoError(t, single.Attach(other))
	assert.Equal(t, 0, other.NumAccumulatingSteps())
}

func TestClipByGlobalNorm(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ClipByGlobalNorm", func(g *Graph) (inputs, outputs []*Node) {
		a := Const(g, []float32{3})
		b := Const(g, []float32{4})
		inputs = []*Node{a, b}
		clipped := ClipByGlobalNorm([]*Node{a, b}, 1)
		unchanged := ClipByGlobalNorm([]*Node{a, b}, 10)
		outputs = []*Node{clipped[0], clipped[1], unchanged[0], unchanged[1]}
		return
	}, []any{
		[]float32{0.6},
		[]float32{0.8},
		[]float32{3},
		[]float32{4},
	}, 1e-5)
}

func TestClear(t *testing.T) {
	// Adam keeps 2 moments and its own step counter, rprop the previous gradient and the step size.
	for kind, numState := range map[Kind]int{Adam: 3, Rprop: 2} {
		opt := newOptimizer(t, kind, nil)
		ctx, step := quadraticStep(t, opt)
		step()
		countState := func() (count int) {
			for v := range ctx.IterVariables() {
				if strings.HasPrefix(v.Scope(), context.ScopeSeparator+Scope) {
					count++
				}
			}
			return
		}
		assert.Equalf(t, numState, countState(), "optimizer %s", kind)
		opt.Clear(ctx)
		assert.Equalf(t, 0, countState(), "optimizer %s", kind)
	}
}

func TestConfigValidation(t *testing.T) {
	for name, modify := range map[string]func(c *Config){
		"lr":         func(c *Config) { c.LearningRate = 0 },
		"accumulate": func(c *Config) { c.AccumulateSteps = 0 },
		"clip":       func(c *Config) { c.ClipNorm = -1 },
		"betas":      func(c *Config) { c.AdamBetas[1] = 1 },
		"kind":       func(c *Config) { c.Kind = Kind(17) },
		"momentum":   func(c *Config) { c.Kind, c.Momentum = RMSProp, 0.9 },
	} {
		cfg := DefaultConfig(Adam)
		modify(&cfg)
		_, err := New(cfg)
		assert.Truef(t, segdiff.IsConfigurationError(err), "case %q: %v", name, err)
	}
	cfg := DefaultConfig(Rprop)
	cfg.Etas = [2]float64{1.2, 0.5}
	_, err := New(cfg)
	assert.True(t, segdiff.IsConfigurationError(err))

	for _, name := range KindNames() {
		kind, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, kind.String())
	}
	_, err = ParseKind("sgd")
	assert.True(t, segdiff.IsConfigurationError(err))
}
