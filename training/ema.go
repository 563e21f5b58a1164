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
	"math"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// EMAScope is the root scope where the exponential moving averages of the model weights are stored: the
// average of the variable "/<scope>/<name>" is "/ema/<scope>/<name>", so building the model with
// ctx.In(EMAScope) uses the averaged weights.
const EMAScope = "ema"

// emaLastStepName is the variable, in EMAScope, with the last optimizer step that updated the averages.
const emaLastStepName = "ema_last_step"

// EMA keeps an exponential moving average of the trainable variables under ModelScope.
//
// The decay warms up with the number of optimizer steps: for the first UpdateAfterStep steps the weights are
// copied, and after that the decay is min(Decay, 1 - (1+k)^-Power), with k the number of steps after the
// warm-up. The average is only updated every UpdateEvery optimizer steps.
type EMA struct {
	Decay           float64
	UpdateEvery     int
	UpdateAfterStep int
	Power           float64

	// ModelScope is the absolute scope of the variables to average, "" for all trainable variables.
	ModelScope string
}

// NewEMA returns an EMA with the given decay and update period, and the default warm-up.
func NewEMA(decay float64, updateEvery int, modelScope string) *EMA {
	return &EMA{
		Decay:           decay,
		UpdateEvery:     updateEvery,
		UpdateAfterStep: 100,
		Power:           2.0 / 3.0,
		ModelScope:      modelScope,
	}
}

// DecayAt returns the decay used when updating at the given optimizer step (1-based). 0 means copying the
// weights.
func (e *EMA) DecayAt(step int) float64 {
	if step <= e.UpdateAfterStep {
		return 0
	}
	k := float64(step - e.UpdateAfterStep - 1)
	if k <= 0 {
		return 0
	}
	return max(0, min(e.Decay, 1-math.Pow(1+k, -e.Power)))
}

// decayGraph is DecayAt in the graph, for an int64 step.
func (e *EMA) decayGraph(step *Node) *Node {
	g := step.Graph()
	k := AddScalar(ConvertDType(step, dtypes.Float32), -float64(e.UpdateAfterStep+1))
	decay := OneMinus(Pow(AddScalar(k, 1), Scalar(g, dtypes.Float32, -e.Power)))
	decay = Min(decay, Scalar(g, dtypes.Float32, e.Decay))
	return Where(GreaterThan(k, ZerosLike(k)), MaxScalar(decay, 0.0), ZerosLike(decay))
}

// AveragedScope returns the absolute scope of the moving average of the variables in scope.
func AveragedScope(scope string) string {
	if scope == context.ScopeSeparator {
		return context.ScopeSeparator + EMAScope
	}
	return context.ScopeSeparator + EMAScope + scope
}

// inModelScope returns whether the variable is averaged.
func (e *EMA) inModelScope(v *context.Variable) bool {
	if e.ModelScope == "" {
		return true
	}
	prefix := context.ScopeSeparator + e.ModelScope
	scope := v.Scope()
	return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
}

// UpdateGraph is a train.ContextGraphFn, registered with train.AddPerStepUpdateGraphFn on every training graph:
// it runs after the optimizer set the new values of the trainable variables, and reads the updated global step
// from ctx.
func (e *EMA) UpdateGraph(ctx *context.Context, g *Graph) {
	e.updateGraph(ctx, g, optimizers.GetGlobalStepVar(ctx).ValueGraph(g))
}

// updateGraph updates the averages for the given optimizer step. The first step copies the weights, so the
// average is always defined.
//
// With accumulated gradients the graph runs once per micro-batch while the step only advances once per update,
// so the averages are updated at most once per step.
func (e *EMA) updateGraph(ctx *context.Context, g *Graph, step *Node) {
	step = ConvertDType(step, dtypes.Int64)
	lastStepVar := ctx.InAbsPath(context.ScopeSeparator+EMAScope).Checked(false).
		VariableWithValue(emaLastStepName, int64(0)).SetTrainable(false)
	lastStep := lastStepVar.ValueGraph(g)
	onPeriod := Equal(ModScalar(step, float64(e.UpdateEvery)), ZerosLike(step))
	first := Equal(step, OnesLike(step))
	due := LogicalAnd(LogicalOr(onPeriod, first), NotEqual(step, lastStep))
	lastStepVar.SetValueGraph(Where(due, step, lastStep))
	decay := e.decayGraph(step)

	var averaged []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) && e.inModelScope(v) {
			averaged = append(averaged, v)
		}
	}
	for _, v := range averaged {
		weights := v.ValueGraph(g)
		emaVar := ctx.InAbsPath(AveragedScope(v.Scope())).Checked(false).
			WithInitializer(initializers.Zero).VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		average := emaVar.ValueGraph(g)
		d := ConvertDType(decay, weights.DType())
		updated := Add(Mul(average, d), Mul(weights, OneMinus(d)))
		emaVar.SetValueGraph(Where(BroadcastToDims(due, weights.Shape().Dimensions...), updated, average))
	}
}
