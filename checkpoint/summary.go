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

package checkpoint

import (
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/segdiff/optim"
	"github.com/olekukonko/tablewriter"
)

// Summary of a saved milestone.
type Summary struct {
	State

	// NumVariables, NumParameters and Memory (in bytes) of all saved variables. Model counts exclude the
	// variables under ExcludedScopes (the moving averages and the optimizer state) and the root scope
	// variables, like the global step.
	NumVariables, NumParameters          int
	ModelVariables, ModelParameters      int
	Memory                               uint64
	LastTrainingLoss, LastValidationLoss float64
	HasTrainingLoss, HasValidationLoss   bool
}

// ExcludedScopes are the top-level scopes not counted as model variables by Summarize.
var ExcludedScopes = []string{"ema", optim.Scope, "optimizers"}

// Summarize reads the milestone saved in resultsDir without building any graph.
func Summarize(resultsDir string, milestone int) (*Summary, error) {
	ctx := context.New()
	cp, handler, err := load(ctx, resultsDir, milestone, nil)
	if err != nil {
		return nil, err
	}
	s := &Summary{State: cp.State}
	for name, value := range handler.LoadedVariables() {
		size := value.Shape().Size()
		s.NumVariables++
		s.NumParameters += size
		s.Memory += uint64(value.Shape().Memory())
		if !isExcluded(name) {
			s.ModelVariables++
			s.ModelParameters += size
		}
	}
	if last, found := cp.TrainingLoss.Last(); found {
		s.LastTrainingLoss, s.HasTrainingLoss = last.Loss, true
	}
	if last, found := cp.ValidationLoss.Last(); found {
		s.LastValidationLoss, s.HasValidationLoss = last.Loss, true
	}
	return s, nil
}

// topScope returns the first scope of a loaded variable key, "var:<scope>/<name>", or "" for variables in
// the root scope.
func topScope(key string) string {
	path := strings.TrimPrefix(key, context.ParameterPrefix)
	scope := path[:max(strings.LastIndex(path, context.ScopeSeparator), 0)]
	scope = strings.TrimPrefix(scope, context.ScopeSeparator)
	top, _, _ := strings.Cut(scope, context.ScopeSeparator)
	return top
}

func isExcluded(key string) bool {
	top := topScope(key)
	return top == "" || slices.Contains(ExcludedScopes, top)
}

// PrintSummaries prints one line per milestone of resultsDir.
func PrintSummaries(w io.Writer, resultsDir string) error {
	milestones, err := Milestones(resultsDir)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"milestone", "step", "run", "saved", "# params", "# model params", "memory", "train loss", "valid loss"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	for _, milestone := range milestones {
		s, err := Summarize(resultsDir, milestone)
		if err != nil {
			return err
		}
		table.Append([]string{
			strconv.Itoa(s.Milestone),
			humanize.Comma(int64(s.Step)),
			s.RunID,
			humanize.Time(s.SavedAt),
			humanize.Comma(int64(s.NumParameters)),
			humanize.Comma(int64(s.ModelParameters)),
			humanize.Bytes(s.Memory),
			lossString(s.LastTrainingLoss, s.HasTrainingLoss),
			lossString(s.LastValidationLoss, s.HasValidationLoss),
		})
	}
	table.Render()
	return nil
}

func lossString(loss float64, found bool) string {
	if !found {
		return "-"
	}
	return strconv.FormatFloat(loss, 'g', 5, 64)
}
