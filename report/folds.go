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

package report

import (
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/segdiff/checkpoint"
	"github.com/pkg/errors"
)

// FoldLossesFile is the name of the file with the validation losses of all folds, in the results folder of
// a k-fold run.
const FoldLossesFile = "validation_loss.csv"

// Column names of the merged validation losses: the loss of each fold is in "loss_<fold>".
const (
	StepColumn       = "step"
	LossColumnPrefix = "loss_"
)

// foldLossFrame returns the validation loss history of the last milestone saved in foldDir, with the
// columns "step" and "loss_<fold>".
func foldLossFrame(foldDir, fold string) (dataframe.DataFrame, error) {
	milestone, err := checkpoint.LastMilestone(foldDir)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	history, err := checkpoint.LoadValidationLoss(foldDir, milestone)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	entries := history.Entries()
	steps := make([]int, len(entries))
	losses := make([]float64, len(entries))
	for ii, e := range entries {
		steps[ii], losses[ii] = e.Step, e.Loss
	}
	return dataframe.New(
		series.New(steps, series.Int, StepColumn),
		series.New(losses, series.Float, LossColumnPrefix+fold)), nil
}

// MergeFoldValidationLosses joins the validation losses of the last milestone of each fold, saved in
// resultsDir/<fold>: the result has one row per step seen by any fold, sorted by step, and one "loss_<fold>"
// column per fold, NaN for the steps the fold didn't validate. It is also written to resultsDir/FoldLossesFile.
func MergeFoldValidationLosses(resultsDir string, folds []string) (dataframe.DataFrame, error) {
	if len(folds) == 0 {
		return dataframe.DataFrame{}, errors.New("no folds to merge")
	}
	var merged dataframe.DataFrame
	for ii, fold := range folds {
		df, err := foldLossFrame(filepath.Join(resultsDir, fold), fold)
		if err != nil {
			return dataframe.DataFrame{}, errors.WithMessagef(err, "validation loss of fold %q", fold)
		}
		if ii == 0 {
			merged = df
		} else {
			merged = merged.OuterJoin(df, StepColumn)
		}
	}
	merged = merged.Arrange(dataframe.Sort(StepColumn))
	if merged.Err != nil {
		return dataframe.DataFrame{}, errors.Wrap(merged.Err, "failed to merge validation losses")
	}
	return merged, writeDataFrame(merged, filepath.Join(resultsDir, FoldLossesFile))
}
