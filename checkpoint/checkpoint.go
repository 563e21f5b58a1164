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

// Package checkpoint saves and loads the training state, keyed by an integer milestone.
//
// For milestone m, a results folder holds:
//
//   - model-<m>/: the GoMLX checkpoint of the context variables (model weights, optimizer state, EMA weights
//     and global step) and hyperparameters.
//   - training_loss-<m>.csv and validation_loss-<m>.csv: the loss histories, see LossHistory.
//   - state-<m>.json: step, milestone and run id of the training.
//
// Loading restores all of them: a missing milestone returns a segdiff.CheckpointNotFoundError.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/segdiff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is used when creating the results folder.
var DirPermMode = os.FileMode(0o755)

// State of the training saved along with the variables.
type State struct {
	Step      int       `json:"step"`
	Milestone int       `json:"milestone"`
	RunID     string    `json:"run_id"`
	SavedAt   time.Time `json:"saved_at"`
}

// NewRunID returns a new random run identifier.
func NewRunID() string { return uuid.NewString() }

// Checkpoint is the full training state of a milestone.
type Checkpoint struct {
	State
	TrainingLoss, ValidationLoss *LossHistory
}

// ModelDir returns the directory of the variables of the milestone.
func ModelDir(resultsDir string, milestone int) string {
	return filepath.Join(resultsDir, fmt.Sprintf("model-%d", milestone))
}

func trainingLossPath(resultsDir string, milestone int) string {
	return filepath.Join(resultsDir, fmt.Sprintf("training_loss-%d.csv", milestone))
}

func validationLossPath(resultsDir string, milestone int) string {
	return filepath.Join(resultsDir, fmt.Sprintf("validation_loss-%d.csv", milestone))
}

// LoadValidationLoss reads the validation loss history saved with the milestone, without loading the model.
func LoadValidationLoss(resultsDir string, milestone int) (*LossHistory, error) {
	return loadHistory(validationLossPath(resultsDir, milestone))
}

func statePath(resultsDir string, milestone int) string {
	return filepath.Join(resultsDir, fmt.Sprintf("state-%d.json", milestone))
}

// Save the context variables and params, and the training state, for the milestone. Params listed in
// excludeParams are not saved.
func Save(ctx *context.Context, resultsDir string, cp *Checkpoint, excludeParams ...string) error {
	if err := os.MkdirAll(resultsDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create results folder %q", resultsDir)
	}
	milestone := cp.Milestone
	modelDir := ModelDir(resultsDir, milestone)
	if err := os.RemoveAll(modelDir); err != nil {
		return errors.Wrapf(err, "failed to remove previous checkpoint in %q", modelDir)
	}
	handler, err := checkpoints.Build(ctx).Dir(modelDir).Keep(1).ExcludeParams(excludeParams...).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint for milestone %d", milestone)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving variables of milestone %d", milestone)
	}
	for path, h := range map[string]*LossHistory{
		trainingLossPath(resultsDir, milestone):   cp.TrainingLoss,
		validationLossPath(resultsDir, milestone): cp.ValidationLoss,
	} {
		if h == nil {
			h = &LossHistory{}
		}
		if err = saveHistory(h, path); err != nil {
			return err
		}
	}
	cp.SavedAt = time.Now()
	contents, err := json.MarshalIndent(cp.State, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize training state")
	}
	if err = os.WriteFile(statePath(resultsDir, milestone), contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write training state of milestone %d", milestone)
	}
	klog.V(1).Infof("Saved milestone %d (step %d) to %s", milestone, cp.Step, resultsDir)
	return nil
}

// Exists returns whether the milestone was saved in resultsDir.
func Exists(resultsDir string, milestone int) bool {
	_, err := os.Stat(statePath(resultsDir, milestone))
	return err == nil
}

// Load the milestone from resultsDir: variables are loaded into ctx as they are created, so ctx should not
// have been used to build any graph yet. The training state is returned. Params listed in excludeParams are not
// loaded.
//
// It returns a segdiff.CheckpointNotFoundError if the milestone doesn't exist.
func Load(ctx *context.Context, resultsDir string, milestone int, excludeParams ...string) (*Checkpoint, error) {
	cp, _, err := load(ctx, resultsDir, milestone, excludeParams)
	return cp, err
}

func load(ctx *context.Context, resultsDir string, milestone int, excludeParams []string) (*Checkpoint, *checkpoints.Handler, error) {
	if !Exists(resultsDir, milestone) {
		return nil, nil, segdiff.NewCheckpointNotFoundError(resultsDir, milestone)
	}
	modelDir := ModelDir(resultsDir, milestone)
	if _, err := os.Stat(modelDir); err != nil {
		return nil, nil, segdiff.NewCheckpointNotFoundError(resultsDir, milestone)
	}
	contents, err := os.ReadFile(statePath(resultsDir, milestone))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read training state of milestone %d", milestone)
	}
	cp := &Checkpoint{}
	if err = json.Unmarshal(contents, &cp.State); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse training state of milestone %d", milestone)
	}
	if cp.TrainingLoss, err = loadHistory(trainingLossPath(resultsDir, milestone)); err != nil {
		return nil, nil, err
	}
	if cp.ValidationLoss, err = loadHistory(validationLossPath(resultsDir, milestone)); err != nil {
		return nil, nil, err
	}
	handler, err := checkpoints.Build(ctx).Dir(modelDir).Keep(1).ExcludeParams(excludeParams...).Done()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "loading variables of milestone %d", milestone)
	}
	klog.V(1).Infof("Loaded milestone %d (step %d) from %s", milestone, cp.Step, resultsDir)
	return cp, handler, nil
}

var reStateFile = regexp.MustCompile(`^state-(\d+)\.json$`)

// Milestones returns the saved milestones in resultsDir, in increasing order.
func Milestones(resultsDir string) ([]int, error) {
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", resultsDir)
	}
	var milestones []int
	for _, entry := range entries {
		matches := reStateFile.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		m, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		milestones = append(milestones, m)
	}
	slices.Sort(milestones)
	return milestones, nil
}

// LastMilestone returns the largest milestone saved in resultsDir, or a segdiff.CheckpointNotFoundError if
// there is none.
func LastMilestone(resultsDir string) (int, error) {
	milestones, err := Milestones(resultsDir)
	if err != nil {
		return 0, err
	}
	if len(milestones) == 0 {
		return 0, segdiff.NewCheckpointNotFoundError(resultsDir, -1)
	}
	return milestones[len(milestones)-1], nil
}
