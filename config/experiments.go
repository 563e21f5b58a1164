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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/segdiff"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SamplingSweep lists the values of the sampling hyperparameters to try. Empty lists use the value of the
// base configuration.
type SamplingSweep struct {
	SamplingTimesteps []int     `yaml:"sampling_timesteps"`
	NoisingTimesteps  []int     `yaml:"noising_timesteps"`
	DDIMSamplingEta   []float64 `yaml:"ddim_sampling_eta"`
	LoadMilestone     []int     `yaml:"load_milestone"`
}

// LoadSamplingSweep reads a SamplingSweep from a YAML file.
func LoadSamplingSweep(path string) (*SamplingSweep, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sampling sweep file %q", path)
	}
	sweep := &SamplingSweep{}
	if err = yaml.Unmarshal(contents, sweep); err != nil {
		return nil, errors.Wrapf(err, "failed to parse sampling sweep file %q", path)
	}
	return sweep, nil
}

// SamplingFolderName is the name of the results sub-folder of a sampling configuration.
func SamplingFolderName(cfg *Config) string {
	return fmt.Sprintf("st%d_nt%d_eta%s_m%d", cfg.SamplingTimesteps, cfg.NoisingTimesteps,
		strconv.FormatFloat(cfg.DDIMSamplingEta, 'g', -1, 64), cfg.LoadMilestone)
}

func orDefault[T any](values []T, value T) []T {
	if len(values) == 0 {
		return []T{value}
	}
	return values
}

// GenerateSamplingConfigs returns one configuration per element of the cartesian product of the sweep values.
//
// The configurations keep the model folder of base (where checkpoints are read from) in ResultsFolder, while
// their outputs are written to the sub-folder named by SamplingFolderName, returned in resultsFolders.
// Each configuration is validated.
func GenerateSamplingConfigs(base *Config, sweep *SamplingSweep) (configs []*Config, resultsFolders []string, err error) {
	seen := make(map[string]bool)
	for _, st := range orDefault(sweep.SamplingTimesteps, base.SamplingTimesteps) {
		for _, nt := range orDefault(sweep.NoisingTimesteps, base.NoisingTimesteps) {
			for _, eta := range orDefault(sweep.DDIMSamplingEta, base.DDIMSamplingEta) {
				for _, milestone := range orDefault(sweep.LoadMilestone, base.LoadMilestone) {
					cfg := base.Clone()
					cfg.SamplingTimesteps = st
					cfg.NoisingTimesteps = nt
					cfg.DDIMSamplingEta = eta
					cfg.LoadMilestone = milestone
					if err = cfg.Validate(); err != nil {
						return nil, nil, errors.WithMessagef(err, "sampling configuration %s", SamplingFolderName(cfg))
					}
					name := SamplingFolderName(cfg)
					if seen[name] {
						continue
					}
					seen[name] = true
					configs = append(configs, cfg)
					resultsFolders = append(resultsFolders, filepath.Join(base.ResultsFolder, name))
				}
			}
		}
	}
	return
}

// FoldFolderName is the name of the results sub-folder of fold i.
func FoldFolderName(fold int) string { return fmt.Sprintf("fold_%d", fold) }

// KFold returns k configurations, one per fold, each with its own results folder "fold_<i>" under the base
// results folder. The test split is the same for all folds, and the fold i takes the i-th of k parts of the
// rest of the data as validation, see training.SplitIndices.
func KFold(base *Config, k int) ([]*Config, error) {
	if k < 2 {
		return nil, segdiff.NewConfigurationError("k", k, "k-fold requires k >= 2")
	}
	configs := make([]*Config, k)
	for fold := range k {
		cfg := base.Clone()
		cfg.NumFolds = k
		cfg.Fold = fold
		cfg.ResultsFolder = filepath.Join(base.ResultsFolder, FoldFolderName(fold))
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		configs[fold] = cfg
	}
	return configs, nil
}
