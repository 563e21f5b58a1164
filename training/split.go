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
	"math/rand/v2"
	"slices"

	"github.com/gomlx/segdiff"
)

// DefaultSeed used to split the dataset.
const DefaultSeed = 42

// DefaultProportions of the train, validation and test splits.
var DefaultProportions = []float64{0.8, 0.1, 0.1}

// SplitProportions divides n into len(proportions) parts: each part is floor(p*n), and the remainder is
// distributed one by one to the parts, in order, starting from the first.
func SplitProportions(n int, proportions []float64) ([]int, error) {
	if n < 0 {
		return nil, segdiff.NewConfigurationError("n", n, "must be >= 0")
	}
	if len(proportions) == 0 {
		return nil, segdiff.NewConfigurationError("data_split", proportions, "requires at least one proportion")
	}
	lengths := make([]int, len(proportions))
	total := 0
	for ii, p := range proportions {
		if p < 0 {
			return nil, segdiff.NewConfigurationError("data_split", proportions, "proportions must be >= 0")
		}
		lengths[ii] = int(math.Floor(p * float64(n)))
		total += lengths[ii]
	}
	if total > n {
		return nil, segdiff.NewConfigurationError("data_split", proportions, "proportions sum to more than 1")
	}
	for ii := 0; total < n; ii++ {
		lengths[ii%len(lengths)]++
		total++
	}
	return lengths, nil
}

// Split holds the indices of the examples of each subset.
type Split struct {
	Train, Validation, Test []int
}

// SplitIndices shuffles the indices [0, n) with the seed and splits them in train, validation and test,
// with the sizes given by SplitProportions.
//
// If numFolds > 1 the test subset is kept as above, and the union of train and validation is divided into
// numFolds chunks (sized by SplitProportions with equal proportions): the chunk fold is used for validation,
// the others for training.
func SplitIndices(n int, proportions []float64, seed int64, fold, numFolds int) (Split, error) {
	if proportions == nil {
		proportions = DefaultProportions
	}
	if len(proportions) != 3 {
		return Split{}, segdiff.NewConfigurationError("data_split", proportions,
			"requires 3 proportions: train, validation and test")
	}
	lengths, err := SplitProportions(n, proportions)
	if err != nil {
		return Split{}, err
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x5eed))
	perm := rng.Perm(n)

	if numFolds <= 1 {
		return Split{
			Train:      slices.Clone(perm[:lengths[0]]),
			Validation: slices.Clone(perm[lengths[0] : lengths[0]+lengths[1]]),
			Test:       slices.Clone(perm[lengths[0]+lengths[1]:]),
		}, nil
	}

	if fold < 0 || fold >= numFolds {
		return Split{}, segdiff.NewConfigurationError("fold", fold, "must be in [0, num_folds=%d)", numFolds)
	}
	trainVal := perm[:lengths[0]+lengths[1]]
	equal := make([]float64, numFolds)
	for ii := range equal {
		equal[ii] = 1.0 / float64(numFolds)
	}
	chunks, err := SplitProportions(len(trainVal), equal)
	if err != nil {
		return Split{}, err
	}
	split := Split{Test: slices.Clone(perm[lengths[0]+lengths[1]:])}
	start := 0
	for ii, size := range chunks {
		chunk := trainVal[start : start+size]
		if ii == fold {
			split.Validation = slices.Clone(chunk)
		} else {
			split.Train = append(split.Train, chunk...)
		}
		start += size
	}
	return split, nil
}
