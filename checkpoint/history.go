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
	"encoding/csv"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// LossEntry is one value of a LossHistory.
type LossEntry struct {
	Step int
	Loss float64
}

// LossHistory is an append-only log of loss values, ordered by step.
type LossHistory struct {
	entries []LossEntry
}

// Append a loss value. Steps must be appended in increasing order, a repeated step replaces the last value.
func (h *LossHistory) Append(step int, loss float64) {
	if n := len(h.entries); n > 0 && h.entries[n-1].Step >= step {
		if h.entries[n-1].Step == step {
			h.entries[n-1].Loss = loss
			return
		}
		// Out of order: keep the log sorted.
		idx, _ := slices.BinarySearchFunc(h.entries, step, func(e LossEntry, s int) int { return e.Step - s })
		if idx < n && h.entries[idx].Step == step {
			h.entries[idx].Loss = loss
			return
		}
		h.entries = slices.Insert(h.entries, idx, LossEntry{step, loss})
		return
	}
	h.entries = append(h.entries, LossEntry{step, loss})
}

// Len returns the number of entries.
func (h *LossHistory) Len() int { return len(h.entries) }

// Last returns the last entry, and false if the history is empty.
func (h *LossHistory) Last() (LossEntry, bool) {
	if len(h.entries) == 0 {
		return LossEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Entries returns a copy of the entries.
func (h *LossHistory) Entries() []LossEntry { return slices.Clone(h.entries) }

// TruncateAfter removes the entries after step.
func (h *LossHistory) TruncateAfter(step int) {
	h.entries = slices.DeleteFunc(h.entries, func(e LossEntry) bool { return e.Step > step })
}

// WriteCSV writes the history with the header "step,loss".
func (h *LossHistory) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"step", "loss"}); err != nil {
		return errors.Wrap(err, "failed to write loss history")
	}
	for _, e := range h.entries {
		if err := cw.Write([]string{strconv.Itoa(e.Step), strconv.FormatFloat(e.Loss, 'g', -1, 64)}); err != nil {
			return errors.Wrap(err, "failed to write loss history")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to write loss history")
}

// ReadCSV reads a history written by WriteCSV. It also accepts files with an extra leading index column, and
// with the step column named "epoch".
func ReadCSV(r io.Reader) (*LossHistory, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read loss history")
	}
	if len(records) == 0 {
		return nil, errors.New("loss history has no header")
	}
	stepCol, lossCol := -1, -1
	for ii, name := range records[0] {
		switch name {
		case "step", "epoch":
			stepCol = ii
		case "loss":
			lossCol = ii
		}
	}
	if stepCol < 0 || lossCol < 0 {
		return nil, errors.Errorf("loss history header %q must have columns \"step\" and \"loss\"", records[0])
	}
	h := &LossHistory{}
	for lineNum, record := range records[1:] {
		step, err := strconv.Atoi(record[stepCol])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid step in line %d of loss history", lineNum+2)
		}
		loss, err := strconv.ParseFloat(record[lossCol], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid loss in line %d of loss history", lineNum+2)
		}
		h.Append(step, loss)
	}
	return h, nil
}

// saveHistory writes the history to path.
func saveHistory(h *LossHistory, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = h.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// loadHistory reads the history from path.
func loadHistory(path string) (*LossHistory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	h, err := ReadCSV(f)
	return h, errors.WithMessagef(err, "reading %q", path)
}
