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

// Package report collects the per-sample evaluation results of a test run, writes them as CSV files and
// prints their summary.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

// Column names of the per-sample results.
const (
	IndexColumn         = "index"
	PredictedColumn     = "predicted_segmentation"
	GroundTruthColumn   = "ground_truth_segmentation"
	OriginalImageColumn = "original_image"
)

// Column names of the means file.
const (
	MetricColumn = "metric"
	MeanColumn   = "mean"
)

// Row holds the evaluation of one sample. Empty paths are written as empty strings.
type Row struct {
	Index                                 int
	Predicted, GroundTruth, OriginalImage string
	Metrics                               map[string]float64
}

// Results is an ordered collection of evaluated samples, all with the same metrics.
type Results struct {
	metricNames []string
	rows        []Row
}

// New returns an empty Results for the given metrics.
func New(metricNames []string) *Results {
	return &Results{metricNames: slices.Clone(metricNames)}
}

// Add rows. Rows missing a metric are rejected.
func (r *Results) Add(rows ...Row) error {
	for _, row := range rows {
		for _, name := range r.metricNames {
			if _, found := row.Metrics[name]; !found {
				return errors.Errorf("row for sample %d is missing metric %q", row.Index, name)
			}
		}
	}
	r.rows = append(r.rows, rows...)
	return nil
}

// Len returns the number of rows.
func (r *Results) Len() int { return len(r.rows) }

// MetricNames returns the names of the metrics, in order.
func (r *Results) MetricNames() []string { return slices.Clone(r.metricNames) }

// Rows returns a copy of the rows.
func (r *Results) Rows() []Row { return slices.Clone(r.rows) }

// DataFrame returns the results with one row per sample: the index, the image paths and one column per metric.
func (r *Results) DataFrame() dataframe.DataFrame {
	n := len(r.rows)
	indices := make([]int, n)
	predicted, groundTruth, original := make([]string, n), make([]string, n), make([]string, n)
	for ii, row := range r.rows {
		indices[ii] = row.Index
		predicted[ii], groundTruth[ii], original[ii] = row.Predicted, row.GroundTruth, row.OriginalImage
	}
	columns := []series.Series{
		series.New(indices, series.Int, IndexColumn),
		series.New(predicted, series.String, PredictedColumn),
		series.New(groundTruth, series.String, GroundTruthColumn),
		series.New(original, series.String, OriginalImageColumn),
	}
	for _, name := range r.metricNames {
		values := make([]float64, n)
		for ii, row := range r.rows {
			values[ii] = row.Metrics[name]
		}
		columns = append(columns, series.New(values, series.Float, name))
	}
	return dataframe.New(columns...)
}

// Means returns the mean of each metric over the samples. It is empty if there are no rows.
func (r *Results) Means() map[string]float64 {
	means := make(map[string]float64, len(r.metricNames))
	if len(r.rows) == 0 {
		return means
	}
	df := r.DataFrame()
	for _, name := range r.metricNames {
		means[name] = df.Col(name).Mean()
	}
	return means
}

// writeDataFrame writes df as CSV to path, creating the parent directories.
func writeDataFrame(df dataframe.DataFrame, path string) error {
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build results table")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// WriteCSV writes the per-sample results to path.
func (r *Results) WriteCSV(path string) error {
	return writeDataFrame(r.DataFrame(), path)
}

// WriteMeansCSV writes the mean of each metric to path, with columns "metric" and "mean".
func (r *Results) WriteMeansCSV(path string) error {
	means := r.Means()
	values := make([]float64, len(r.metricNames))
	for ii, name := range r.metricNames {
		values[ii] = means[name]
	}
	df := dataframe.New(
		series.New(r.metricNames, series.String, MetricColumn),
		series.New(values, series.Float, MeanColumn))
	return writeDataFrame(df, path)
}

// ReadMeansCSV reads a file written by WriteMeansCSV.
func ReadMeansCSV(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.WithTypes(map[string]series.Type{
		MetricColumn: series.String,
		MeanColumn:   series.Float,
	}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse %q", path)
	}
	names, values := df.Col(MetricColumn).Records(), df.Col(MeanColumn).Float()
	means := make(map[string]float64, len(names))
	for ii, name := range names {
		means[name] = values[ii]
	}
	return means, nil
}

func formatValue(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

// PrintSummary prints a table with the mean of each metric.
func (r *Results) PrintSummary(w io.Writer) {
	means := r.Means()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"METRIC", "MEAN"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, name := range r.metricNames {
		table.Append([]string{name, formatValue(means[name])})
	}
	table.SetFooter([]string{"samples", strconv.Itoa(len(r.rows))})
	table.Render()
}

// PrintComparison prints one line per named run with the mean of each metric: used to compare the runs of a
// sweep. Metrics missing in a run are printed as "-".
func PrintComparison(w io.Writer, metricNames []string, runs []string, means []map[string]float64) error {
	if len(runs) != len(means) {
		return errors.Errorf("%d runs given, but %d sets of means", len(runs), len(means))
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader(append([]string{"RUN"}, metricNames...))
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for ii, run := range runs {
		line := []string{run}
		for _, name := range metricNames {
			if v, found := means[ii][name]; found {
				line = append(line, formatValue(v))
			} else {
				line = append(line, "-")
			}
		}
		table.Append(line)
	}
	table.Render()
	return nil
}

func (r *Results) String() string {
	return fmt.Sprintf("%d samples evaluated with %v", len(r.rows), r.metricNames)
}
