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

// Package sweep runs independent experiment configurations with a bounded pool of goroutines.
//
// Jobs share nothing but the backend: each one builds its own trainer, with its own context and sampler.
package sweep

import (
	"context"
	"io"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/segdiff/checkpoint"
	"github.com/gomlx/segdiff/config"
	"github.com/gomlx/segdiff/report"
	"github.com/gomlx/segdiff/training"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// RunFn runs the job of the configuration with index idx.
type RunFn[R any] func(ctx context.Context, idx int, cfg *config.Config) (R, error)

// Run calls runFn for every configuration, with at most workers (NumCPU if <= 0) running concurrently. It
// returns the results in the order of configs. The first error cancels ctx of the jobs still running, stops
// launching new ones, and is returned.
func Run[R any](ctx context.Context, configs []*config.Config, workers int, runFn RunFn[R]) ([]R, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	results := make([]R, len(configs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for ii, cfg := range configs {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			result, err := runFn(gCtx, ii, cfg)
			if err != nil {
				return errors.WithMessagef(err, "job #%d", ii)
			}
			results[ii] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SamplingResult is the outcome of testing one sampling configuration.
type SamplingResult struct {
	Name          string
	ResultsFolder string
	Means         map[string]float64
}

// Sampling tests the trained model of base with every sampling configuration of the sweep, using at most
// workers concurrent jobs. Each configuration writes its test outputs to its own sub-folder of the base
// results folder. Configurations with load_milestone 0 use the last milestone saved.
//
// The comparison of the metric means is printed to w, if not nil.
func Sampling(ctx context.Context, backend backends.Backend, base *config.Config, sw *config.SamplingSweep,
	workers int, w io.Writer) ([]SamplingResult, error) {
	last, err := checkpoint.LastMilestone(base.ResultsFolder)
	if err != nil {
		return nil, err
	}
	base = base.Clone()
	if base.LoadMilestone == 0 {
		base.LoadMilestone = last
	}
	resolved := *sw
	resolved.LoadMilestone = slices.Clone(sw.LoadMilestone)
	for ii, m := range resolved.LoadMilestone {
		if m == 0 {
			resolved.LoadMilestone[ii] = last
		}
	}
	configs, folders, err := config.GenerateSamplingConfigs(base, &resolved)
	if err != nil {
		return nil, err
	}
	klog.Infof("Running %d sampling configurations with %d workers", len(configs), workers)
	results, err := Run(ctx, configs, workers, func(ctx context.Context, idx int, cfg *config.Config) (SamplingResult, error) {
		name := filepath.Base(folders[idx])
		trainer, err := training.New(cfg, backend, nil, training.WithProgressBar(false), training.WithOutput(io.Discard))
		if err != nil {
			return SamplingResult{}, err
		}
		if err = ctx.Err(); err != nil {
			return SamplingResult{}, err
		}
		if err = cfg.Save(filepath.Join(folders[idx], training.ConfigFile)); err != nil {
			return SamplingResult{}, err
		}
		testResults, err := trainer.Test(nil, folders[idx])
		if err != nil {
			return SamplingResult{}, errors.WithMessagef(err, "sampling configuration %s", name)
		}
		klog.Infof("Sampling configuration %s done: %v", name, testResults.Means())
		return SamplingResult{Name: name, ResultsFolder: folders[idx], Means: testResults.Means()}, nil
	})
	if err != nil {
		return nil, err
	}
	if w != nil {
		names := make([]string, len(results))
		means := make([]map[string]float64, len(results))
		for ii, r := range results {
			names[ii], means[ii] = r.Name, r.Means
		}
		if err = report.PrintComparison(w, base.EvalMetrics, names, means); err != nil {
			return nil, err
		}
	}
	return results, nil
}
