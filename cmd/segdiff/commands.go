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

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/segdiff/checkpoint"
	"github.com/gomlx/segdiff/config"
	"github.com/gomlx/segdiff/dataset"
	"github.com/gomlx/segdiff/report"
	"github.com/gomlx/segdiff/sweep"
	"github.com/gomlx/segdiff/training"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTrainCmd() *cobra.Command {
	var milestone int
	var noProgressBar bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model, optionally resuming from a milestone, and test it at the end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(milestone)
			if err != nil {
				return err
			}
			trainer, err := training.New(cfg, newBackend(), nil, training.WithProgressBar(!noProgressBar))
			if err != nil {
				return err
			}
			if err = trainer.Train(); err != nil {
				return err
			}
			_, err = trainer.Test(nil, "")
			return err
		},
	}
	cmd.Flags().IntVar(&milestone, "milestone", 0, "Milestone to resume training from, 0 to start from scratch.")
	cmd.Flags().BoolVar(&noProgressBar, "no_progress_bar", false, "Disable the training progress bar.")
	return cmd
}

// trainerAt returns a trainer with the given milestone loaded, or the last one saved if milestone is 0.
func trainerAt(milestone int) (*training.Trainer, error) {
	cfg, err := loadConfig(milestone)
	if err != nil {
		return nil, err
	}
	if cfg.LoadMilestone == 0 {
		if cfg.LoadMilestone, err = checkpoint.LastMilestone(cfg.ResultsFolder); err != nil {
			return nil, err
		}
		klog.Infof("Using last milestone %d", cfg.LoadMilestone)
	}
	return training.New(cfg, newBackend(), nil)
}

// pairedDataset returns the dataset with all the pairs of the given folders.
func pairedDataset(name, imagesDir, masksDir string, cfg *config.Config) (*dataset.Dataset, error) {
	pf, err := dataset.NewPairedFolder(imagesDir, masksDir)
	if err != nil {
		return nil, err
	}
	indices := make([]int, pf.Len())
	for ii := range indices {
		indices[ii] = ii
	}
	return dataset.New(name, pf, indices, cfg.ImageSize, cfg.TrainBatchSize), nil
}

func newTestCmd() *cobra.Command {
	var milestone int
	var imagesDir, masksDir, resultsDir string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate the masks generated for the test split, or for the given folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trainer, err := trainerAt(milestone)
			if err != nil {
				return err
			}
			var ds *dataset.Dataset
			if imagesDir != "" || masksDir != "" {
				if ds, err = pairedDataset("test", imagesDir, masksDir, trainer.Config()); err != nil {
					return err
				}
			}
			_, err = trainer.Test(ds, resultsDir)
			return err
		},
	}
	cmd.Flags().IntVar(&milestone, "milestone", 0, "Milestone to test, 0 for the last one saved.")
	cmd.Flags().StringVar(&imagesDir, "images", "", "Folder of test images, instead of the test split.")
	cmd.Flags().StringVar(&masksDir, "masks", "", "Folder of the masks of --images.")
	cmd.Flags().StringVar(&resultsDir, "results", "", "Folder where to write the results, defaults to results_folder.")
	return cmd
}

func newInferCmd() *cobra.Command {
	var milestone int
	cmd := &cobra.Command{
		Use:   "infer INPUT OUTPUT",
		Short: "Generate the masks of a folder of images, or of a single image",
		Long: "If INPUT is a folder, the masks of all its images are written under the OUTPUT folder. " +
			"Otherwise the mask of the INPUT image is written to the OUTPUT file.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, output := args[0], args[1]
			info, err := os.Stat(input)
			if err != nil {
				return errors.Wrapf(err, "failed to access %q", input)
			}
			trainer, err := trainerAt(milestone)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return trainer.InferFolder(input, output)
			}
			return trainer.InferImage(input, output)
		},
	}
	cmd.Flags().IntVar(&milestone, "milestone", 0, "Milestone to use, 0 for the last one saved.")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var sweepFile string
	var workers int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Test a trained model with every combination of the sampling hyperparameters of --sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(0)
			if err != nil {
				return err
			}
			sw := must.M1(config.LoadSamplingSweep(sweepFile))
			_, err = sweep.Sampling(cmd.Context(), newBackend(), cfg, sw, workers, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&sweepFile, "sweep", "", "YAML file with the lists of sampling hyperparameters to try.")
	cmd.Flags().IntVar(&workers, "workers", 1, "Number of configurations tested concurrently, 0 for the number of CPUs.")
	must.M(cmd.MarkFlagRequired("sweep"))
	return cmd
}

func newKFoldCmd() *cobra.Command {
	var k int
	var imagesDir, masksDir string
	cmd := &cobra.Command{
		Use:   "kfold",
		Short: "Train one model per fold and test them",
		Long: "Each fold is trained and tested in its own fold_<i> sub-folder of results_folder. " +
			"If --images and --masks are given, every fold is also tested on them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := loadConfig(0)
			if err != nil {
				return err
			}
			configs, err := config.KFold(base, k)
			if err != nil {
				return err
			}
			backend := newBackend()
			names := make([]string, len(configs))
			means := make([]map[string]float64, len(configs))
			for fold, cfg := range configs {
				klog.Infof("Fold %d of %d: %s", fold+1, k, cfg.ResultsFolder)
				trainer, err := training.New(cfg, backend, nil)
				if err != nil {
					return err
				}
				if err = trainer.Train(); err != nil {
					return errors.WithMessagef(err, "training fold %d", fold)
				}
				results, err := trainer.Test(nil, "")
				if err != nil {
					return errors.WithMessagef(err, "testing fold %d", fold)
				}
				names[fold], means[fold] = config.FoldFolderName(fold), results.Means()
				if imagesDir != "" {
					ds, err := pairedDataset("external_test", imagesDir, masksDir, cfg)
					if err != nil {
						return err
					}
					external, err := trainer.Test(ds, filepath.Join(cfg.ResultsFolder, "external"))
					if err != nil {
						return errors.WithMessagef(err, "testing fold %d on %q", fold, imagesDir)
					}
					klog.Infof("Fold %d on %s: %v", fold, imagesDir, external.Means())
				}
			}
			if _, err := report.MergeFoldValidationLosses(base.ResultsFolder, names); err != nil {
				klog.Warningf("Validation losses of the folds not merged: %v", err)
			} else {
				klog.Infof("Validation losses of the folds written to %s",
					filepath.Join(base.ResultsFolder, report.FoldLossesFile))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test means per fold:")
			return report.PrintComparison(cmd.OutOrStdout(), base.EvalMetrics, names, means)
		},
	}
	cmd.Flags().IntVar(&k, "k", 5, "Number of folds.")
	cmd.Flags().StringVar(&imagesDir, "images", "", "Folder of extra test images.")
	cmd.Flags().StringVar(&masksDir, "masks", "", "Folder of the masks of --images.")
	return cmd
}

func newCheckNaNCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checknan FOLDER",
		Short: "List the images of FOLDER with NaN values",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			paths := must.M1(dataset.ListImages(args[0]))
			faulty := must.M1(dataset.FindNaNs(paths, true))
			if len(faulty) > 0 {
				klog.Exitf("%d faulty images out of %d in %s", len(faulty), len(paths), args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "No faulty images out of %d in %s\n", len(paths), args[0])
		},
	}
}

func newCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints [RESULTS_FOLDER]",
		Short: "Summarize the milestones saved in RESULTS_FOLDER, by default the configured results_folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := loadConfig(0)
				if err != nil {
					return err
				}
				dir = cfg.ResultsFolder
			}
			return checkpoint.PrintSummaries(cmd.OutOrStdout(), dir)
		},
	}
}

func newFoldLossesCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "foldlosses RESULTS_FOLDER",
		Short: "Merge the validation losses of the folds of a k-fold run into RESULTS_FOLDER/" + report.FoldLossesFile,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folds := make([]string, k)
			for fold := range folds {
				folds[fold] = config.FoldFolderName(fold)
			}
			merged, err := report.MergeFoldValidationLosses(args[0], folds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d validation steps of %d folds written to %s\n", merged.Nrow(), k,
				filepath.Join(args[0], report.FoldLossesFile))
			return nil
		},
	}
	cmd.Flags().IntVar(&k, "k", 5, "Number of folds.")
	return cmd
}
