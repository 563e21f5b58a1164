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

// segdiff trains diffusion models that generate segmentation masks, and uses them to segment images.
//
// Every command takes the YAML configuration of the experiment with --config, and optional overrides with
// --set, e.g.:
//
//	segdiff train --config=experiment.yaml --set="train_lr=1e-4;train_num_steps=5000"
//	segdiff test --config=experiment.yaml --milestone=3
//	segdiff infer --config=experiment.yaml --milestone=3 ~/images ~/masks
//	segdiff sweep --config=experiment.yaml --sweep=sampling.yaml --workers=2
//	segdiff kfold --config=experiment.yaml --k=5
//	segdiff checknan ~/images
//	segdiff checkpoints ~/results
package main

import (
	"flag"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/segdiff/config"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig   string
	flagSettings string
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)

	rootCmd := &cobra.Command{
		Use:           "segdiff",
		Short:         "Segmentation masks generated by diffusion models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML configuration file of the experiment.")
	rootCmd.PersistentFlags().StringVar(&flagSettings, "set", "",
		`Overrides of the configuration, a ";"-separated list of key=value, e.g. "train_lr=1e-4;dim_mults=[1,2,4]".`)

	for _, cmd := range []*cobra.Command{
		newTrainCmd(),
		newTestCmd(),
		newInferCmd(),
		newSweepCmd(),
		newKFoldCmd(),
		newFoldLossesCmd(),
		newCheckNaNCmd(),
		newCheckpointsCmd(),
	} {
		rootCmd.AddCommand(cmd)
	}
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// loadConfig reads --config, applies --set and the command line milestone (if > 0).
func loadConfig(milestone int) (*config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		var err error
		if cfg, err = config.Load(flagConfig); err != nil {
			return nil, err
		}
	}
	if err := cfg.Set(flagSettings); err != nil {
		return nil, err
	}
	if milestone > 0 {
		cfg.LoadMilestone = milestone
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Configuration:\n%s", cfg)
	return cfg, nil
}

func newBackend() backends.Backend {
	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Name())
	return backend
}
