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

// Package training orchestrates the training of a segmentation diffusion model: it splits the paired dataset,
// runs the optimizer with gradient accumulation and a moving average of the weights, periodically validates
// and checkpoints, and it tests and runs inference with the averaged model.
//
// The outputs are written under the results folder:
//
//   - model-<m>/, state-<m>.json, training_loss-<m>.csv and validation_loss-<m>.csv: see package checkpoint.
//   - validation/generated/epoch_<step>/sample_<i>.png, validation/ground_truths and
//     validation/original_images (written on the first validation only).
//   - testing/generated, testing/ground_truths, testing/original_images and testing/evaluation_results.csv.
package training

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/segdiff"
	"github.com/gomlx/segdiff/checkpoint"
	"github.com/gomlx/segdiff/config"
	"github.com/gomlx/segdiff/dataset"
	"github.com/gomlx/segdiff/diffusion"
	"github.com/gomlx/segdiff/losses"
	"github.com/gomlx/segdiff/optim"
	"github.com/gomlx/segdiff/unet"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LossHistory is the log of loss values kept by the Trainer.
type LossHistory = checkpoint.LossHistory

// Folders and files written under the results folder.
const (
	ValidationFolder  = "validation"
	TestingFolder     = "testing"
	GeneratedFolder   = "generated"
	GroundTruthFolder = "ground_truths"
	ImageFolder       = "original_images"
	ResultsFile       = "evaluation_results.csv"
	MeansFile         = "evaluation_means.csv"
	ConfigFile        = "config.yaml"
)

// Option configures a Trainer.
type Option func(t *Trainer)

// WithProgressBar enables or disables the training progress bar. Enabled by default.
func WithProgressBar(enabled bool) Option {
	return func(t *Trainer) { t.progressBar = enabled }
}

// WithPairedFolder uses pf as the dataset, instead of reading the images and segmentation folders of the
// configuration.
func WithPairedFolder(pf *dataset.PairedFolder) Option {
	return func(t *Trainer) { t.folder = pf }
}

// WithOutput sets where the test summary is printed. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(t *Trainer) { t.output = w }
}

// Trainer trains, validates, tests and runs inference of a segmentation diffusion model configured by a
// config.Config. It owns the GoMLX context with the model, optimizer and moving average variables.
//
// A Trainer is not safe for concurrent use.
type Trainer struct {
	cfg       *config.Config
	backend   backends.Backend
	ctx       *context.Context
	backbone  diffusion.Backbone
	process   *diffusion.Process
	lossFn    losses.LossFn
	optimizer *optim.Optimizer
	ema       *EMA

	folder      *dataset.PairedFolder
	split       Split
	splitReady  bool
	progressBar bool
	output      io.Writer

	runID                        string
	trainingLoss, validationLoss *LossHistory
	validated                    bool

	graphsBuilt        bool
	validationLossExec *context.Exec
	sampler            *diffusion.Sampler
	samplerUsesEMA     bool
}

// New creates a Trainer for the configuration. If backbone is nil, the U-Net configured by cfg is used.
//
// If cfg.LoadMilestone > 0 the milestone is loaded from the results folder, otherwise the random number
// generator is seeded with cfg.Seed.
func New(cfg *config.Config, backend backends.Backend, backbone diffusion.Backbone, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backbone == nil {
		unetCfg, err := cfg.UNetConfig()
		if err != nil {
			return nil, err
		}
		model, err := unet.New(unetCfg)
		if err != nil {
			return nil, err
		}
		backbone = model
	}
	diffusionCfg, err := cfg.DiffusionConfig()
	if err != nil {
		return nil, err
	}
	process, err := diffusion.New(diffusionCfg, backbone)
	if err != nil {
		return nil, err
	}
	lossFn, err := cfg.LossFn()
	if err != nil {
		return nil, err
	}
	optimCfg, err := cfg.OptimizerConfig()
	if err != nil {
		return nil, err
	}
	optimizer, err := optim.New(optimCfg)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:            cfg.Clone(),
		backend:        backend,
		ctx:            context.New(),
		backbone:       backbone,
		process:        process,
		lossFn:         lossFn,
		optimizer:      optimizer,
		ema:            NewEMA(cfg.EMADecay, cfg.EMAUpdateEvery, ""),
		progressBar:    true,
		output:         os.Stdout,
		runID:          checkpoint.NewRunID(),
		trainingLoss:   &LossHistory{},
		validationLoss: &LossHistory{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cfg.ApplyToContext(t.ctx)
	if t.cfg.LoadMilestone > 0 {
		if err = t.Load(t.cfg.LoadMilestone); err != nil {
			return nil, err
		}
	} else {
		t.ctx.RngStateFromSeed(t.cfg.Seed)
	}
	return t, nil
}

// Config returns a copy of the configuration of the Trainer.
func (t *Trainer) Config() *config.Config { return t.cfg.Clone() }

// Context returns the context holding the variables.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Process returns the diffusion process trained.
func (t *Trainer) Process() *diffusion.Process { return t.process }

// Step returns the number of optimizer steps taken so far.
func (t *Trainer) Step() int { return int(optimizers.GetGlobalStep(t.ctx)) }

// RunID identifies the training run: it is kept across resumed trainings.
func (t *Trainer) RunID() string { return t.runID }

// TrainingLoss returns the history of the training loss, one entry per optimizer step.
func (t *Trainer) TrainingLoss() *LossHistory { return t.trainingLoss }

// ValidationLoss returns the history of the validation loss.
func (t *Trainer) ValidationLoss() *LossHistory { return t.validationLoss }

// Split returns the indices of the train, validation and test subsets, reading the dataset if needed.
func (t *Trainer) Split() (Split, error) {
	err := t.loadData()
	return t.split, err
}

// loadData reads the paired folder and splits it, once.
func (t *Trainer) loadData() error {
	if t.splitReady {
		return nil
	}
	if t.folder == nil {
		if t.cfg.ImagesFolder == "" || t.cfg.SegmentationFolder == "" {
			return segdiff.NewConfigurationError("images_folder", t.cfg.ImagesFolder,
				"images_folder and segmentation_folder are required for training and testing")
		}
		pf, err := dataset.NewPairedFolder(t.cfg.ImagesFolder, t.cfg.SegmentationFolder)
		if err != nil {
			return err
		}
		t.folder = pf
	}
	split, err := SplitIndices(t.folder.Len(), t.cfg.DataSplit, t.cfg.Seed, t.cfg.Fold, t.cfg.NumFolds)
	if err != nil {
		return err
	}
	t.split, t.splitReady = split, true
	klog.V(1).Infof("dataset split: %d train, %d validation, %d test",
		len(split.Train), len(split.Validation), len(split.Test))
	return nil
}

// Load the milestone from the results folder: model, optimizer and moving average weights, global step and
// loss histories. It must be called before any training or inference, and it returns a
// segdiff.CheckpointNotFoundError if the milestone doesn't exist.
func (t *Trainer) Load(milestone int) error {
	if t.graphsBuilt {
		return errors.Errorf("cannot load milestone %d: the model was already used", milestone)
	}
	cp, err := checkpoint.Load(t.ctx, t.cfg.ResultsFolder, milestone, config.ParamsExcludedFromLoading...)
	if err != nil {
		return err
	}
	if cp.RunID != "" {
		t.runID = cp.RunID
	}
	t.trainingLoss, t.validationLoss = cp.TrainingLoss, cp.ValidationLoss
	t.validated = t.validationLoss.Len() > 0
	if step := t.Step(); step != cp.Step {
		klog.Warningf("milestone %d: global step variable is %d, but the training state has step %d",
			milestone, step, cp.Step)
	}
	klog.Infof("Loaded milestone %d of run %s (step %d)", milestone, t.runID, cp.Step)
	return nil
}

// Save a checkpoint of the current state with the given milestone.
func (t *Trainer) Save(milestone int) error {
	cp := &checkpoint.Checkpoint{
		State: checkpoint.State{
			Step:      t.Step(),
			Milestone: milestone,
			RunID:     t.runID,
		},
		TrainingLoss:   t.trainingLoss,
		ValidationLoss: t.validationLoss,
	}
	return checkpoint.Save(t.ctx, t.cfg.ResultsFolder, cp, config.ParamsExcludedFromLoading...)
}

// modelGraph is the train.ModelFn: it returns the diffusion training loss of a batch of images and masks.
// On training graphs it also registers the update of the moving average of the weights.
func (t *Trainer) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	if len(inputs) != 2 {
		exceptions.Panicf("training requires inputs (images, masks), got %d inputs", len(inputs))
	}
	g := inputs[0].Graph()
	if ctx.IsTraining(g) {
		train.AddPerStepUpdateGraphFn(ctx, g, t.ema.UpdateGraph)
	}
	images := diffusion.NormalizeToNegOneToOne(inputs[0])
	return []*Node{t.process.TrainingLoss(ctx, images, inputs[1], t.lossFn)}
}

// lossFromPredictions is the train.Trainer loss: the model already returns it.
func lossFromPredictions(_, predictions []*Node) *Node { return predictions[0] }

// scalarValue converts a scalar float tensor to float64.
func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}

// logModelSize reports the number of parameters and the memory used by the variables.
func (t *Trainer) logModelSize() {
	klog.Infof("Model: %s parameters, %s in variables",
		humanize.Comma(int64(t.ctx.NumParameters())), humanize.Bytes(uint64(t.ctx.Memory())))
}

// stepTracker follows the optimizer steps across the micro-batches of the training loop.
type stepTracker struct {
	lastStep   int
	lossSum    float64
	sizeLogged bool
}

// onStep is called after every micro-batch: when the optimizer step advanced, it records the training loss,
// and validates and checkpoints when due.
func (t *Trainer) onStep(tracker *stepTracker, metrics []*tensors.Tensor) error {
	if !tracker.sizeLogged {
		t.logModelSize()
		tracker.sizeLogged = true
	}
	if len(metrics) > 0 {
		tracker.lossSum += scalarValue(metrics[0]) / float64(t.cfg.GradientAccumulateEvery)
	}
	step := t.Step()
	if step == tracker.lastStep {
		return nil
	}
	tracker.lastStep = step
	t.trainingLoss.Append(step, tracker.lossSum)
	tracker.lossSum = 0
	if step%t.cfg.ValidateEvery == 0 {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if step%t.cfg.SaveEvery == 0 {
		if err := t.Save(step / t.cfg.SaveEvery); err != nil {
			return err
		}
	}
	return nil
}

// Train runs the optimizer until cfg.TrainNumSteps steps were taken, continuing from the current step if a
// milestone was loaded.
func (t *Trainer) Train() error {
	if err := t.loadData(); err != nil {
		return err
	}
	cfg := t.cfg
	if len(t.split.Train) == 0 {
		return segdiff.NewConfigurationError("data_split", cfg.DataSplit, "training split is empty")
	}
	if cfg.ResultsFolder != "" {
		if err := os.MkdirAll(cfg.ResultsFolder, checkpoint.DirPermMode); err != nil {
			return errors.Wrapf(err, "failed to create results folder %q", cfg.ResultsFolder)
		}
		if err := cfg.Save(filepath.Join(cfg.ResultsFolder, ConfigFile)); err != nil {
			return err
		}
	}
	startStep := t.Step()
	if startStep >= cfg.TrainNumSteps {
		klog.Infof("Global step %d already reached train_num_steps=%d", startStep, cfg.TrainNumSteps)
		return nil
	}
	if startStep > 0 {
		klog.Infof("Restarting training from step %d", startStep)
		t.trainingLoss.TruncateAfter(startStep)
		t.validationLoss.TruncateAfter(startStep)
	}

	trainDS := dataset.New("train", t.folder, t.split.Train, cfg.ImageSize, cfg.TrainBatchSize).
		Shuffle(cfg.Seed + int64(startStep)).Infinite()
	if len(t.split.Train) >= cfg.TrainBatchSize {
		trainDS.DropIncompleteBatch()
	}

	t.graphsBuilt = true
	trainer := train.NewTrainer(t.backend, t.ctx.Checked(false), t.modelGraph, lossFromPredictions, t.optimizer, nil, nil)
	if err := t.optimizer.Attach(trainer); err != nil {
		return errors.WithMessage(err, "configuring gradient accumulation")
	}
	loop := train.NewLoop(trainer)
	if t.progressBar {
		commandline.AttachProgressBar(loop)
	}
	tracker := &stepTracker{lastStep: startStep}
	loop.OnStep("segdiff", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		return t.onStep(tracker, metrics)
	})

	microSteps := (cfg.TrainNumSteps - startStep) * cfg.GradientAccumulateEvery
	klog.Infof("Training %d steps (%d micro-batches of %d examples)", cfg.TrainNumSteps-startStep,
		microSteps, cfg.TrainBatchSize)
	var runErr error
	err := exceptions.TryCatch[error](func() {
		_, runErr = loop.RunSteps(dataset.Parallel(trainDS, cfg.DataWorkers), microSteps)
	})
	if err == nil {
		err = runErr
	}
	if err != nil {
		return errors.WithMessagef(err, "training at step %d", t.Step())
	}
	klog.Infof("Training complete at step %d: median micro-batch duration %s", t.Step(),
		loop.MedianTrainStepDuration())
	return nil
}

// validationLossValue evaluates the training loss of the model on a batch, without updating the weights.
func (t *Trainer) validationLossValue(images, masks *tensors.Tensor) (loss float64, err error) {
	err = exceptions.TryCatch[error](func() {
		if t.validationLossExec == nil {
			t.graphsBuilt = true
			t.validationLossExec = context.NewExec(t.backend, t.ctx.Checked(false),
				func(ctx *context.Context, inputs []*Node) []*Node {
					return t.modelGraph(ctx, nil, inputs)
				})
		}
		lossT := t.validationLossExec.Call(images, masks)[0]
		loss = scalarValue(lossT)
		lossT.FinalizeAll()
	})
	return
}

// Validate computes the mean loss over the validation split, appends it to the validation history, and
// generates the masks of the validation images into validation/generated/epoch_<step>. Ground truths and
// the original images are written only on the first validation.
func (t *Trainer) Validate() error {
	if err := t.loadData(); err != nil {
		return err
	}
	if len(t.split.Validation) == 0 {
		klog.Warningf("validation split is empty, skipping validation")
		return nil
	}
	cfg := t.cfg
	step := t.Step()
	validationDir := filepath.Join(cfg.ResultsFolder, ValidationFolder)
	out := BatchOutput{Generated: filepath.Join(validationDir, GeneratedFolder, fmt.Sprintf("epoch_%d", step))}
	if !t.validated {
		out.GroundTruths = filepath.Join(validationDir, GroundTruthFolder)
		out.OriginalImages = filepath.Join(validationDir, ImageFolder)
	}

	ds := dataset.New("validation", t.folder, t.split.Validation, cfg.ImageSize, cfg.TrainBatchSize)
	numBatches := ds.NumBatches()
	var total float64
	for batchNum := 0; ; batchNum++ {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		loss, err := t.validationLossValue(inputs[0], inputs[1])
		if err != nil {
			return errors.WithMessagef(err, "validation loss at step %d", step)
		}
		total += loss / float64(numBatches)
		if _, err = t.InferBatch(inputs[0], inputs[1], out, batchNum*cfg.TrainBatchSize, nil); err != nil {
			return errors.WithMessagef(err, "validation at step %d", step)
		}
		for _, input := range inputs {
			input.FinalizeAll()
		}
	}
	t.validationLoss.Append(step, total)
	t.validated = true
	klog.Infof("Validation loss at step %d: %.4f", step, total)
	return nil
}
