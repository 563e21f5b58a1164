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

// Package segdiff trains diffusion models that map images to segmentation masks.
//
// The sub-packages hold the pieces:
//
//   - schedule: noise schedules (betas and their cumulative products).
//   - diffusion: forward noising, model parameterizations and the ancestral / DDIM samplers.
//   - losses: MSE and the family of triplet losses used to train the segmentation mapping.
//   - unet: the default backbone model.
//   - optim: optimizers, gradient clipping and accumulation.
//   - training: the training orchestrator, validation, testing and inference.
//   - checkpoint, dataset, metrics, config, sweep and report: supporting infrastructure.
//
// This package holds only the error types shared by all of them.
package segdiff

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ConfigurationError is returned when a configuration value is unknown or invalid: schedule kind,
// objective, optimizer, loss name, or inconsistent step counts.
//
// Configuration errors are fatal to a run and are never silently replaced by defaults.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid configuration %s=%v", e.Field, e.Value)
	}
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Field, e.Value, e.Reason)
}

// NewConfigurationError creates a ConfigurationError for field with the given value,
// the reason is formatted with fmt.Sprintf.
func NewConfigurationError(field string, value any, format string, args ...any) error {
	return errors.WithStack(&ConfigurationError{Field: field, Value: value, Reason: fmt.Sprintf(format, args...)})
}

// UnknownNameError creates a ConfigurationError for an enum-like field whose value is not one of known.
func UnknownNameError(field, value string, known []string) error {
	return NewConfigurationError(field, value, "valid values are %q", known)
}

// ShapeMismatchError is returned when the image and its segmentation mask dimensions disagree.
type ShapeMismatchError struct {
	Image, Mask []int
	Source      string
}

func (e *ShapeMismatchError) Error() string {
	msg := fmt.Sprintf("image dimensions %v and mask dimensions %v don't match", e.Image, e.Mask)
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	return msg
}

// NewShapeMismatchError creates a ShapeMismatchError. source is optional and usually a file name.
func NewShapeMismatchError(source string, image, mask []int) error {
	return errors.WithStack(&ShapeMismatchError{Image: image, Mask: mask, Source: source})
}

// CheckpointNotFoundError is returned when resuming from a milestone that was never saved.
type CheckpointNotFoundError struct {
	Dir       string
	Milestone int
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint for milestone %d not found in %q", e.Milestone, e.Dir)
}

// NewCheckpointNotFoundError creates a CheckpointNotFoundError.
func NewCheckpointNotFoundError(dir string, milestone int) error {
	return errors.WithStack(&CheckpointNotFoundError{Dir: dir, Milestone: milestone})
}

// UnknownMetricError is returned when an evaluation metric name is not registered.
type UnknownMetricError struct {
	Name  string
	Known []string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown metric %q, registered metrics are: %s", e.Name, strings.Join(e.Known, ", "))
}

// NewUnknownMetricError creates an UnknownMetricError.
func NewUnknownMetricError(name string, known []string) error {
	return errors.WithStack(&UnknownMetricError{Name: name, Known: known})
}

// IsConfigurationError reports whether any error in err's chain is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsShapeMismatchError reports whether any error in err's chain is a ShapeMismatchError.
func IsShapeMismatchError(err error) bool {
	var target *ShapeMismatchError
	return errors.As(err, &target)
}

// IsCheckpointNotFoundError reports whether any error in err's chain is a CheckpointNotFoundError.
func IsCheckpointNotFoundError(err error) bool {
	var target *CheckpointNotFoundError
	return errors.As(err, &target)
}

// IsUnknownMetricError reports whether any error in err's chain is an UnknownMetricError.
func IsUnknownMetricError(err error) bool {
	var target *UnknownMetricError
	return errors.As(err, &target)
}
