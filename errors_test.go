package segdiff

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	err := errors.Wrap(UnknownNameError("beta_schedule", "quadratic", []string{"linear", "cosine"}), "building schedule")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.False(t, IsShapeMismatchError(err))
	assert.Contains(t, err.Error(), "quadratic")

	err = NewShapeMismatchError("img_001.png", []int{1, 64, 64, 1}, []int{1, 32, 32, 1})
	assert.True(t, IsShapeMismatchError(err))
	assert.Contains(t, err.Error(), "img_001.png")

	err = errors.WithMessage(NewCheckpointNotFoundError("/tmp/results", 3), "resuming")
	assert.True(t, IsCheckpointNotFoundError(err))
	var notFound *CheckpointNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, 3, notFound.Milestone)

	err = NewUnknownMetricError("hausdorff", []string{"dice", "iou"})
	assert.True(t, IsUnknownMetricError(err))
	assert.False(t, IsConfigurationError(err))
}
