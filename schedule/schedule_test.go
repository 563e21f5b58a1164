package schedule

import (
	"math"
	"testing"

	"github.com/gomlx/segdiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBetasProperties(t *testing.T) {
	for _, kind := range []Kind{Linear, Cosine} {
		for _, numTimesteps := range []int{50, 100, 1000} {
			s, err := New(kind, numTimesteps)
			require.NoErrorf(t, err, "%s schedule with T=%d", kind, numTimesteps)
			betas := s.Betas()
			require.Len(t, betas, numTimesteps)
			for ii, b := range betas {
				require.Greaterf(t, b, 0.0, "%s T=%d: betas[%d]", kind, numTimesteps, ii)
				require.LessOrEqualf(t, b, MaxBeta, "%s T=%d: betas[%d]", kind, numTimesteps, ii)
			}
			ac := s.AlphasCumprod()
			assert.LessOrEqual(t, ac[0], 1.0)
			for ii := 1; ii < len(ac); ii++ {
				require.Lessf(t, ac[ii], ac[ii-1], "%s T=%d: alphas_cumprod not strictly decreasing at %d", kind, numTimesteps, ii)
			}
			prev := s.AlphasCumprodPrev()
			assert.Equal(t, 1.0, prev[0])
			assert.Equal(t, ac[:numTimesteps-1], prev[1:])
		}
	}
}

func TestCosineScenario(t *testing.T) {
	s, err := New(Cosine, 1000)
	require.NoError(t, err)
	betas := s.Betas()
	assert.InDelta(t, 8.0e-4, betas[0], 1e-3)
	assert.Equal(t, MaxBeta, betas[len(betas)-1])
	assert.InDelta(t, 1.0, s.SqrtAlphasCumprod()[0], 1e-4)
}

func TestLinearBetas(t *testing.T) {
	betas := LinearBetas(1000)
	assert.InDelta(t, 1e-4, betas[0], 1e-12)
	assert.InDelta(t, 0.02, betas[999], 1e-12)

	// Scaled by 1000/T.
	betas = LinearBetas(500)
	assert.InDelta(t, 2e-4, betas[0], 1e-12)
	assert.InDelta(t, 0.04, betas[499], 1e-12)
}

func TestPosterior(t *testing.T) {
	s, err := New(Linear, 100)
	require.NoError(t, err)
	variance := s.PosteriorVariance()
	logVariance := s.PosteriorLogVarianceClipped()
	assert.Equal(t, 0.0, variance[0])
	assert.InDelta(t, math.Log(PosteriorVarianceFloor), logVariance[0], 1e-9)
	assert.False(t, math.IsInf(logVariance[0], -1))
	for ii := 1; ii < len(variance); ii++ {
		assert.InDelta(t, math.Log(variance[ii]), logVariance[ii], 1e-12)
	}

	// Posterior mean coefficients at t=0 select x_0 exactly.
	assert.InDelta(t, 1.0, s.PosteriorMeanCoef1()[0], 1e-9)
	assert.InDelta(t, 0.0, s.PosteriorMeanCoef2()[0], 1e-9)
}

func TestP2LossWeight(t *testing.T) {
	s, err := New(Cosine, 100)
	require.NoError(t, err)
	for _, w := range s.P2LossWeight(1, 0) {
		require.Equal(t, 1.0, w)
	}
	weights := s.P2LossWeight(1, 1)
	for ii := 1; ii < len(weights); ii++ {
		require.Greater(t, weights[ii], weights[ii-1], "with gamma>0 noisier steps weight more")
	}
}

func TestConfigurationErrors(t *testing.T) {
	_, err := ParseKind("quadratic")
	require.Error(t, err)
	assert.True(t, segdiff.IsConfigurationError(err))

	k, err := ParseKind("cosine")
	require.NoError(t, err)
	assert.Equal(t, Cosine, k)

	_, err = New(Linear, 0)
	assert.True(t, segdiff.IsConfigurationError(err))

	// Linear schedule with too few steps has betas >= 1.
	_, err = New(Linear, 10)
	assert.True(t, segdiff.IsConfigurationError(err))

	_, err = New(Kind(7), 100)
	assert.True(t, segdiff.IsConfigurationError(err))
}

func TestAccessorsReturnCopies(t *testing.T) {
	s, err := New(Cosine, 10)
	require.NoError(t, err)
	betas := s.Betas()
	betas[0] = 0.5
	assert.NotEqual(t, 0.5, s.Betas()[0])
	assert.Equal(t, 1.0, s.AlphaCumprodAt(-1))
	assert.Equal(t, s.AlphasCumprod()[3], s.AlphaCumprodAt(3))
}
