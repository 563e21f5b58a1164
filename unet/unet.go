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

// Package unet implements the default denoising backbone: a U-Net conditioned on the diffusion timestep
// and, optionally, on the previous estimate of the mask (self-conditioning).
package unet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/segdiff"
)

// Scope of the model variables, under the context given to Predict.
const Scope = "unet"

// Config of the U-Net.
type Config struct {
	// Dim is the number of channels of the first level, and DimMults the multiplier of each level:
	// level i has Dim*DimMults[i] channels and half the spatial size of level i-1.
	Dim      int
	DimMults []int

	// NumResidualBlocks per level.
	NumResidualBlocks int

	// Timesteps of the diffusion, used to normalize the timestep before its sinusoidal embedding.
	Timesteps int

	// SelfCondition concatenates the self-conditioning input (zeros if not given) to the noisy input.
	SelfCondition bool

	// EmbedSize of the sinusoidal timestep embedding. It must be even.
	EmbedSize int

	// MinFreq and MaxFreq of the sinusoidal embedding.
	MinFreq, MaxFreq float64
}

// DefaultConfig returns the U-Net configuration used by default.
func DefaultConfig() Config {
	return Config{
		Dim:               64,
		DimMults:          []int{1, 2, 4, 8},
		NumResidualBlocks: 2,
		Timesteps:         1000,
		EmbedSize:         32,
		MinFreq:           1.0,
		MaxFreq:           1000.0,
	}
}

// Model is the U-Net backbone. It implements diffusion.Backbone.
type Model struct {
	cfg       Config
	nanLogger *nanlogger.NanLogger
}

// New validates the configuration and returns the U-Net model.
func New(cfg Config) (*Model, error) {
	if cfg.Dim <= 0 {
		return nil, segdiff.NewConfigurationError("dim", cfg.Dim, "must be > 0")
	}
	if len(cfg.DimMults) == 0 {
		return nil, segdiff.NewConfigurationError("dim_mults", cfg.DimMults, "at least one level is required")
	}
	for _, m := range cfg.DimMults {
		if m <= 0 {
			return nil, segdiff.NewConfigurationError("dim_mults", cfg.DimMults, "multipliers must be > 0")
		}
	}
	if cfg.NumResidualBlocks <= 0 {
		return nil, segdiff.NewConfigurationError("num_residual_blocks", cfg.NumResidualBlocks, "must be > 0")
	}
	if cfg.Timesteps <= 0 {
		return nil, segdiff.NewConfigurationError("timesteps", cfg.Timesteps, "must be > 0")
	}
	if cfg.EmbedSize < 2 || cfg.EmbedSize%2 != 0 {
		return nil, segdiff.NewConfigurationError("embed_size", cfg.EmbedSize, "must be an even number >= 2")
	}
	if cfg.MinFreq <= 0 || cfg.MaxFreq <= cfg.MinFreq {
		return nil, segdiff.NewConfigurationError("max_freq", cfg.MaxFreq, "frequencies must satisfy 0 < min_freq=%g < max_freq", cfg.MinFreq)
	}
	return &Model{cfg: cfg}, nil
}

// WithNanLogger traces the first NaN appearing in the model, for debugging. nil disables it.
func (m *Model) WithNanLogger(l *nanlogger.NanLogger) *Model {
	m.nanLogger = l
	return m
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// ChannelsList returns the number of channels of each level.
func (m *Model) ChannelsList() []int {
	return xslices.Map(m.cfg.DimMults, func(mult int) int { return mult * m.cfg.Dim })
}

// MinImageSize returns the smallest spatial size supported: each level halves it.
func (m *Model) MinImageSize() int {
	return 1 << len(m.cfg.DimMults)
}

// SelfConditioning returns whether the model takes the self-conditioning input.
func (m *Model) SelfConditioning() bool { return m.cfg.SelfCondition }

// SinusoidalEmbedding of x for geometrically spaced frequencies in [minFreq, maxFreq].
// x is shaped `[batch_size, 1, 1, 1]` and the result `[batch_size, 1, 1, embedSize]`.
func SinusoidalEmbedding(x *Node, embedSize int, minFreq, maxFreq float64) *Node {
	g := x.Graph()
	halfEmbed := embedSize / 2
	logMinFreq, logMaxFreq := math.Log(minFreq), math.Log(maxFreq)
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	if halfEmbed > 1 {
		frequencies = MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1))
	}
	frequencies = Exp(AddScalar(frequencies, logMinFreq))
	angularSpeeds := Reshape(MulScalar(frequencies, 2.0*math.Pi), 1, 1, 1, halfEmbed)
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// concatFeatures broadcasts features, shaped `[batch_size, 1, 1, n]`, to the spatial dimensions of x and
// concatenates them as extra channels.
func concatFeatures(x, features *Node) *Node {
	dims := x.Shape().Clone().Dimensions
	dims[3] = features.Shape().Dimensions[3]
	return Concatenate([]*Node{x, BroadcastToDims(features, dims...)}, -1)
}

// ResidualBlock with `outputChannels` in the output, for x shaped `[batch_size, height, width, channels]`.
func (m *Model) ResidualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}
	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = layers.LayerNormalization(nextCtx("norm"), x, 1, 2).Done()
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv").WithInitializer(initializers.Zero), x).
		Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = Add(x, residual)
	m.nanLogger.TraceFirstNaN(x, "ResidualBlock")
	return x
}

// DownBlock applies the residual blocks, pushing each output to skips, and then halves the spatial size.
func (m *Model) DownBlock(ctx *context.Context, x *Node, skips []*Node, outputChannels int) (*Node, []*Node) {
	for ii := range m.cfg.NumResidualBlocks {
		x = m.ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
		skips = append(skips, x)
	}
	x = MeanPool(x).Window(2).NoPadding().Done()
	return x, skips
}

// UpSampleImages doubles the spatial size of images, repeating each pixel (nearest neighbor).
func UpSampleImages(images *Node) *Node {
	dims := images.Shape().Dimensions
	batchSize, height, width, numChannels := dims[0], dims[1], dims[2], dims[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	return Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
}

// UpBlock is the counterpart of DownBlock: it doubles the spatial size and applies the residual blocks,
// each on the concatenation with a skip connection popped from skips.
func (m *Model) UpBlock(ctx *context.Context, x *Node, skips []*Node, outputChannels int) (*Node, []*Node) {
	x = UpSampleImages(x)
	for ii := range m.cfg.NumResidualBlocks {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = m.ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
	}
	return x, skips
}

// Predict implements diffusion.Backbone: x is shaped `[batch_size, height, width, channels]`, t is int32
// shaped `[batch_size]`, and selfCond is nil or shaped like x. The output is shaped like x.
func (m *Model) Predict(ctx *context.Context, x, t, selfCond *Node) *Node {
	ctx = ctx.In(Scope)
	dtype := x.DType()
	x.AssertRank(4)
	batchSize, height, width, channels := x.Shape().Dimensions[0], x.Shape().Dimensions[1], x.Shape().Dimensions[2], x.Shape().Dimensions[3]
	t.AssertDims(batchSize)
	if minSize := m.MinImageSize(); height%minSize != 0 || width%minSize != 0 {
		exceptions.Panicf("unet: image size %dx%d must be divisible by %d (2^len(dim_mults))", height, width, minSize)
	}
	m.nanLogger.TraceFirstNaN(x, "unet:x")

	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	if m.cfg.SelfCondition {
		if selfCond == nil {
			selfCond = ZerosLike(x)
		}
		x = Concatenate([]*Node{x, selfCond}, -1)
	}

	// Timestep embedding, normalized to [0, 1).
	times := DivScalar(ConvertDType(Reshape(t, batchSize, 1, 1, 1), dtype), float64(m.cfg.Timesteps))
	timeEmbed := SinusoidalEmbedding(times, m.cfg.EmbedSize, m.cfg.MinFreq, m.cfg.MaxFreq)
	timeEmbed = layers.Dense(nextCtx("TimeEmbedding"), timeEmbed, true, m.cfg.EmbedSize)
	timeEmbed = activations.ApplyFromContext(ctx, timeEmbed)

	channelsList := m.ChannelsList()
	x = layers.Dense(nextCtx("StartingChannelsProjection"), x, true, channelsList[0])

	skips := make([]*Node, 0, m.cfg.NumResidualBlocks*len(channelsList))
	for ii, numChannels := range channelsList {
		x = concatFeatures(x, timeEmbed)
		x, skips = m.DownBlock(nextCtx("DownBlock_%d", ii), x, skips, numChannels)
	}

	lastNumChannels := xslices.Last(channelsList)
	for ii := range m.cfg.NumResidualBlocks {
		x = m.ResidualBlock(nextCtx("IntermediaryBlock-%02d", ii), x, lastNumChannels)
	}

	for ii := range channelsList {
		numChannels := channelsList[len(channelsList)-(ii+1)]
		x, skips = m.UpBlock(nextCtx("UpBlock_%d", ii), x, skips, numChannels)
	}
	if len(skips) != 0 {
		exceptions.Panicf("unet: ended with %d skips not accounted for", len(skips))
	}

	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, channels)
	m.nanLogger.TraceFirstNaN(x, "unet:output")
	return x
}
