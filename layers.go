package dcgan

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

const (
	// BatchNormEpsilon is added to the variance before taking its square root,
	// for numerical stability.
	BatchNormEpsilon = 1e-4

	// BatchNormMomentum is the decay of the exponential moving averages kept
	// for the per-channel mean and variance, used for normalization during
	// inference.
	BatchNormMomentum = 0.9

	// WeightsInitStddev is the standard deviation of the truncated normal
	// distribution used to initialize convolution and linear weights.
	WeightsInitStddev = 0.02
)

// TruncatedNormalFn returns a variable initializer that samples from a normal
// distribution with mean 0 and the given standard deviation, clipped at two
// standard deviations. It draws from the context's random state.
func TruncatedNormalFn(ctx *context.Context, stddev float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		values := MulScalar(ctx.RandomNormal(g, shape), stddev)
		return ClipScalar(values, -2*stddev, 2*stddev)
	}
}

// BatchNormalization normalizes x per-channel (the last axis), with learned
// scale and offset parameters.
//
// During training (see Context.SetTraining) it normalizes with the mean and
// variance of the current batch, calculated over all other axes, and as a
// side effect updates exponential moving averages of those statistics with
// decay BatchNormMomentum. During inference it normalizes with the stored
// moving averages instead, so repeated calls on the same input with
// unchanged variables yield identical outputs.
//
// Variables are created in a "batch_normalization" sub-scope of ctx.
func BatchNormalization(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	ctx = ctx.In("batch_normalization")

	featureAxis := x.Rank() - 1
	featureDim := x.Shape().Dimensions[featureAxis]
	varShape := shapes.Make(dtype, featureDim)

	scaleVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("scale", varShape).SetTrainable(true)
	offsetVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", varShape).SetTrainable(true)

	// Moving averages of the batch statistics, consumed during inference.
	meanAvgVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("mean", varShape).SetTrainable(false)
	varianceAvgVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("variance", varShape).SetTrainable(false)

	var mean, variance *Node
	if ctx.IsTraining(g) {
		mean, variance = batchMeanAndVariance(x, featureAxis)
		decay := Scalar(g, dtype, BatchNormMomentum)
		meanAvgVar.SetValueGraph(Add(
			Mul(decay, meanAvgVar.ValueGraph(g)),
			Mul(OneMinus(decay), mean)))
		varianceAvgVar.SetValueGraph(Add(
			Mul(decay, varianceAvgVar.ValueGraph(g)),
			Mul(OneMinus(decay), variance)))
	} else {
		mean = meanAvgVar.ValueGraph(g)
		variance = varianceAvgVar.ValueGraph(g)
	}

	// Expand the per-channel statistics so they broadcast over x.
	dims := xslices.SliceWithValue(x.Rank(), 1)
	dims[featureAxis] = featureDim
	normalized := Div(
		Sub(x, Reshape(mean, dims...)),
		Sqrt(AddScalar(Reshape(variance, dims...), BatchNormEpsilon)))
	normalized = Mul(normalized, Reshape(scaleVar.ValueGraph(g), dims...))
	return Add(normalized, Reshape(offsetVar.ValueGraph(g), dims...))
}

// batchMeanAndVariance of x over all axes but featureAxis, each shaped
// [featureDim]. Gradients are not propagated through the statistics.
func batchMeanAndVariance(x *Node, featureAxis int) (mean, variance *Node) {
	nonFeatureAxes := make([]int, 0, x.Rank()-1)
	for axis := range x.Rank() {
		if axis != featureAxis {
			nonFeatureAxes = append(nonFeatureAxes, axis)
		}
	}
	meanKept := ReduceAndKeep(x, ReduceMean, nonFeatureAxes...)
	variance = ReduceMean(Square(Sub(x, meanKept)), nonFeatureAxes...)
	mean = Reshape(meanKept, variance.Shape().Dimensions...)
	mean = StopGradient(mean)
	variance = StopGradient(variance)
	return
}

// ConvBlockConfig is a builder for a convolution block, an optional batch
// normalization followed by a "same"-padded 2D convolution, regular or
// transposed, with learned weights and biases.
//
// Create it with ConvBlock, configure it and call Done.
type ConvBlockConfig struct {
	ctx        *context.Context
	x          *Node
	kernelSize int
	channels   int
	strides    int
	transposed bool
	batchNorm  bool
}

// ConvBlock returns a builder for a convolution block on x: batch
// normalization (unless disabled with NoBatchNorm) followed by a 2D
// convolution with "same" spatial padding, weights initialized from a
// truncated normal distribution and biases initialized to zero.
//
// It defaults to a 5x5 kernel and stride 1. The number of output channels
// must be set with Channels. With Transposed the block applies a transposed
// (fractionally strided) convolution instead, upsampling the spatial
// dimensions by the stride factor.
//
// x must be shaped [batchSize, height, width, channels].
func ConvBlock(ctx *context.Context, x *Node) *ConvBlockConfig {
	x.AssertRank(4)
	return &ConvBlockConfig{
		ctx:        ctx,
		x:          x,
		kernelSize: 5,
		strides:    1,
		batchNorm:  true,
	}
}

// KernelSize sets the spatial size of the (square) convolution kernel.
// It defaults to 5.
func (c *ConvBlockConfig) KernelSize(size int) *ConvBlockConfig {
	c.kernelSize = size
	return c
}

// Channels sets the number of output channels. It must be set.
func (c *ConvBlockConfig) Channels(channels int) *ConvBlockConfig {
	c.channels = channels
	return c
}

// Strides sets the stride of the convolution, or for a transposed
// convolution the upsampling factor. It defaults to 1.
func (c *ConvBlockConfig) Strides(strides int) *ConvBlockConfig {
	c.strides = strides
	return c
}

// Transposed makes the block apply a transposed convolution, upsampling the
// spatial dimensions by the stride factor.
func (c *ConvBlockConfig) Transposed() *ConvBlockConfig {
	c.transposed = true
	return c
}

// NoBatchNorm disables the batch normalization applied before the
// convolution.
func (c *ConvBlockConfig) NoBatchNorm() *ConvBlockConfig {
	c.batchNorm = false
	return c
}

// Done builds the block and returns its output.
func (c *ConvBlockConfig) Done() *Node {
	ctx := c.ctx
	x := c.x
	g := x.Graph()
	dtype := x.DType()
	if c.channels <= 0 {
		Panicf("ConvBlock requires Channels > 0, got %d", c.channels)
	}
	if c.strides < 1 {
		Panicf("ConvBlock requires Strides >= 1, got %d", c.strides)
	}

	if c.batchNorm {
		x = BatchNormalization(ctx, x)
	}

	inputChannels := x.Shape().Dimensions[x.Rank()-1]
	k := c.kernelSize
	var output *Node
	if c.transposed {
		// Transposed convolution weights are laid out [k, k, out, in], the
		// output channels taking the place of the input ones.
		weightsVar := ctx.WithInitializer(TruncatedNormalFn(ctx, WeightsInitStddev)).
			VariableWithShape("weights", shapes.Make(dtype, k, k, c.channels, inputChannels))
		output = convTransposed2D(x, weightsVar.ValueGraph(g), c.strides)
	} else {
		weightsVar := ctx.WithInitializer(TruncatedNormalFn(ctx, WeightsInitStddev)).
			VariableWithShape("weights", shapes.Make(dtype, k, k, inputChannels, c.channels))
		output = Convolve(x, weightsVar.ValueGraph(g)).
			PadSame().Strides(c.strides).Done()
	}

	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, c.channels))
	biasDims := xslices.SliceWithValue(output.Rank(), 1)
	biasDims[output.Rank()-1] = c.channels
	return Add(output, Reshape(biasVar.ValueGraph(g), biasDims...))
}

// convTransposed2D applies a transposed convolution to x with weights laid
// out [kernel, kernel, outputChannels, inputChannels] and "same" padding:
// the output spatial dimensions are the input ones multiplied by stride.
//
// It is expressed as an input-dilated convolution with the kernel spatially
// reversed and its channel axes swapped, the gradient of the corresponding
// forward convolution.
func convTransposed2D(x, weights *Node, stride int) *Node {
	k := weights.Shape().Dimensions[0]
	if k < stride {
		Panicf("transposed convolution requires the kernel size (%d) >= strides (%d)", k, stride)
	}
	kernel := Transpose(Reverse(weights, 0, 1), 2, 3)

	// Padding mirroring the "same" padding of the forward convolution.
	forwardTotal := k - stride
	forwardLow := forwardTotal / 2
	forwardHigh := forwardTotal - forwardLow
	padding := [2]int{k - 1 - forwardLow, k - 1 - forwardHigh}
	return Convolve(x, kernel).
		PaddingPerDim([][2]int{padding, padding}).
		InputDilationPerAxis(stride, stride).
		Done()
}

// Linear applies an optional batch normalization followed by a fully
// connected layer, a matrix multiplication with truncated-normal
// initialized weights plus a zero initialized bias.
//
// x must be shaped [batchSize, inputDim].
func Linear(ctx *context.Context, x *Node, outputDim int, useBatchNorm bool) *Node {
	x.AssertRank(2)
	g := x.Graph()
	dtype := x.DType()
	if useBatchNorm {
		x = BatchNormalization(ctx, x)
	}
	inputDim := x.Shape().Dimensions[1]
	weightsVar := ctx.WithInitializer(TruncatedNormalFn(ctx, WeightsInitStddev)).
		VariableWithShape("weights", shapes.Make(dtype, inputDim, outputDim))
	output := MatMul(x, weightsVar.ValueGraph(g))
	biasVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outputDim))
	return Add(output, InsertAxes(biasVar.ValueGraph(g), 0))
}
