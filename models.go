package dcgan

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Scopes under which the generator and discriminator variables are created.
// Each network is trained by its own optimizer, see Trainer.
const (
	GeneratorScope     = "generator"
	DiscriminatorScope = "discriminator"
)

// GeneratorGraph builds the generator network: it maps latent vectors shaped
// [batchSize, latentDim] to images shaped [batchSize, imageSize, imageSize, 3]
// with values in [-1, 1].
//
// The latents are linearly projected to a (imageSize/16)² spatial grid with
// 1024 channels, upsampled by four stride-2 transposed convolution blocks
// halving the channels at each step (1024 -> 512 -> 256 -> 128 -> 64), each
// followed by a ReLU, and mapped to 3 channels by a final stride-1
// convolution block followed by a Tanh.
//
// imageSize must be a multiple of 16. Variables are created under the
// "generator" scope of ctx.
func GeneratorGraph(ctx *context.Context, latents *Node) *Node {
	latents.AssertRank(2)
	ctx = ctx.In(GeneratorScope)
	imageSize := context.GetParamOr(ctx, "image_size", 32)
	if imageSize%16 != 0 {
		Panicf("generator requires image_size to be a multiple of 16, got %d", imageSize)
	}
	batchSize := latents.Shape().Dimensions[0]
	gridSize := imageSize / 16

	x := Linear(ctx.In("g_proj"), latents, gridSize*gridSize*1024, false)
	x = activations.Relu(x)
	x = Reshape(x, batchSize, gridSize, gridSize, 1024)

	channels := 512
	for ii := 1; ii <= 4; ii++ {
		x = ConvBlock(ctx.Inf("g_conv%d", ii), x).
			Channels(channels).Strides(2).Transposed().Done()
		x = activations.Relu(x)
		channels /= 2
	}

	x = ConvBlock(ctx.In("g_conv5"), x).Channels(3).KernelSize(3).Done()
	x = Tanh(x)
	x.AssertDims(batchSize, imageSize, imageSize, 3)
	return x
}

// DiscriminatorGraph builds the discriminator network: it maps images shaped
// [batchSize, height, width, 3] to real/fake logits shaped [batchSize, 1],
// larger values meaning more likely real.
//
// It applies four stride-2 convolution blocks doubling the channels at each
// step (128 -> 256 -> 512 -> 1024), each followed by a ReLU, then averages
// over the spatial dimensions and projects to a single logit. The first
// block skips batch normalization, so the discriminator sees the raw image
// statistics.
//
// Variables are created under the "discriminator" scope of ctx.
func DiscriminatorGraph(ctx *context.Context, images *Node) *Node {
	images.AssertRank(4)
	ctx = ctx.In(DiscriminatorScope)
	batchSize := images.Shape().Dimensions[0]

	x := images
	channels := 128
	for ii := 1; ii <= 4; ii++ {
		block := ConvBlock(ctx.Inf("d_conv%d", ii), x).
			Channels(channels).Strides(2)
		if ii == 1 {
			block.NoBatchNorm()
		}
		x = activations.Relu(block.Done())
		channels *= 2
	}

	x = ReduceMean(x, 1, 2)
	logits := Linear(ctx.In("d_classifier"), x, 1, false)
	logits.AssertDims(batchSize, 1)
	return logits
}
