package dcgan

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/require"
)

func TestGeneratorGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	for _, imageSize := range []int{16, 32, 64} {
		t.Run(fmt.Sprintf("ImageSize%d", imageSize), func(t *testing.T) {
			ctx := context.New()
			ctx.SetParam("image_size", imageSize)
			gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				ctx.SetTraining(g, false)
				latents := ctx.RandomNormal(g, shapes.Make(dtypes.F32, 2, 100))
				images := GeneratorGraph(ctx, latents)
				images.AssertDims(2, imageSize, imageSize, 3)
				// Largest absolute value: the Tanh output must stay in [-1, 1].
				return ReduceAllMax(Abs(images))
			})
			maxAbs := gotT.Value().(float32)
			require.LessOrEqual(t, maxAbs, float32(1))
		})
	}

	t.Run("RejectsBadImageSize", func(t *testing.T) {
		ctx := context.New()
		ctx.SetParam("image_size", 20)
		require.Panics(t, func() {
			context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				ctx.SetTraining(g, false)
				latents := ctx.RandomNormal(g, shapes.Make(dtypes.F32, 2, 100))
				return GeneratorGraph(ctx, latents)
			})
		})
	})
}

func TestDiscriminatorGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, false)
		images := ctx.RandomNormal(g, shapes.Make(dtypes.F32, 3, 32, 32, 3))
		return DiscriminatorGraph(ctx, images)
	})
	require.NoError(t, gotT.Shape().Check(dtypes.F32, 3, 1))
}

func TestGeneratorDiscriminatorRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam("image_size", 16)
	gotT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, false)
		latents := ctx.RandomNormal(g, shapes.Make(dtypes.F32, 2, 64))
		return DiscriminatorGraph(ctx, GeneratorGraph(ctx, latents))
	})
	require.NoError(t, gotT.Shape().Check(dtypes.F32, 2, 1))
}
