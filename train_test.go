package dcgan

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config with a small model, suitable for test training
// steps.
func testConfig(t *testing.T) *Config {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"image_size": 16,
		"batch_size": 4,
		"latent_dim": 8,
	})
	return NewConfig(backend, ctx, t.TempDir(), nil)
}

// fakeImageBatch returns a deterministic pseudo-random batch of images in
// [-1, 1], shaped like the config's training batches.
func fakeImageBatch(config *Config) *tensors.Tensor {
	return MustExecOnce(config.Backend, func(g *Graph) *Node {
		state := Const(g, must.M1(RNGStateFromSeed(42)))
		_, images := RandomNormal(state,
			shapes.Make(config.DType, config.BatchSize, config.ImageSize, config.ImageSize, 3))
		return Tanh(images)
	})
}

func varValues(config *Config, scope, name string) []float32 {
	v := config.Context.GetVariableByScopeAndName(scope, name)
	return tensors.MustCopyFlatData[float32](v.MustValue())
}

func TestTrainerUpdatesOnlyTargetNetwork(t *testing.T) {
	config := testConfig(t)
	trainer := NewTrainer(config)
	images := fakeImageBatch(config)

	genWeights0 := varValues(config, "/generator/g_proj", "weights")
	discWeights0 := varValues(config, "/discriminator/d_conv1", "weights")

	// A discriminator step must leave the generator untouched.
	trainer.discStepExec.MustExec(images)
	require.Equal(t, genWeights0, varValues(config, "/generator/g_proj", "weights"))
	discWeights1 := varValues(config, "/discriminator/d_conv1", "weights")
	require.NotEqual(t, discWeights0, discWeights1)

	// And a generator step must leave the discriminator untouched.
	trainer.genStepExec.MustExec()
	require.NotEqual(t, genWeights0, varValues(config, "/generator/g_proj", "weights"))
	require.Equal(t, discWeights1, varValues(config, "/discriminator/d_conv1", "weights"))
}

func TestTrainerStep(t *testing.T) {
	config := testConfig(t)
	trainer := NewTrainer(config)
	images := fakeImageBatch(config)

	for step := 0; step < 2; step++ {
		discLoss, genLoss := trainer.TrainStep(images)
		for _, lossT := range []*tensors.Tensor{discLoss, genLoss} {
			require.True(t, lossT.Shape().IsScalar())
			loss := shapes.ConvertTo[float64](lossT.Value())
			require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
			require.Greater(t, loss, 0.0)
		}
	}
}

func TestTrainerBatchNormAveragesMove(t *testing.T) {
	config := testConfig(t)
	trainer := NewTrainer(config)
	images := fakeImageBatch(config)

	scope := "/discriminator/d_conv2/batch_normalization"
	mean0 := varValues(config, scope, "mean")
	trainer.TrainStep(images)
	require.NotEqual(t, mean0, varValues(config, scope, "mean"))
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	require.Equal(t, 128, context.GetParamOr(ctx, "batch_size", 0))
	require.Equal(t, 100, context.GetParamOr(ctx, "latent_dim", 0))
	require.Equal(t, 2e-4, context.GetParamOr(ctx, "learning_rate", 0.0))
	require.Equal(t, 0.5, context.GetParamOr(ctx, "adam_beta1", 0.0))
	_, err := dtypes.DTypeString(context.GetParamOr(ctx, "dtype", ""))
	require.NoError(t, err)
}
