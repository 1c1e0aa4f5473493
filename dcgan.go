// Package dcgan implements a deep convolutional generative adversarial
// network (DCGAN) that learns to synthesize small RGB images, trained on
// CIFAR-10.
//
// A generator maps latent vectors drawn from a normal distribution to images
// with values in [-1, 1], upsampling with transposed convolutions. A
// discriminator scores images with a single real/fake logit. The two are
// trained adversarially, alternating one discriminator update and one
// generator update per step. See TrainModel.
//
// Based on the architecture from "Unsupervised Representation Learning with
// Deep Convolutional Generative Adversarial Networks" (Alec Radford, Luke
// Metz, Soumith Chintala), https://arxiv.org/abs/1511.06434.
package dcgan

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

const (
	// LatentSamplesFile is the name of the file, under the checkpoint
	// directory, holding the fixed latent vectors used to monitor the
	// evolution of the generator during training.
	LatentSamplesFile = "latent_samples.tensor"

	// GeneratedSamplesPrefix is the file name prefix for tensors with images
	// generated during training. The global step is appended to it.
	GeneratedSamplesPrefix = "generated_samples_"
)

// ParamsExcludedFromSaving is the list of parameters (see
// CreateDefaultContext) that shouldn't be saved along the model checkpoints,
// and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	"data_dir", "train_steps", "num_checkpoints", "checkpoint_frequency",
}

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		"train_steps":          50_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training: each step trains the discriminator on
		// batch_size real plus batch_size generated images, and the generator
		// on batch_size generated images.
		"batch_size": 128,

		// latent_dim is the dimension of the latent vectors fed to the generator.
		"latent_dim": 100,

		// image_size of the generated images. It must be a multiple of 16.
		// CIFAR-10 images are 32x32.
		"image_size": 32,

		// dtype to use for the model.
		"dtype": "float32",

		// samples_during_training is the number of images periodically
		// generated from fixed latent vectors, to observe the evolution of
		// the generator.
		"samples_during_training":                  64,
		"samples_during_training_frequency":        200, // Steps between regenerating samples.
		"samples_during_training_frequency_growth": 1.2, // Growth factor for the period above.

		// rng_reset enables resetting the random number generator state with
		// a new random value -- useful when continuing training.
		"rng_reset": true,

		// Adam with beta1=0.5, as usual for GAN training.
		optimizers.ParamLearningRate: 2e-4,
		optimizers.ParamAdamBeta1:    0.5,
	})
	return ctx
}

// Config holds the configuration for the model building, training and
// sampling functions, derived from the context hyperparameters.
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// DataDir is where the dataset is downloaded, and models are saved.
	DataDir string

	// ParamsSet are hyperparameters overridden, that shouldn't be loaded from
	// the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DType                           dtypes.DType
	ImageSize, BatchSize, LatentDim int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a Config from the hyperparameters in ctx.
//
// paramsSet are hyperparameters overridden, that shouldn't be loaded from the
// checkpoint (see commandline.ParseContextSettings).
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	dtype := must.M1(dtypes.DTypeString(
		context.GetParamOr(ctx, "dtype", "float32")))
	return &Config{
		Backend:   backend,
		Context:   ctx,
		DataDir:   dataDir,
		ParamsSet: paramsSet,
		DType:     dtype,
		ImageSize: context.GetParamOr(ctx, "image_size", 32),
		BatchSize: context.GetParamOr(ctx, "batch_size", 128),
		LatentDim: context.GetParamOr(ctx, "latent_dim", 100),
	}
}

// GenerateLatents samples numSamples latent vectors from a normal
// distribution, shaped [numSamples, latent_dim].
func (c *Config) GenerateLatents(numSamples int) *tensors.Tensor {
	return MustExecOnce(c.Backend, func(g *Graph) *Node {
		state := RNGStateForGraph(g)
		_, latents := RandomNormal(state, shapes.Make(c.DType, numSamples, c.LatentDim))
		return latents
	})
}

// AttachCheckpoint loads the checkpoint from checkpointPath (relative paths
// are taken from the data directory) into the config's context, and attaches
// to it, so the context gets saved.
//
// It also returns the fixed latent samples used to monitor the generator
// during training: for new models they are sampled and saved in the
// checkpoint directory, for existing models they are loaded, so the sampled
// images remain comparable across training sessions.
func (c *Config) AttachCheckpoint(checkpointPath string) (checkpoint *checkpoints.Handler, sampleLatents *tensors.Tensor, err error) {
	ctx := c.Context
	numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
	checkpoint, err = checkpoints.Build(ctx).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpointsToKeep).
		ExcludeParams(append(c.ParamsSet, ParamsExcludedFromSaving...)...).
		Done()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "attaching checkpoint to %q", checkpointPath)
	}
	c.Checkpoint = checkpoint

	// Load or create the fixed latent samples for this model.
	latentsPath := path.Join(checkpoint.Dir(), LatentSamplesFile)
	sampleLatents, err = tensors.Load(latentsPath)
	if err == nil {
		return
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, nil, errors.WithMessagef(err, "loading latent samples from %q", latentsPath)
	}
	numSamples := context.GetParamOr(ctx, "samples_during_training", 64)
	sampleLatents = c.GenerateLatents(numSamples)
	err = sampleLatents.Save(latentsPath)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "saving latent samples to %q", latentsPath)
	}
	return
}
