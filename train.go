package dcgan

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/sivapvarma/Generative-Adversarial-Networks/cifar"
)

// Trainer holds the training state of the GAN: the two optimizers and the
// two compiled step graphs, one updating only the discriminator variables
// and one updating only the generator variables.
//
// Both step graphs run both networks, but each optimizer only sees the
// variables of its own network: the other network's variables are marked
// non-trainable while the step graph is built. See NewTrainer.
type Trainer struct {
	config  *Config
	backend backends.Backend
	ctx     *context.Context

	// baseTrainable records which variables are model parameters (as opposed
	// to batch normalization averages and other state), so freezing a
	// network and unfreezing it again is reversible.
	baseTrainable map[*context.Variable]bool

	discOptimizer, genOptimizer optimizers.Interface
	discStepExec, genStepExec   *context.Exec
}

// NewTrainer creates the GAN trainer: it builds both networks, creating all
// their variables, and compiles one training step graph per network, each
// with its own Adam optimizer configured from the context hyperparameters.
func NewTrainer(config *Config) *Trainer {
	ctx := config.Context.Checked(false)
	t := &Trainer{
		config:        config,
		backend:       config.Backend,
		ctx:           ctx,
		baseTrainable: make(map[*context.Variable]bool),
	}

	// Create all model variables upfront: the step graphs below select which
	// ones their optimizer updates, and variables created mid-build would
	// escape that selection.
	warmup := context.MustExecOnce(config.Backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, false)
		latents := ctx.RandomNormal(g, shapes.Make(config.DType, 1, config.LatentDim))
		return DiscriminatorGraph(ctx, GeneratorGraph(ctx, latents))
	})
	warmup.MustFinalizeAll()
	for v := range ctx.IterVariables() {
		if v.Trainable {
			t.baseTrainable[v] = true
		}
	}

	t.discOptimizer = optimizers.Adam().FromContext(ctx).Scope("adam_discriminator").Done()
	t.genOptimizer = optimizers.Adam().FromContext(ctx).Scope("adam_generator").Done()
	t.discStepExec = context.MustNewExec(config.Backend, ctx, t.discStepGraph)
	t.genStepExec = context.MustNewExec(config.Backend, ctx, t.genStepGraph)
	return t
}

// applyTrainable marks only the model parameters of the network under
// trainedScope as trainable. It must be called while a step graph is being
// built, since the optimizers pick the variables to update at build time.
func (t *Trainer) applyTrainable(trainedScope string) {
	genPrefix := context.RootScope + GeneratorScope
	discPrefix := context.RootScope + DiscriminatorScope
	for v := range t.ctx.IterVariables() {
		switch {
		case strings.HasPrefix(v.Scope(), genPrefix):
			v.Trainable = t.baseTrainable[v] && trainedScope == GeneratorScope
		case strings.HasPrefix(v.Scope(), discPrefix):
			v.Trainable = t.baseTrainable[v] && trainedScope == DiscriminatorScope
		}
	}
}

// discStepGraph builds one discriminator update: it scores a batch of real
// images and a batch of generated images, and moves the discriminator
// variables to classify them as real and fake respectively.
// It returns the discriminator loss.
func (t *Trainer) discStepGraph(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	t.applyTrainable(DiscriminatorScope)
	ctx.SetTraining(g, true)

	batchSize := images.Shape().Dimensions[0]
	latents := ctx.RandomNormal(g, shapes.Make(images.DType(), batchSize, t.config.LatentDim))
	// The generator is frozen in this step, so don't build its backward graph.
	fakeImages := StopGradient(GeneratorGraph(ctx, latents))
	realLogits := DiscriminatorGraph(ctx, images)
	fakeLogits := DiscriminatorGraph(ctx, fakeImages)

	loss := Add(
		ReduceAllMean(losses.BinaryCrossentropyLogits(
			[]*Node{OnesLike(realLogits)}, []*Node{realLogits})),
		ReduceAllMean(losses.BinaryCrossentropyLogits(
			[]*Node{ZerosLike(fakeLogits)}, []*Node{fakeLogits})))
	t.discOptimizer.UpdateGraph(ctx, g, loss)
	return loss
}

// genStepGraph builds one generator update: it generates a batch of images
// and moves the generator variables towards the discriminator classifying
// them as real. It returns the generator loss.
func (t *Trainer) genStepGraph(ctx *context.Context, g *Graph) *Node {
	t.applyTrainable(GeneratorScope)
	ctx.SetTraining(g, true)

	latents := ctx.RandomNormal(g, shapes.Make(t.config.DType, t.config.BatchSize, t.config.LatentDim))
	fakeImages := GeneratorGraph(ctx, latents)
	fakeLogits := DiscriminatorGraph(ctx, fakeImages)

	loss := ReduceAllMean(losses.BinaryCrossentropyLogits(
		[]*Node{OnesLike(fakeLogits)}, []*Node{fakeLogits}))
	t.genOptimizer.UpdateGraph(ctx, g, loss)
	return loss
}

// TrainStep runs one alternating training step: first the discriminator
// update on the given batch of real images, then the generator update.
// It returns the losses of both updates.
//
// Each optimizer increments the global step, so one call advances it by two.
func (t *Trainer) TrainStep(images *tensors.Tensor) (discLoss, genLoss *tensors.Tensor) {
	discLoss = t.discStepExec.MustExec(images)[0]
	genLoss = t.genStepExec.MustExec()[0]
	return
}

// TrainModel trains the GAN on CIFAR-10 with the hyperparameters in the
// config's context, saving checkpoints and sampled images along the way if
// checkpointPath is not empty.
//
// It can be interrupted and restarted from the last checkpoint: the global
// step, the optimizer states and the monitored latent samples are part of
// the checkpoint.
func TrainModel(config *Config, checkpointPath string, verbosity int) {
	ctx := config.Context
	backend := config.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoints saving, and the fixed latents sampled for monitoring.
	var checkpoint *checkpoints.Handler
	var sampleLatents *tensors.Tensor
	if checkpointPath != "" {
		var err error
		checkpoint, sampleLatents, err = config.AttachCheckpoint(checkpointPath)
		if err != nil {
			klog.Fatalf("Failed to attach checkpoint to %q: %+v", checkpointPath, err)
		}
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	} else {
		numSamples := context.GetParamOr(ctx, "samples_during_training", 64)
		sampleLatents = config.GenerateLatents(numSamples)
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		// Reset RNG with some pseudo-random value.
		must.M(ctx.ResetRNGState())
	}

	// Training dataset: real images scaled to [-1, 1], shuffled and looped
	// over indefinitely.
	must.M(cifar.Download(config.DataDir))
	trainDS := cifar.NewDataset(backend, "cifar-10 (train)", config.DataDir, config.DType, cifar.Train)
	trainDS.Shuffle().Infinite(true).BatchSize(config.BatchSize, true)

	trainer := NewTrainer(config)
	generator := NewImagesGenerator(config, sampleLatents)
	if verbosity >= 1 {
		fmt.Printf("Model #params:\t%d\n", ctx.NumParameters())
		fmt.Printf(" Model memory:\t%s\n", fsutil.ByteCountIEC(ctx.Memory()))
	}

	// Each alternating step runs two optimizer updates, and both count
	// towards the global step.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	startStep := int(optimizers.GetGlobalStep(ctx)) / 2
	if startStep >= numTrainSteps {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to the current global step.\n", numTrainSteps)
		return
	}

	checkpointPeriod := must.M1(
		time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
	samplesPeriod := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesPeriodGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)

	bar := progressbar.NewOptions(numTrainSteps-startStep,
		progressbar.OptionSetDescription("Training:"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(commandline.ProgressbarStyle),
	)

	lastCheckpointTime := time.Now()
	nextSamplesStep := startStep + samplesPeriod
	for step := startStep; step < numTrainSteps; step++ {
		_, inputs, _, err := trainDS.Yield()
		if err != nil {
			klog.Fatalf("Training dataset failed at step %d: %+v", step, err)
		}
		discLoss, genLoss := trainer.TrainStep(inputs[0])
		_ = bar.Add(1)
		if (step+1)%100 == 0 || step+1 == numTrainSteps {
			bar.Describe(fmt.Sprintf("Training: d_loss=%.3f g_loss=%.3f |",
				shapes.ConvertTo[float64](discLoss.Value()),
				shapes.ConvertTo[float64](genLoss.Value())))
		}
		discLoss.MustFinalizeAll()
		genLoss.MustFinalizeAll()

		if checkpoint != nil && time.Since(lastCheckpointTime) >= checkpointPeriod {
			must.M(checkpoint.Save())
			lastCheckpointTime = time.Now()
		}
		if checkpoint != nil && step+1 >= nextSamplesStep {
			must.M(saveTrainingSamples(checkpoint, generator, step+1))
			samplesPeriod = int(float64(samplesPeriod) * samplesPeriodGrowth)
			nextSamplesStep = step + 1 + samplesPeriod
		}
	}
	_ = bar.Close()
	fmt.Println()

	if checkpoint != nil {
		must.M(saveTrainingSamples(checkpoint, generator, numTrainSteps))
	}
}

// saveTrainingSamples checkpoints the model and saves the images generated
// from the fixed latent samples, both as a tensor and as a PNG grid, named
// after the training step.
func saveTrainingSamples(checkpoint *checkpoints.Handler, generator *ImagesGenerator, step int) error {
	if err := checkpoint.Save(); err != nil {
		return err
	}
	// Keep a backup, so this checkpoint doesn't get automatically collected.
	if err := checkpoint.Backup(); err != nil {
		return err
	}
	imagesT := generator.Generate()
	tensorPath := path.Join(checkpoint.Dir(),
		fmt.Sprintf("%s%07d.tensor", GeneratedSamplesPrefix, step))
	if err := imagesT.Save(tensorPath); err != nil {
		return err
	}
	gridPath := path.Join(checkpoint.Dir(),
		fmt.Sprintf("%s%07d.png", GeneratedSamplesPrefix, step))
	return SaveImageGrid(generator.ToImages(imagesT), gridPath)
}
