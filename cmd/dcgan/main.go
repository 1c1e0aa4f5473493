// Command dcgan trains a DCGAN on CIFAR-10, and generates images with a
// trained model.
//
// Train, saving checkpoints and intermediary samples:
//
//	dcgan --data=~/work/cifar10 --checkpoint=dcgan-base
//
// Generate a grid of images with a trained model:
//
//	dcgan --data=~/work/cifar10 --checkpoint=dcgan-base --generate=samples.png
//
// Hyperparameters can be overridden with --set, e.g. --set="train_steps=100000;batch_size=64".
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"k8s.io/klog/v2"

	dcgan "github.com/sivapvarma/Generative-Adversarial-Networks"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/cifar10", "Directory to cache downloaded dataset files and checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagGenerate   = flag.String("generate", "", "Skip training, and instead generate images with the current model, saving them as a PNG grid to the given file. Requires --checkpoint.")
	flagNumImages  = flag.Int("num_images", 64, "Number of images to generate with --generate.")
	flagScale      = flag.Int("scale", 4, "Upscaling factor applied to images generated with --generate.")
)

var backend = backends.MustNew()

func main() {
	ctx := dcgan.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := dcgan.NewConfig(backend, ctx, *flagDataDir, paramsSet)

	err := exceptions.TryCatch[error](func() {
		if *flagGenerate != "" {
			generate(config)
		} else {
			dcgan.TrainModel(config, *flagCheckpoint, *flagVerbosity)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// generate images with the model loaded from --checkpoint, and save them as
// a PNG grid to the --generate file.
func generate(config *dcgan.Config) {
	if *flagCheckpoint == "" {
		klog.Exitf("--generate requires a trained model, set --checkpoint")
	}
	_, _, err := config.AttachCheckpoint(*flagCheckpoint)
	check(err)
	latents := config.GenerateLatents(*flagNumImages)
	generator := dcgan.NewImagesGenerator(config, latents)
	images := dcgan.UpscaleImages(generator.GenerateImages(), *flagScale)
	check(dcgan.SaveImageGrid(images, *flagGenerate))
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
