package dcgan

import (
	"image"
	"image/draw"
	"image/png"
	"math"
	"os"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ImagesGenerator generates images from a fixed batch of latent vectors,
// running the generator network in inference mode.
//
// It can be called multiple times as the model trains; with unchanged
// variables it always returns the same images.
// Use it with NewImagesGenerator.
type ImagesGenerator struct {
	config  *Config
	latents *tensors.Tensor
	exec    *context.Exec
}

// NewImagesGenerator creates a generator of images from the given latent
// vectors, shaped [numImages, latent_dim].
func NewImagesGenerator(config *Config, latents *tensors.Tensor) *ImagesGenerator {
	if latents.Rank() != 2 || latents.Shape().Dimensions[1] != config.LatentDim {
		Panicf("latents must be shaped [numImages, %d], got %s", config.LatentDim, latents.Shape())
	}
	ctx := config.Context.Checked(false)
	return &ImagesGenerator{
		config:  config,
		latents: latents,
		exec: context.MustNewExec(config.Backend, ctx, func(ctx *context.Context, latents *Node) *Node {
			g := latents.Graph()
			ctx.SetTraining(g, false)
			images := GeneratorGraph(ctx, latents)
			// From [-1, 1] to [0, 255].
			return MulScalar(OnePlus(images), 127.5)
		}),
	}
}

// Generate the images for the latent vectors, as a tensor shaped
// [numImages, image_size, image_size, 3] with values in [0, 255].
func (ig *ImagesGenerator) Generate() *tensors.Tensor {
	return ig.exec.MustExec(ig.latents)[0]
}

// ToImages converts a batch of images generated by Generate to Go images.
func (ig *ImagesGenerator) ToImages(batch *tensors.Tensor) []image.Image {
	return timage.ToImage().MaxValue(255.0).Batch(batch)
}

// GenerateImages is a shortcut for Generate followed by ToImages.
func (ig *ImagesGenerator) GenerateImages() []image.Image {
	batch := ig.Generate()
	defer batch.MustFinalizeAll()
	return ig.ToImages(batch)
}

// UpscaleImages resizes each image by an integer factor with nearest-neighbor
// interpolation, keeping the individual pixels sharp. Generated samples are
// small (image_size defaults to 32), so this makes them easier to inspect.
func UpscaleImages(images []image.Image, factor int) []image.Image {
	if factor <= 1 {
		return images
	}
	scaled := make([]image.Image, len(images))
	for ii, img := range images {
		bounds := img.Bounds()
		scaled[ii] = imaging.Resize(img, bounds.Dx()*factor, bounds.Dy()*factor,
			imaging.NearestNeighbor)
	}
	return scaled
}

// SaveImageGrid assembles the images into a roughly square grid, row-major,
// and saves it as a PNG file. All images must have the same size.
func SaveImageGrid(images []image.Image, filePath string) error {
	if len(images) == 0 {
		return errors.Errorf("no images to save to %q", filePath)
	}
	bounds := images[0].Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	numColumns := int(math.Ceil(math.Sqrt(float64(len(images)))))
	numRows := (len(images) + numColumns - 1) / numColumns

	grid := image.NewNRGBA(image.Rect(0, 0, numColumns*width, numRows*height))
	for ii, img := range images {
		col, row := ii%numColumns, ii/numColumns
		target := image.Rect(col*width, row*height, (col+1)*width, (row+1)*height)
		draw.Draw(grid, target, img, img.Bounds().Min, draw.Src)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed creating %q", filePath)
	}
	if err = png.Encode(f, grid); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed encoding PNG to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed closing %q", filePath)
}
