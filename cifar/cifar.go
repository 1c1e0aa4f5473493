// Package cifar downloads the CIFAR-10 dataset and loads it into tensors
// suitable for GAN training: images are converted to floats scaled to
// [-1, 1], matching the range of the generator's Tanh output.
//
// Information about the dataset in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"fmt"
	"image"
	"os"
	"path"
	"reflect"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/sivapvarma/Generative-Adversarial-Networks/downloader"
)

const (
	Url      = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	TarName  = "cifar-10-binary.tar.gz"
	SubDir   = "cifar-10-batches-bin"
	Checksum = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumExamples is the total number of examples, training plus test.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the
	// starting ones.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing, the
	// last ones.
	NumTestExamples = 10000
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

// Labels of the 10 classes, indexed by their value in the dataset files.
var Labels = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

const examplesPerFile = 10000
const imageSizeBytes = Height * Width * Depth

// Download the dataset tarball to baseDir and unpack it, if not already
// there. The download is verified against the known checksum.
func Download(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(Url, baseDir, TarName, SubDir, Checksum)
}

// convertToTensor writes the raw bytes of one example, planar per channel as
// stored in the dataset files, into the image tensor at position exampleNum,
// interleaving the channels and scaling values to [-1, 1].
func convertToTensor[T dtypes.GoFloat](raw []byte, imagesT *tensors.Tensor, exampleNum int) error {
	var t T
	if dtypes.FromGoType(reflect.TypeOf(t)) != imagesT.DType() {
		return errors.Errorf("trying to convert to dtype %s from go type %T", imagesT.DType(), t)
	}
	tensors.MustMutableFlatData[T](imagesT, func(tensorData []T) {
		tensorPos := exampleNum * imageSizeBytes
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					value := T(raw[d*(Height*Width)+h*Width+w])/T(127.5) - T(1)
					tensorData[tensorPos] = value
					tensorPos++
				}
			}
		}
	})
	return nil
}

// Load the dataset into 2 tensors: images with the given dtype, shaped
// [NumExamples=60000, Height=32, Width=32, Depth=3] with values in [-1, 1],
// and labels shaped [NumExamples=60000, 1] of Int64.
// The first 50k examples are for training, and the last 10k for testing.
// Only Float32 and Float64 dtypes are supported.
func Load(backend backends.Backend, baseDir string, dtype dtypes.DType) (partitioned PartitionedImagesAndLabels) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)

	images := tensors.FromShape(shapes.Make(dtype, NumExamples, Height, Width, Depth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, NumExamples, 1))
	defer func() {
		// Free images and labels resources in accelerator (GPU) immediately
		// (don't wait for the GC).
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
	}()
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		var labelImageBytes [imageSizeBytes + 1]byte
		for fileIdx := 0; fileIdx < 6; fileIdx++ {
			dataFile := path.Join(baseDir, SubDir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1))
			if fileIdx == 5 {
				dataFile = path.Join(baseDir, SubDir, "test_batch.bin")
			}
			f, err := os.Open(dataFile)
			if err != nil {
				panic(errors.Wrapf(err, "opening data file %q", dataFile))
			}
			fileStart := fileIdx * examplesPerFile
			for inFileIdx := 0; inFileIdx < examplesPerFile; inFileIdx++ {
				exampleIdx := fileStart + inFileIdx
				bytesRead, err := f.Read(labelImageBytes[:])
				if err != nil {
					panic(errors.Wrapf(err, "reading example %d (out of %d) from %q",
						inFileIdx, examplesPerFile, dataFile))
				}
				if bytesRead != len(labelImageBytes) {
					Panicf("read only %d bytes reading example %d (out of %d) from %q, wanted %d bytes",
						bytesRead, inFileIdx, examplesPerFile, dataFile, len(labelImageBytes))
				}
				switch dtype {
				case dtypes.Float64:
					err = convertToTensor[float64](labelImageBytes[1:], images, exampleIdx)
				case dtypes.Float32:
					err = convertToTensor[float32](labelImageBytes[1:], images, exampleIdx)
				default:
					panic(errors.Errorf("DType %s not supported", dtype))
				}
				if err != nil {
					panic(errors.WithMessagef(err, "failed converting bytes to tensor of %s", dtype))
				}
				labelsData[exampleIdx] = int64(labelImageBytes[0])
			}
			_ = f.Close()
		}
	})
	return partitionImagesAndLabels(backend, images, labels)
}

// ConvertToGoImage converts one example of a loaded images tensor, with
// values in [-1, 1], to a Go image.
func ConvertToGoImage(images *tensors.Tensor, exampleNum int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	images.MustConstFlatData(func(flatAny any) {
		tensorData := reflect.ValueOf(flatAny)
		tensorPos := exampleNum * imageSizeBytes
		floatT := reflect.TypeOf(float64(0))
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				for d := 0; d < Depth; d++ {
					v := tensorData.Index(tensorPos)
					f := v.Convert(floatT).Interface().(float64)
					tensorPos++
					img.Pix[h*img.Stride+w*4+d] = uint8((f + 1) * 127.5)
				}
				img.Pix[h*img.Stride+w*4+3] = uint8(255) // Alpha channel.
			}
		}
	})
	return img
}

// partitionImagesAndLabels into train and test partitions.
func partitionImagesAndLabels(backend backends.Backend, images, labels *tensors.Tensor) (partitioned PartitionedImagesAndLabels) {
	parts := MustExecOnceN(backend, func(images, labels *Node) []*Node {
		imagesTrain := Slice(images, AxisRange(0, NumTrainExamples))
		labelsTrain := Slice(labels, AxisRange(0, NumTrainExamples))
		imagesTest := Slice(images, AxisRange(NumTrainExamples))
		labelsTest := Slice(labels, AxisRange(NumTrainExamples))
		return []*Node{imagesTrain, labelsTrain, imagesTest, labelsTest}
	}, images, labels)
	partitioned[0].images = parts[0]
	partitioned[0].labels = parts[1]
	partitioned[1].images = parts[2]
	partitioned[1].labels = parts[3]
	return
}

// Partition refers to the train or test partitions of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// ImagesAndLabels holds the images and labels tensors of one partition.
type ImagesAndLabels struct {
	images, labels *tensors.Tensor
}

// PartitionedImagesAndLabels holds for each partition (Train, Test) one set
// of images and labels.
type PartitionedImagesAndLabels [2]ImagesAndLabels

// Cache of loaded data, per DType.
var imagesAndLabelsCache map[dtypes.DType]PartitionedImagesAndLabels

// ResetCache of loaded data, freeing the memory for the GC.
func ResetCache() {
	imagesAndLabelsCache = make(map[dtypes.DType]PartitionedImagesAndLabels)
}

func init() {
	ResetCache()
}

// NewDataset returns an InMemoryDataset for the given partition, which
// implements train.Dataset. Each yielded example has the image as its input
// and the class as its label.
//
// The dataset files must have been downloaded first, see Download. Loaded
// data is cached, so multiple datasets can be created without extra costs in
// time or memory.
func NewDataset(backend backends.Backend, name, baseDir string, dtype dtypes.DType, partition Partition) *datasets.InMemoryDataset {
	partitioned, found := imagesAndLabelsCache[dtype]
	if !found {
		partitioned = Load(backend, baseDir, dtype)
		imagesAndLabelsCache[dtype] = partitioned
	}
	imagesAndLabels := partitioned[partition]
	ds, err := datasets.InMemoryFromData(backend, name,
		[]any{imagesAndLabels.images}, []any{imagesAndLabels.labels})
	if err != nil {
		panic(err)
	}
	return ds
}
