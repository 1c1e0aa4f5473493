package cifar

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/require"
)

// syntheticExample returns the raw bytes of one example as stored in the
// dataset files: one plane per channel, rows of Width bytes.
func syntheticExample() []byte {
	raw := make([]byte, imageSizeBytes)
	for d := 0; d < Depth; d++ {
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				raw[d*(Height*Width)+h*Width+w] = byte((d*7 + h*3 + w) % 256)
			}
		}
	}
	return raw
}

func TestConvertToTensor(t *testing.T) {
	raw := syntheticExample()
	// Pixel (0, 0) gets values 0, 255 and 51 on its three channels, pixel
	// (0, 1) gets 204 on channel 0, and pixel (1, 0) gets 102 on channel 0.
	raw[0] = 0
	raw[Height*Width] = 255
	raw[2*Height*Width] = 51
	raw[1] = 204
	raw[Width] = 102

	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, Height, Width, Depth))
	require.NoError(t, convertToTensor[float32](raw, images, 1))

	flat := tensors.MustCopyFlatData[float32](images)
	example := flat[imageSizeBytes:] // Example 1.

	// Values scale linearly from [0, 255] to [-1, 1], and the channels are
	// interleaved in the tensor layout, so pixel (0, 0) comes first with its
	// three channels, then pixel (0, 1), and row 1 starts Width pixels in.
	require.InDelta(t, -1.0, example[0], 1e-6)
	require.InDelta(t, 1.0, example[1], 1e-6)
	require.InDelta(t, -0.6, example[2], 1e-6)
	require.InDelta(t, 0.6, example[Depth], 1e-6)
	require.InDelta(t, -0.2, example[Width*Depth], 1e-6)

	// Example 0 is untouched.
	for ii := 0; ii < imageSizeBytes; ii++ {
		require.Zero(t, flat[ii])
	}
}

func TestConvertToTensorWrongDType(t *testing.T) {
	images := tensors.FromShape(shapes.Make(dtypes.Float64, 1, Height, Width, Depth))
	require.Error(t, convertToTensor[float32](syntheticExample(), images, 0))
}

func TestConvertToGoImage(t *testing.T) {
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, Height, Width, Depth))
	tensors.MustMutableFlatData[float32](images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = -1
		}
		// Pixel (0, 0) is white.
		flat[0], flat[1], flat[2] = 1, 1, 1
	})

	img := ConvertToGoImage(images, 0)
	require.Equal(t, Width, img.Bounds().Dx())
	require.Equal(t, Height, img.Bounds().Dy())

	white := img.NRGBAAt(0, 0)
	require.EqualValues(t, 255, white.R)
	require.EqualValues(t, 255, white.G)
	require.EqualValues(t, 255, white.B)
	require.EqualValues(t, 255, white.A)
	black := img.NRGBAAt(1, 0)
	require.EqualValues(t, 0, black.R)
	require.EqualValues(t, 255, black.A)
}
