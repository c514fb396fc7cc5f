package images

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"
)

// Frame records the geometry of an image before it was squashed onto the square
// network input, so predictions can be mapped back.
type Frame struct {
	// Width of the original image in pixels.
	Width int
	// Height of the original image in pixels.
	Height int
	// Size is the side length of the square network input.
	Size int
}

// ScaleX returns the factor that maps a network-space x coordinate onto the frame.
func (f Frame) ScaleX() float32 {
	return float32(f.Width) / float32(f.Size)
}

// ScaleY returns the factor that maps a network-space y coordinate onto the frame.
func (f Frame) ScaleY() float32 {
	return float32(f.Height) / float32(f.Size)
}

// ToNCHW resizes img to size x size and converts it into a (1, 3, size, size) float32
// tensor with RGB planes scaled to [0, 1].
//
// Arguments:
//   - img: The image to prepare.
//   - size: The side length of the square network input.
//
// Returns:
//   - *tensor.Dense: The NCHW input tensor.
//   - Frame: The original geometry of img.
//   - error: An error if size is not positive or the image is empty.
func ToNCHW(img image.Image, size int) (*tensor.Dense, Frame, error) {
	if size <= 0 {
		return nil, Frame{}, fmt.Errorf("invalid input size %d", size)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, Frame{}, fmt.Errorf("empty image")
	}
	frame := Frame{Width: bounds.Dx(), Height: bounds.Dy(), Size: size}

	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	rb := resized.Bounds()

	channelSize := size * size
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : channelSize*2]
	blue := data[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}

	return tensor.New(tensor.WithShape(1, 3, size, size), tensor.WithBacking(data)), frame, nil
}
