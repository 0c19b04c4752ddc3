package detection

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"gorgonia.org/tensor"
)

// ImageToTensor converts a decoded image into the CHW float32 BGR 0-255
// layout the exported graphs consume.
func ImageToTensor(img image.Image) *tensor.Dense {
	bounds := img.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()

	data := make([]float32, 3*h*w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*w + x
			data[0*plane+i] = float32(b >> 8)
			data[1*plane+i] = float32(g >> 8)
			data[2*plane+i] = float32(r >> 8)
		}
	}
	return tensor.New(tensor.WithShape(3, h, w), tensor.WithBacking(data))
}

// ReadImageInput decodes a JPEG or PNG stream into an ImageInput whose
// original size equals the decoded size.
func ReadImageInput(r io.Reader) (ImageInput, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return ImageInput{}, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()
	return ImageInput{
		Image:  ImageToTensor(img),
		Height: bounds.Dy(),
		Width:  bounds.Dx(),
	}, nil
}
