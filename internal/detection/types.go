// Package detection adapts a GraphRunner to the host model's detection
// contract: it batches and pads per-image inputs the way the exported graph
// expects, and converts raw graph outputs back into structured per-image
// results via architecture-specific converters.
package detection

import "gorgonia.org/tensor"

// ImageInput is one batched input record in the host format: a CHW float32
// image tensor plus the original image size the detections should be
// reported in. The tensor size may differ from Height/Width when the caller
// resized the image for the network.
type ImageInput struct {
	Image  *tensor.Dense
	Height int
	Width  int
}

// Detection is a single detected object in original-image coordinates.
type Detection struct {
	// Box is x1, y1, x2, y2.
	Box   [4]float32 `json:"box"`
	Score float32    `json:"score"`
	Class int64      `json:"class"`

	// Mask holds MaskSize x MaskSize probabilities for the detected
	// class when the graph produces masks, nil otherwise.
	Mask     []float32 `json:"mask,omitempty"`
	MaskSize int       `json:"mask_size,omitempty"`
}

// Area returns the box area in pixels.
func (d *Detection) Area() float32 {
	w := d.Box[2] - d.Box[0]
	h := d.Box[3] - d.Box[1]
	if w < 0 || h < 0 {
		return 0
	}
	return w * h
}

// Result is the per-image structured detection result.
type Result struct {
	Height     int         `json:"height"`
	Width      int         `json:"width"`
	Detections []Detection `json:"detections"`
}
