package detection

import (
	"fmt"
	"strconv"

	"gorgonia.org/tensor"

	"github.com/softlens/detbridge/internal/graph"
	"github.com/softlens/detbridge/internal/workspace"
)

// Raw output blob names the export pipeline emits.
const (
	blobBoxes       = "bbox_nms"
	blobScores      = "score_nms"
	blobClasses     = "class_nms"
	blobBatchSplits = "batch_splits_nms"
	blobMasks       = "mask_fcn_probs"
	blobRPNRois     = "rpn_rois"
	blobRPNProbs    = "rpn_roi_probs"
)

func newRCNNConverter(g, initGraph *graph.Def) OutputConverter {
	return func(batched []ImageInput, inputs, raw *workspace.TensorDict) ([]Result, error) {
		return convertNMSOutputs(batched, inputs, raw, 0)
	}
}

func newRetinaNetConverter(g, initGraph *graph.Def) OutputConverter {
	// The export step records the head's score threshold as a string arg;
	// detections under it are re-filtered here to match the host model.
	threshold := float32(0)
	if s := g.ArgString("score_threshold", ""); s != "" {
		if v, err := strconv.ParseFloat(s, 32); err == nil {
			threshold = float32(v)
		}
	}
	return func(batched []ImageInput, inputs, raw *workspace.TensorDict) ([]Result, error) {
		return convertNMSOutputs(batched, inputs, raw, threshold)
	}
}

// convertNMSOutputs decodes the post-NMS output convention shared by the
// box-predicting architectures: bbox_nms [N,4], score_nms [N], class_nms
// [N], optional batch_splits_nms [B] and mask_fcn_probs [N,C,M,M]. Boxes
// come back in fed-image coordinates and are rescaled to each image's
// original size and clipped to its bounds.
func convertNMSOutputs(batched []ImageInput, inputs, raw *workspace.TensorDict, scoreThreshold float32) ([]Result, error) {
	boxesT, err := fetchOutput(raw, blobBoxes)
	if err != nil {
		return nil, err
	}
	scoresT, err := fetchOutput(raw, blobScores)
	if err != nil {
		return nil, err
	}
	classesT, err := fetchOutput(raw, blobClasses)
	if err != nil {
		return nil, err
	}

	boxes, err := floats(boxesT, blobBoxes)
	if err != nil {
		return nil, err
	}
	scores, err := floats(scoresT, blobScores)
	if err != nil {
		return nil, err
	}
	classes, err := floats(classesT, blobClasses)
	if err != nil {
		return nil, err
	}

	n := len(scores)
	if len(boxes) != n*4 {
		return nil, fmt.Errorf("%s holds %d values, want %d for %d detections", blobBoxes, len(boxes), n*4, n)
	}
	if len(classes) != n {
		return nil, fmt.Errorf("%s holds %d values, want %d", blobClasses, len(classes), n)
	}

	splits, err := batchSplits(raw, len(batched), n)
	if err != nil {
		return nil, err
	}

	var masks []float32
	maskChannels, maskSize := 0, 0
	if t, ok := raw.Get(blobMasks); ok && t != nil {
		shape := t.Shape()
		if len(shape) != 4 || shape[0] != n {
			return nil, fmt.Errorf("%s has shape %v, want [%d,C,M,M]", blobMasks, shape, n)
		}
		masks, err = floats(t, blobMasks)
		if err != nil {
			return nil, err
		}
		maskChannels, maskSize = shape[1], shape[2]
	}

	fedSizes, err := fedImageSizes(inputs, len(batched))
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(batched))
	idx := 0
	for b := range batched {
		res := Result{Height: batched[b].Height, Width: batched[b].Width}
		scaleX := float32(batched[b].Width) / fedSizes[b][1]
		scaleY := float32(batched[b].Height) / fedSizes[b][0]

		for k := 0; k < splits[b]; k++ {
			i := idx + k
			if scoreThreshold > 0 && scores[i] < scoreThreshold {
				continue
			}
			det := Detection{
				Box: scaleClipBox(boxes[i*4:i*4+4], scaleX, scaleY,
					float32(batched[b].Width), float32(batched[b].Height)),
				Score: scores[i],
				Class: int64(classes[i]),
			}
			if masks != nil {
				det.Mask, det.MaskSize = extractMask(masks, i, maskChannels, maskSize, det.Class)
			}
			res.Detections = append(res.Detections, det)
		}
		idx += splits[b]
		results[b] = res
	}
	return results, nil
}

func newProposalConverter(g, initGraph *graph.Def) OutputConverter {
	return func(batched []ImageInput, inputs, raw *workspace.TensorDict) ([]Result, error) {
		roisT, err := fetchOutput(raw, blobRPNRois)
		if err != nil {
			return nil, err
		}
		probsT, err := fetchOutput(raw, blobRPNProbs)
		if err != nil {
			return nil, err
		}

		rois, err := floats(roisT, blobRPNRois)
		if err != nil {
			return nil, err
		}
		probs, err := floats(probsT, blobRPNProbs)
		if err != nil {
			return nil, err
		}

		// Rois are 5-wide [batch_idx, x1, y1, x2, y2] for batched graphs
		// and 4-wide for single-image exports.
		stride := 5
		if len(probs) > 0 && len(rois) == len(probs)*4 {
			stride = 4
		}
		n := len(probs)
		if len(rois) != n*stride {
			return nil, fmt.Errorf("%s holds %d values, want %d proposals of width %d", blobRPNRois, len(rois), n, stride)
		}
		if stride == 4 && len(batched) > 1 {
			return nil, fmt.Errorf("%s carries no batch index for a batch of %d", blobRPNRois, len(batched))
		}

		fedSizes, err := fedImageSizes(inputs, len(batched))
		if err != nil {
			return nil, err
		}

		results := make([]Result, len(batched))
		for b := range batched {
			results[b] = Result{Height: batched[b].Height, Width: batched[b].Width}
		}
		for i := 0; i < n; i++ {
			b := 0
			box := rois[i*stride : i*stride+stride]
			if stride == 5 {
				b = int(box[0])
				box = box[1:]
			}
			if b < 0 || b >= len(batched) {
				return nil, fmt.Errorf("%s proposal %d references image %d outside the batch", blobRPNRois, i, b)
			}
			scaleX := float32(batched[b].Width) / fedSizes[b][1]
			scaleY := float32(batched[b].Height) / fedSizes[b][0]
			results[b].Detections = append(results[b].Detections, Detection{
				Box: scaleClipBox(box, scaleX, scaleY,
					float32(batched[b].Width), float32(batched[b].Height)),
				Score: probs[i],
			})
		}
		return results, nil
	}
}

func fetchOutput(raw *workspace.TensorDict, name string) (*tensor.Dense, error) {
	t, ok := raw.Get(name)
	if !ok {
		return nil, fmt.Errorf("graph output %q is missing", name)
	}
	if t == nil {
		return nil, fmt.Errorf("graph output %q was not computed", name)
	}
	return t, nil
}

func floats(t *tensor.Dense, name string) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("graph output %q is not float32", name)
	}
	return data, nil
}

// batchSplits returns how many detections belong to each image. Without a
// splits output every detection belongs to the single image of the batch.
func batchSplits(raw *workspace.TensorDict, batch, total int) ([]int, error) {
	if t, ok := raw.Get(blobBatchSplits); ok && t != nil {
		vals, err := floats(t, blobBatchSplits)
		if err != nil {
			return nil, err
		}
		if len(vals) != batch {
			return nil, fmt.Errorf("%s holds %d entries, want %d", blobBatchSplits, len(vals), batch)
		}
		splits := make([]int, batch)
		sum := 0
		for i, v := range vals {
			splits[i] = int(v)
			sum += splits[i]
		}
		if sum != total {
			return nil, fmt.Errorf("%s sums to %d, want %d detections", blobBatchSplits, sum, total)
		}
		return splits, nil
	}
	if batch != 1 {
		return nil, fmt.Errorf("graph emitted no %s for a batch of %d", blobBatchSplits, batch)
	}
	return []int{total}, nil
}

// fedImageSizes reads back the per-image [height, width] rows fed as
// im_info, so boxes can be rescaled to original coordinates.
func fedImageSizes(inputs *workspace.TensorDict, batch int) ([][2]float32, error) {
	t, ok := inputs.Get(blobImInfo)
	if !ok || t == nil {
		return nil, fmt.Errorf("input %q is missing", blobImInfo)
	}
	vals, err := floats(t, blobImInfo)
	if err != nil {
		return nil, err
	}
	if len(vals) != batch*3 {
		return nil, fmt.Errorf("%s holds %d values, want %d", blobImInfo, len(vals), batch*3)
	}
	sizes := make([][2]float32, batch)
	for i := range sizes {
		sizes[i] = [2]float32{vals[i*3], vals[i*3+1]}
	}
	return sizes, nil
}

func scaleClipBox(box []float32, scaleX, scaleY, maxX, maxY float32) [4]float32 {
	out := [4]float32{
		box[0] * scaleX,
		box[1] * scaleY,
		box[2] * scaleX,
		box[3] * scaleY,
	}
	out[0] = clip(out[0], 0, maxX)
	out[1] = clip(out[1], 0, maxY)
	out[2] = clip(out[2], 0, maxX)
	out[3] = clip(out[3], 0, maxY)
	return out
}

func clip(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extractMask copies the MxM probability map for the detection's class.
// Class-agnostic exports carry a single channel.
func extractMask(masks []float32, det, channels, size int, class int64) ([]float32, int) {
	c := int(class)
	if channels == 1 {
		c = 0
	}
	if c < 0 || c >= channels {
		return nil, 0
	}
	plane := size * size
	off := (det*channels + c) * plane
	out := make([]float32, plane)
	copy(out, masks[off:off+plane])
	return out, size
}
