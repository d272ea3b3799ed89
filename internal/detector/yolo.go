package detector

import (
	"image"

	"github.com/nfnt/resize"

	"github.com/campus-energy/zonerelay/pkg/types"
)

// YOLOv8 export geometry: one 640x640 RGB input and a (1, 84, 8400) output
// holding cx, cy, w, h followed by 80 class scores for each candidate.
const (
	yoloInputSize  = 640
	yoloCandidates = 8400
	yoloChannels   = 84
	yoloClassBase  = 4
	yoloClasses    = yoloChannels - yoloClassBase
	nmsIoU         = 0.45
)

// fillInput resizes img to the model input and writes planar RGB in [0,1] into dst.
func fillInput(img image.Image, dst []float32) {
	const plane = yoloInputSize * yoloInputSize
	red := dst[0:plane]
	green := dst[plane : 2*plane]
	blue := dst[2*plane : 3*plane]

	scaled := resize.Resize(yoloInputSize, yoloInputSize, img, resize.Lanczos3)
	b := scaled.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Min.Y+yoloInputSize; y++ {
		for x := b.Min.X; x < b.Min.X+yoloInputSize; x++ {
			r, g, bl, _ := scaled.At(x, y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(bl>>8) / 255.0
			i++
		}
	}
}

// decodeYOLOv8 turns raw output into target-class detections scaled back to a
// width x height frame, before NMS.
func decodeYOLOv8(output []float32, width, height int, threshold float32, target TargetClass) []types.Detection {
	if len(output) < yoloChannels*yoloCandidates {
		return nil
	}
	sx := float32(width) / yoloInputSize
	sy := float32(height) / yoloInputSize
	frame := image.Rect(0, 0, width, height)

	var dets []types.Detection
	for idx := 0; idx < yoloCandidates; idx++ {
		best, bestClass := float32(0), -1
		for c := 0; c < yoloClasses; c++ {
			if p := output[yoloCandidates*(c+yoloClassBase)+idx]; p > best {
				best, bestClass = p, c
			}
		}
		if bestClass != target.ID || best < threshold {
			continue
		}

		cx := output[idx]
		cy := output[yoloCandidates+idx]
		w := output[2*yoloCandidates+idx]
		h := output[3*yoloCandidates+idx]
		box := image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		).Intersect(frame)
		if box.Empty() {
			continue
		}
		dets = append(dets, types.Detection{Box: box, Confidence: best, Label: target.Label})
	}
	return dets
}
