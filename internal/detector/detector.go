// Package detector finds people in camera frames.
package detector

import (
	"context"
	"errors"
	"image"
	"sort"

	"github.com/campus-energy/zonerelay/pkg/types"
)

// ErrModelUnavailable is returned when a model cannot be loaded.
var ErrModelUnavailable = errors.New("detection model unavailable")

// PersonLabel is the label of the default target class.
const PersonLabel = "person"

// TargetClass is the model class whose detections count as occupancy.
type TargetClass struct {
	ID    int    `yaml:"id"`
	Label string `yaml:"label"`
}

// DefaultTarget is COCO class 0, person.
var DefaultTarget = TargetClass{ID: 0, Label: PersonLabel}

// OrDefault returns t, or DefaultTarget when t has no label.
func (t TargetClass) OrDefault() TargetClass {
	if t.Label == "" {
		return DefaultTarget
	}
	return t
}

// Detector returns the target-class detections in img scoring at least threshold.
type Detector interface {
	Detect(ctx context.Context, img image.Image, threshold float32) ([]types.Detection, error)
	Close() error
}

// IoU is the intersection over union of two boxes.
func IoU(a, b image.Rectangle) float32 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := area(inter)
	union := area(a) + area(b) - ia
	if union <= 0 {
		return 0
	}
	return float32(ia) / float32(union)
}

// NMS keeps the highest-scoring box of every cluster overlapping by more than iouThreshold.
func NMS(dets []types.Detection, iouThreshold float32) []types.Detection {
	if len(dets) < 2 {
		return dets
	}
	sorted := append([]types.Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	kept := sorted[:0:0]
	for _, d := range sorted {
		overlaps := false
		for _, k := range kept {
			if IoU(d.Box, k.Box) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
