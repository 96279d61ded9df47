package processing

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/pkg/errors"

	"detectview/internal/models"
)

// YOLOLayout is the arrangement of a YOLO output tensor.
type YOLOLayout int

const (
	// LayoutAuto picks LayoutV8 when the attribute axis is the shorter one.
	LayoutAuto YOLOLayout = iota
	// LayoutV5 is [1, N, 5+C]: cx, cy, w, h, objectness, C class scores.
	LayoutV5
	// LayoutV8 is [1, 4+C, N]: cx, cy, w, h, C class scores, attribute-major.
	LayoutV8
)

// YOLOParams describes how a raw YOLO output tensor maps back to a frame.
type YOLOParams struct {
	// InputSize is the network input the boxes are expressed in.
	InputSize image.Point
	// FrameSize is the frame the boxes are scaled to.
	FrameSize image.Point

	ConfThreshold float32
	NMSThreshold  float32

	// Classes names class ids. Nil uses the COCO names.
	Classes []string

	Layout YOLOLayout
}

// DecodeYOLO turns a YOLO output tensor into detections in frame pixels.
//
// Both the v5 and the v8 layouts are accepted. Boxes are given in
// InputSize pixels and are scaled to FrameSize and clipped to it.
func DecodeYOLO(out []float32, dims []int, p YOLOParams) ([]models.Detection, error) {
	if len(dims) != 3 || dims[0] != 1 {
		return nil, errors.Errorf("unexpected output shape %v", dims)
	}
	if p.InputSize.X <= 0 || p.InputSize.Y <= 0 {
		return nil, errors.Errorf("invalid input size %v", p.InputSize)
	}
	if len(out) < dims[1]*dims[2] {
		return nil, errors.Errorf("output has %d values, shape %v needs %d", len(out), dims, dims[1]*dims[2])
	}

	var (
		rows, attrs int
		transposed  bool
		hasObj      bool
	)
	layout := p.Layout
	if layout == LayoutAuto {
		layout = LayoutV5
		if dims[1] < dims[2] {
			layout = LayoutV8
		}
	}
	if layout == LayoutV8 {
		attrs, rows, transposed = dims[1], dims[2], true
	} else {
		rows, attrs, hasObj = dims[1], dims[2], true
	}

	first := 4
	if hasObj {
		first = 5
	}
	if attrs <= first {
		return nil, errors.Errorf("output shape %v has no class scores", dims)
	}

	at := func(row, attr int) float32 {
		if transposed {
			return out[attr*rows+row]
		}
		return out[row*attrs+attr]
	}

	sx := float64(p.FrameSize.X) / float64(p.InputSize.X)
	sy := float64(p.FrameSize.Y) / float64(p.InputSize.Y)
	frame := image.Rect(0, 0, p.FrameSize.X, p.FrameSize.Y)

	var candidates []models.Detection
	for r := 0; r < rows; r++ {
		classID, score := -1, float32(0)
		for a := first; a < attrs; a++ {
			if s := at(r, a); s > score {
				classID, score = a-first, s
			}
		}
		if hasObj {
			score *= at(r, 4)
		}
		if classID < 0 || score < p.ConfThreshold {
			continue
		}

		cx, cy := float64(at(r, 0)), float64(at(r, 1))
		w, h := float64(at(r, 2)), float64(at(r, 3))
		box := image.Rect(
			int(math.Round((cx-w/2)*sx)),
			int(math.Round((cy-h/2)*sy)),
			int(math.Round((cx+w/2)*sx)),
			int(math.Round((cy+h/2)*sy)),
		).Intersect(frame)
		if box.Empty() {
			continue
		}

		candidates = append(candidates, models.Detection{
			Label:      className(p.Classes, classID),
			ClassID:    classID,
			Confidence: score,
			Box:        box,
		})
	}

	return NMS(candidates, p.NMSThreshold), nil
}

// NMS applies class-wise greedy non-maximum suppression: a box is dropped
// when it overlaps a higher-confidence box of the same class by more than
// threshold IoU. The result is ordered by decreasing confidence.
func NMS(dets []models.Detection, threshold float32) []models.Detection {
	sorted := make([]models.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]models.Detection, 0, len(sorted))
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.ClassID == d.ClassID && IoU(k.Box, d.Box) > float64(threshold) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

// IoU is the intersection over union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := area(inter)
	union := area(a) + area(b) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

func area(r image.Rectangle) float64 {
	return float64(r.Dx()) * float64(r.Dy())
}

func className(classes []string, id int) string {
	if classes == nil {
		return models.ClassName(id)
	}
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return fmt.Sprintf("class_%d", id)
}
