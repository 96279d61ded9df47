package models

import (
	"fmt"
	"image"
)

// DetectionResult is the wire format of the remote detection server.
// Box holds normalized coordinates ordered as [y1, x1, y2, x2].
type DetectionResult struct {
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
}

// Detection is one predicted object in the native pixel space of its frame.
type Detection struct {
	Label      string
	ClassID    int
	Confidence float32
	Box        image.Rectangle
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f %v", d.Label, d.Confidence, d.Box)
}

// ToDetection converts a normalized result into pixel coordinates of a
// width x height frame. Results with a malformed box are rejected.
func (r DetectionResult) ToDetection(width, height int) (Detection, bool) {
	if len(r.Box) != 4 {
		return Detection{}, false
	}

	w := float32(width)
	h := float32(height)

	y1 := int(r.Box[0] * h)
	x1 := int(r.Box[1] * w)
	y2 := int(r.Box[2] * h)
	x2 := int(r.Box[3] * w)

	box := image.Rect(x1, y1, x2, y2).Intersect(image.Rect(0, 0, width, height))
	if box.Empty() {
		return Detection{}, false
	}

	return Detection{
		Label:      r.Label,
		ClassID:    ClassID(r.Label),
		Confidence: r.Confidence,
		Box:        box,
	}, true
}
