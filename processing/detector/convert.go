package processing

import (
	"image"

	"github.com/nfnt/resize"

	"detectview/internal/models"
)

// ToBitmap converts img into the surface format. A non-zero size scales the
// result with bilinear interpolation; zero keeps the native size.
func ToBitmap(img image.Image, size image.Point) *models.Bitmap {
	if size.X > 0 && size.Y > 0 && size != img.Bounds().Size() {
		img = resize.Resize(uint(size.X), uint(size.Y), img, resize.Bilinear)
	}
	return models.BitmapFromImage(img)
}

// render produces the bitmap for one frame: a copy of the frame with the
// detections drawn on it, scaled to size. The frame itself is not modified.
func render(frame *models.Frame, dets []models.Detection, size image.Point) *models.Bitmap {
	bmp := models.BitmapFromImage(frame.Image)
	if len(dets) > 0 {
		Annotate(bmp, dets)
	}
	if size.X > 0 && size.Y > 0 && size != bmp.Bounds().Size() {
		return ToBitmap(bmp, size)
	}
	return bmp
}
