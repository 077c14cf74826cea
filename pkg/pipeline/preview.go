package pipeline

import (
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

// previewBox is the bounding box previews are fitted into.
const previewBox = 320

const previewJPEGQuality = 85

// imagePreview decodes the source, fits it inside the preview box keeping
// aspect ratio, and writes a JPEG thumbnail. Images already inside the box
// are re-encoded without upscaling.
func (p *Pipeline) imagePreview(path, objectID string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := fitInBox(src, previewBox)

	out, err := os.Create(p.PreviewPath(objectID))
	if err != nil {
		return fmt.Errorf("failed to create preview: %w", err)
	}
	if err := jpeg.Encode(out, thumb, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		out.Close()
		os.Remove(out.Name())
		return fmt.Errorf("failed to encode preview: %w", err)
	}
	return out.Close()
}

// fitInBox scales src down so both dimensions fit within box pixels. It
// never upscales.
func fitInBox(src image.Image, box int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= box && h <= box {
		return src
	}

	nw, nh := w, h
	if w >= h {
		nw = box
		nh = h * box / w
	} else {
		nh = box
		nw = w * box / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
