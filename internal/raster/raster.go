// Package raster turns rendered page bitmaps into bounded-size PNG payloads
// for the OCR backends.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// RenderError is a per-page rasterization failure. It is caught at the page
// level and recorded on the PageResult; it never aborts the batch or the
// document.
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rasterize page %d: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Renderer encodes page bitmaps as PNG, downscaling anything whose longer
// side exceeds MaxDimension.
type Renderer struct {
	// Scale is the zoom factor relative to 72 DPI (2.0 ≈ 144 DPI).
	Scale float64
	// MaxDimension caps the longer side of the encoded image, in pixels.
	MaxDimension int
}

// DPI returns the effective rendering resolution.
func (r Renderer) DPI() float64 {
	scale := r.Scale
	if scale <= 0 {
		scale = 2.0
	}
	return scale * 72
}

// Encode converts img to PNG bytes, downscaling proportionally with
// Catmull-Rom resampling when either dimension exceeds MaxDimension.
func (r Renderer) Encode(img image.Image) ([]byte, error) {
	img = r.clamp(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r Renderer) clamp(img image.Image) image.Image {
	max := r.MaxDimension
	if max <= 0 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= max {
		return img
	}

	ratio := float64(max) / float64(longer)
	nw := int(float64(w) * ratio)
	nh := int(float64(h) * ratio)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
