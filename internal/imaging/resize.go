// Package imaging derives the thumb and zoom JPEGs from a canonical
// screenshot (spec.md §3 screenshots/thumbs/zooms). Scaling uses only the
// standard library: no resize library appears anywhere in the example
// pack (see DESIGN.md), and nearest-neighbor scaling of already-downscaled
// preview-quality JPEGs doesn't warrant pulling one in.
package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// Thumbnail scales src down to at most maxWidth wide, preserving aspect
// ratio, and re-encodes as JPEG at quality.
func Thumbnail(src []byte, maxWidth, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return src, nil
	}
	scale := float64(maxWidth) / float64(b.Dx())
	newH := int(float64(b.Dy()) * scale)
	out := scaleNearest(img, maxWidth, newH)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Requality re-encodes src at quality without resizing, used to derive
// the canonical post-stability frame at its own JPEG quality from a
// screenshot captured at a different quality.
func Requality(src []byte, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Zoom crops a centered region of src at full resolution (no downscale),
// used to give the dashboard a close-up of where a click landed.
func Zoom(src []byte, centerX, centerY, width, height int, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	x0 := clamp(centerX-width/2, b.Min.X, b.Max.X-width)
	y0 := clamp(centerY-height/2, b.Min.Y, b.Max.Y-height)
	if x0 < b.Min.X {
		x0 = b.Min.X
	}
	if y0 < b.Min.Y {
		y0 = b.Min.Y
	}
	x1 := x0 + width
	y1 := y0 + height
	if x1 > b.Max.X {
		x1 = b.Max.X
	}
	if y1 > b.Max.Y {
		y1 = b.Max.Y
	}

	cropped := image.NewRGBA(image.Rect(0, 0, x1-x0, y1-y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			cropped.Set(x-x0, y-y0, img.At(x, y))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, cropped, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func scaleNearest(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, toRGBA(src.At(sx, sy)))
		}
	}
	return dst
}

func toRGBA(c color.Color) color.RGBA {
	r, g, b, a := c.RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}
