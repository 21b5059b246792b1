// Package utils provides utility functions for image processing
package utils

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // register PNG decoder for reference images
	"io"
	"path/filepath"
	"strings"
)

// DefaultJPEGQuality is the quality used when frames are sent to the inference service
const DefaultJPEGQuality = 90

// subImager is implemented by the standard library image types
type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// CropImage crops a region from an image.
// The region is clamped to the image bounds; the result may be empty.
// When the source supports it the crop shares pixels with the source.
func CropImage(img image.Image, region image.Rectangle) image.Image {
	region = region.Intersect(img.Bounds())

	if si, ok := img.(subImager); ok {
		return si.SubImage(region)
	}

	cropped := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(cropped, cropped.Bounds(), img, region.Min, draw.Src)
	return cropped
}

// Luma returns the 8-bit BT.601 luminance of a colour, rounded to nearest
func Luma(c color.Color) uint8 {
	r, g, b, _ := c.RGBA()
	// 14-bit fixed-point weights over 8-bit channels
	y := (4899*(r>>8) + 9617*(g>>8) + 1868*(b>>8) + 1<<13) >> 14
	return uint8(y)
}

// BoxBlur applies a square box blur of the given radius, repeated passes times.
// Borders are clamped. The source image is not modified.
func BoxBlur(img image.Image, radius, passes int) *image.RGBA {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	if radius <= 0 || passes <= 0 || w == 0 || h == 0 {
		return dst
	}

	tmp := image.NewRGBA(dst.Bounds())
	for p := 0; p < passes; p++ {
		blurAxis(dst, tmp, radius, true)
		blurAxis(tmp, dst, radius, false)
	}

	return dst
}

// blurAxis runs a one-dimensional moving average from src into dst
func blurAxis(src, dst *image.RGBA, radius int, horizontal bool) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	outer, inner := h, w
	if !horizontal {
		outer, inner = w, h
	}
	window := uint32(2*radius + 1)

	offset := func(o, i int) int {
		if i < 0 {
			i = 0
		} else if i >= inner {
			i = inner - 1
		}
		if horizontal {
			return o*src.Stride + i*4
		}
		return i*src.Stride + o*4
	}

	for o := 0; o < outer; o++ {
		var sum [4]uint32
		for i := -radius; i <= radius; i++ {
			off := offset(o, i)
			for c := 0; c < 4; c++ {
				sum[c] += uint32(src.Pix[off+c])
			}
		}

		for i := 0; i < inner; i++ {
			out := offset(o, i)
			for c := 0; c < 4; c++ {
				dst.Pix[out+c] = uint8((sum[c] + window/2) / window)
			}

			leaving := offset(o, i-radius)
			entering := offset(o, i+radius+1)
			for c := 0; c < 4; c++ {
				sum[c] += uint32(src.Pix[entering+c])
				sum[c] -= uint32(src.Pix[leaving+c])
			}
		}
	}
}

// EncodeJPEG encodes an image as JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes a JPEG or PNG image
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// IsImageFile reports whether name has a decodable image extension
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
