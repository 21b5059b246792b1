package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/vladimirvivien/go4vl/v4l2"
)

// RawFrame is a captured buffer in the device's pixel format
type RawFrame struct {
	Data      []byte
	Width     int
	Height    int
	Format    v4l2.FourCCType
	Timestamp time.Time
	Sequence  uint32
}

// ToImage converts the frame to a Go image.Image
func (f *RawFrame) ToImage() (image.Image, error) {
	switch f.Format {
	case v4l2.PixelFmtMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode MJPEG frame: %w", err)
		}
		return img, nil
	case v4l2.PixelFmtYUYV:
		return yuyvToImage(f.Data, f.Width, f.Height)
	case v4l2.PixelFmtRGB24:
		return rgb24ToImage(f.Data, f.Width, f.Height)
	case v4l2.PixelFmtGrey:
		return greyToImage(f.Data, f.Width, f.Height)
	default:
		return nil, fmt.Errorf("unsupported pixel format: %v", f.Format)
	}
}

func checkSize(data []byte, width, height, bytesPerPixel int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if want := width * height * bytesPerPixel; len(data) < want {
		return fmt.Errorf("short frame: got %d bytes, want %d", len(data), want)
	}
	return nil
}

// yuyvToImage converts packed YUYV 4:2:2 (two pixels per four bytes) using BT.601
func yuyvToImage(data []byte, width, height int) (image.Image, error) {
	if err := checkSize(data, width, height, 2); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 2 {
			idx := (y*width + x) * 2
			y0 := int(data[idx])
			u := int(data[idx+1]) - 128
			y1 := int(data[idx+2])
			v := int(data[idx+3]) - 128

			setRGB(img, x, y, yuvToRGB(y0, u, v))
			if x+1 < width {
				setRGB(img, x+1, y, yuvToRGB(y1, u, v))
			}
		}
	}

	return img, nil
}

func setRGB(img *image.RGBA, x, y int, rgb [3]uint8) {
	i := img.PixOffset(x, y)
	img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = rgb[0], rgb[1], rgb[2], 255
}

func yuvToRGB(y, u, v int) [3]uint8 {
	c := y - 16

	r := (298*c + 409*v + 128) >> 8
	g := (298*c - 100*u - 208*v + 128) >> 8
	b := (298*c + 516*u + 128) >> 8

	return [3]uint8{clampUint8(r), clampUint8(g), clampUint8(b)}
}

func clampUint8(val int) uint8 {
	if val < 0 {
		return 0
	}
	if val > 255 {
		return 255
	}
	return uint8(val)
}

func rgb24ToImage(data []byte, width, height int) (image.Image, error) {
	if err := checkSize(data, width, height, 3); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height; i, j = i+1, j+3 {
		img.Pix[i*4] = data[j]
		img.Pix[i*4+1] = data[j+1]
		img.Pix[i*4+2] = data[j+2]
		img.Pix[i*4+3] = 255
	}

	return img, nil
}

func greyToImage(data []byte, width, height int) (image.Image, error) {
	if err := checkSize(data, width, height, 1); err != nil {
		return nil, err
	}

	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, data)
	return img, nil
}
