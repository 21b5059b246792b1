// Package camera provides frame sources: a V4L2 capture device and a directory of still images
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/facegate/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// ErrStaleFrame is returned when the newest captured frame is too old to analyse
var ErrStaleFrame = errors.New("camera frame is stale")

// maxFrameAge bounds how old the latest frame may be before Frame refuses it
const maxFrameAge = time.Second

// ParsePixelFormat maps a configured pixel format name to its V4L2 FourCC
func ParsePixelFormat(name string) (v4l2.FourCCType, error) {
	switch strings.ToUpper(name) {
	case "MJPEG", "":
		return v4l2.PixelFmtMJPEG, nil
	case "YUYV":
		return v4l2.PixelFmtYUYV, nil
	case "RGB24":
		return v4l2.PixelFmtRGB24, nil
	case "GREY", "GRAY":
		return v4l2.PixelFmtGrey, nil
	default:
		return 0, fmt.Errorf("unsupported pixel format: %s", name)
	}
}

// Camera captures from a V4L2 device and keeps only the most recent frame
type Camera struct {
	device *device.Device
	config config.CameraConfig
	format v4l2.FourCCType
	width  int
	height int
	logger *logrus.Logger

	latest atomic.Pointer[RawFrame]
	ready  chan struct{}
	once   sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCamera opens the device and negotiates the configured format
func NewCamera(cfg config.CameraConfig, logger *logrus.Logger) (*Camera, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	format, err := ParsePixelFormat(cfg.PixelFormat)
	if err != nil {
		return nil, err
	}

	opts := []device.Option{
		device.WithPixFormat(v4l2.PixFormat{
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
			PixelFormat: format,
			Field:       v4l2.FieldNone,
		}),
	}
	if cfg.FPS > 0 {
		opts = append(opts, device.WithFPS(uint32(cfg.FPS)))
	}

	// Open the device
	dev, err := device.Open(cfg.Device, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera device %s: %w", cfg.Device, err)
	}

	c := &Camera{
		device: dev,
		config: cfg,
		format: format,
		width:  cfg.Width,
		height: cfg.Height,
		logger: logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	// The driver may have adjusted the resolution
	if pix, err := dev.GetPixFormat(); err == nil {
		c.width, c.height = int(pix.Width), int(pix.Height)
		c.format = pix.PixelFormat
	}

	logger.WithFields(logrus.Fields{
		"device": cfg.Device,
		"width":  c.width,
		"height": c.height,
		"format": v4l2.PixelFormats[c.format],
	}).Info("Camera opened")

	return c, nil
}

// Start begins video capture
func (c *Camera) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	// Start the device
	if err := c.device.Start(ctx); err != nil {
		c.cancel()
		c.cancel = nil
		return fmt.Errorf("failed to start camera: %w", err)
	}

	go c.captureLoop(ctx)
	return nil
}

// Stop stops video capture
func (c *Camera) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	c.cancel = nil

	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop camera: %w", err)
	}
	return nil
}

// Close releases camera resources
func (c *Camera) Close() error {
	_ = c.Stop()
	return c.device.Close()
}

// Frame returns the most recent frame, waiting for the first one after start
func (c *Camera) Frame(ctx context.Context) (image.Image, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for first camera frame: %w", ctx.Err())
	}

	raw := c.latest.Load()
	if age := time.Since(raw.Timestamp); age > maxFrameAge {
		return nil, fmt.Errorf("%w (%s old)", ErrStaleFrame, age.Round(time.Millisecond))
	}

	return raw.ToImage()
}

// captureLoop replaces the latest frame with every buffer the device delivers
func (c *Camera) captureLoop(ctx context.Context) {
	defer close(c.done)

	output := c.device.GetOutput()
	var sequence uint32

	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-output:
			if !ok {
				c.logger.Warn("Camera stream closed")
				return
			}

			// The driver reuses its buffers
			data := make([]byte, len(buf))
			copy(data, buf)
			sequence++

			c.latest.Store(&RawFrame{
				Data:      data,
				Width:     c.width,
				Height:    c.height,
				Format:    c.format,
				Timestamp: time.Now(),
				Sequence:  sequence,
			})
			c.once.Do(func() { close(c.ready) })
		}
	}
}
