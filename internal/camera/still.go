package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/MrCodeEU/facegate/pkg/utils"
)

// StillSource cycles through the images of a directory in name order
type StillSource struct {
	mu     sync.Mutex
	frames []image.Image
	names  []string
	next   int
}

// NewStillSource decodes every image in dir
func NewStillSource(dir string) (*StillSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read still image directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && utils.IsImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}

	s := &StillSource{names: names}
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to open still image: %w", err)
		}
		img, _, err := utils.DecodeImage(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s.frames = append(s.frames, img)
	}

	return s, nil
}

// Frame returns the next image, wrapping around at the end
func (s *StillSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	img := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	return img, nil
}

// Len returns the number of images
func (s *StillSource) Len() int {
	return len(s.frames)
}

// Names returns the image file names in playback order
func (s *StillSource) Names() []string {
	return append([]string(nil), s.names...)
}
