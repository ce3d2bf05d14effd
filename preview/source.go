package preview

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/NKI-AI/openslide-go/openslide"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageRef identifies one image of a series.
type ImageRef struct {
	ID         string    `json:"id"`
	PlantID    string    `json:"plantId"`
	ViewAngle  string    `json:"viewAngle"`
	Index      int       `json:"index"`
	CapturedAt time.Time `json:"capturedAt"`
	Path       string    `json:"path"`
}

// Source is an opened image the viewport can crop from.
type Source interface {
	Size() (width, height int)
	Crop(r image.Rectangle) (image.Image, error)
	Close() error
}

// Loader opens the image behind a reference.
type Loader interface {
	Open(ctx context.Context, ref ImageRef) (Source, error)
}

// RasterSource wraps a fully decoded image.
type RasterSource struct {
	Image image.Image
}

func (s RasterSource) Size() (int, int) {
	b := s.Image.Bounds()
	return b.Dx(), b.Dy()
}

// Crop copies r (in image coordinates relative to the top-left corner) into a new
// RGBA image. Parts of r outside the image are dropped.
func (s RasterSource) Crop(r image.Rectangle) (image.Image, error) {
	b := s.Image.Bounds()
	r = r.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, errors.New("crop window lies outside the image")
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), s.Image, r.Min, draw.Src)
	return out, nil
}

func (s RasterSource) Close() error { return nil }

// SlideSource reads crop windows straight from a whole-slide image at level 0.
type SlideSource struct {
	Slide openslide.Slide
	once  sync.Once
}

func (s *SlideSource) Size() (int, int) {
	dims := s.Slide.LargestLevelDimensions()
	return dims[0], dims[1]
}

func (s *SlideSource) Crop(r image.Rectangle) (image.Image, error) {
	if r.Empty() {
		return nil, errors.New("empty crop window")
	}
	region, err := s.Slide.ReadRegion(r.Min.X, r.Min.Y, 0, r.Dx(), r.Dy())
	if err != nil {
		return nil, errors.Wrap(err, "read slide region")
	}
	return region, nil
}

// Close releases the slide. Only the first call closes it.
func (s *SlideSource) Close() error {
	s.once.Do(func() { s.Slide.Close() })
	return nil
}

var slideExtensions = map[string]bool{
	".svs": true, ".ndpi": true, ".mrxs": true, ".scn": true, ".vms": true,
	".vmu": true, ".bif": true, ".svslide": true, ".tif": true, ".tiff": true,
}

// FileLoader opens images from a directory. Whole-slide formats go through
// OpenSlide; everything else is decoded in memory.
type FileLoader struct {
	Root string
}

func (l FileLoader) Open(ctx context.Context, ref ImageRef) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ref.Path
	if !filepath.IsAbs(path) && l.Root != "" {
		path = filepath.Join(l.Root, path)
	}

	if slideExtensions[strings.ToLower(filepath.Ext(path))] {
		if vendor, err := openslide.DetectVendor(path); err == nil && vendor != "" {
			log.Info(fmt.Sprintf("Opening %s with vendor %s", path, vendor))
			slide, err := openslide.Open(path)
			if err != nil {
				return nil, errors.Wrapf(err, "open slide %s", path)
			}
			return &SlideSource{Slide: slide}, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	log.Debugf("Decoded %s image %s", format, path)
	return RasterSource{Image: img}, nil
}
