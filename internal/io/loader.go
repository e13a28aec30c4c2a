// Input stack loading and output stack saving
package io

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/tiff"

	"saimfit/internal/core"
	"saimfit/internal/layers"
)

// ErrMultiPageUnsupported is returned by LoadMultiPage in builds without
// the gocv tag.
var ErrMultiPageUnsupported = errors.New("multi-page TIFF loading requires a build with the gocv tag")

// ImageLoader handles stack file operations
type ImageLoader struct {
	logger *logrus.Logger
}

func NewImageLoader(logger *logrus.Logger) *ImageLoader {
	return &ImageLoader{
		logger: logger,
	}
}

func (il *ImageLoader) isSupportedFrameFormat(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".tif", ".tiff":
		return true
	}
	return false
}

// GetSupportedFormats lists the frame formats first, then the cube format.
func (il *ImageLoader) GetSupportedFormats() []string {
	return []string{"PNG", "TIFF", "FITS"}
}

// LoadFrames loads one grayscale frame per path, in order. Frame i is the
// image taken at the i-th angle of the series.
func (il *ImageLoader) LoadFrames(paths []string) (*core.Stack, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames given")
	}
	il.logger.WithField("frames", len(paths)).Debug("LOADER: Loading frames")

	var (
		frames        = make([][]float32, 0, len(paths))
		width, height int
	)
	for i, path := range paths {
		if !il.isSupportedFrameFormat(path) {
			return nil, fmt.Errorf("unsupported image format: %s (frames may be %s)", path, strings.Join(il.GetSupportedFormats()[:2], " or "))
		}
		img, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if i == 0 {
			width, height = b.Dx(), b.Dy()
		} else if b.Dx() != width || b.Dy() != height {
			return nil, &core.ShapeError{Reason: fmt.Sprintf("frame %s is %dx%d, first frame is %dx%d", path, b.Dx(), b.Dy(), width, height)}
		}
		frames = append(frames, grayValues(img))
	}

	stack := core.NewStack(width, height, frames)
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	il.logger.WithFields(logrus.Fields{
		"width":  width,
		"height": height,
		"depth":  len(frames),
	}).Info("LOADER: Frames loaded")
	return stack, nil
}

// LoadFrameDir loads every PNG or TIFF file of dir, sorted by name.
func (il *ImageLoader) LoadFrameDir(dir string) (*core.Stack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !il.isSupportedFrameFormat(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no PNG or TIFF frames in %s", dir)
	}
	return il.LoadFrames(paths)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// grayValues returns the luminance of img in row-major order. 8 and 16 bit
// gray images keep their raw sample values.
func grayValues(img image.Image) []float32 {
	b := img.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy())
	switch g := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out = append(out, float32(g.GrayAt(x, y).Y))
			}
		}
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out = append(out, float32(g.Gray16At(x, y).Y))
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
				out = append(out, float32(v.Y))
			}
		}
	}
	return out
}

// LoadFITS loads the primary HDU of a FITS file as a stack. The image must
// have three axes: width, height and one plane per angle. BSCALE and BZERO
// are applied.
func (il *ImageLoader) LoadFITS(path string) (*core.Stack, error) {
	il.logger.WithField("filepath", path).Debug("LOADER: Loading FITS cube")

	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FITS file: %w", err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read FITS file %s: %w", path, err)
	}
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU of %s is not an image", path)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 3 {
		return nil, &core.ShapeError{Reason: fmt.Sprintf("FITS image has %d axes, want 3", len(axes))}
	}
	width, height, depth := axes[0], axes[1], axes[2]
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, &core.ShapeError{Reason: fmt.Sprintf("invalid FITS dimensions: %dx%dx%d", width, height, depth)}
	}

	data := make([]float64, width*height*depth)
	if err := readPixels(img, data); err != nil {
		return nil, fmt.Errorf("failed to read FITS data: %w", err)
	}
	scale, zero := cardFloat(hdr, "BSCALE", 1), cardFloat(hdr, "BZERO", 0)

	n := width * height
	frames := make([][]float32, depth)
	for i := range frames {
		frame := make([]float32, n)
		for j, v := range data[i*n : (i+1)*n] {
			frame[j] = float32(v*scale + zero)
		}
		frames[i] = frame
	}

	stack := core.NewStack(width, height, frames)
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	il.logger.WithFields(logrus.Fields{
		"filepath": path,
		"bitpix":   hdr.Bitpix(),
		"width":    width,
		"height":   height,
		"depth":    depth,
	}).Info("LOADER: FITS cube loaded")
	return stack, nil
}

// readPixels reads the image data in the slice type its BITPIX calls for
// and widens it into dst.
func readPixels(img fitsio.Image, dst []float64) error {
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		return readAs[uint8](img, dst)
	case 16:
		return readAs[int16](img, dst)
	case 32:
		return readAs[int32](img, dst)
	case 64:
		return readAs[int64](img, dst)
	case -32:
		return readAs[float32](img, dst)
	case -64:
		return readAs[float64](img, dst)
	default:
		return fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

func readAs[T uint8 | int16 | int32 | int64 | float32 | float64](img fitsio.Image, dst []float64) error {
	buf := make([]T, len(dst))
	if err := img.Read(&buf); err != nil {
		return err
	}
	for i, v := range buf {
		dst[i] = float64(v)
	}
	return nil
}

func cardFloat(hdr *fitsio.Header, key string, def float64) float64 {
	card := hdr.Get(key)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// SaveFITS writes out as a float32 cube of four planes: height, R², A and B.
func (il *ImageLoader) SaveFITS(path string, out *layers.Stack) (err error) {
	if out == nil {
		return fmt.Errorf("cannot save empty output stack")
	}
	il.logger.WithField("filepath", path).Debug("LOADER: Saving FITS cube")

	w, h := out.Width(), out.Height()
	n := w * h
	data := make([]float32, 0, n*layers.NumPlanes)
	for _, p := range layers.Planes() {
		for _, v := range out.Plane(p) {
			data = append(data, float32(v))
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create FITS file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	f, err := fitsio.Create(file)
	if err != nil {
		return fmt.Errorf("failed to start FITS file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	img := fitsio.NewImage(-32, []int{w, h, layers.NumPlanes})
	defer img.Close()

	names := make([]string, 0, layers.NumPlanes)
	for _, p := range layers.Planes() {
		names = append(names, p.String())
	}
	if err := img.Header().Append(
		fitsio.Card{Name: "PLANES", Value: strings.Join(names, ","), Comment: "plane order"},
		fitsio.Card{Name: "PARTIAL", Value: out.Partial(), Comment: "run was stopped early"},
	); err != nil {
		return fmt.Errorf("failed to write FITS header: %w", err)
	}
	if err := img.Write(&data); err != nil {
		return fmt.Errorf("failed to write FITS data: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("failed to write FITS image: %w", err)
	}

	il.logger.WithFields(logrus.Fields{
		"filepath": path,
		"width":    w,
		"height":   h,
		"partial":  out.Partial(),
	}).Info("LOADER: Output saved")
	return nil
}
