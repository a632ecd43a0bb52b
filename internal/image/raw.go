// Package image provides image decoding and the pixel-level primitives
// the evaluation pipeline samples from.
package image

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	_ "golang.org/x/image/webp" // imaging registers jpeg/png/gif/tiff/bmp
)

// Raw is a decoded sheet photograph. Camera EXIF orientation is already
// applied, so (0,0) is the visual top-left regardless of how the phone
// was held. Immutable once loaded.
type Raw struct {
	Image  image.Image
	Format string // decoder name: "jpeg", "png", "tiff", ...
	Path   string // source path when loaded from disk, else empty
	Width  int
	Height int
}

// Decode decodes raw image bytes. The format is detected from the
// content, not from any filename.
func Decode(data []byte) (*Raw, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to sniff image format: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s image: %w", format, err)
	}

	b := img.Bounds()
	return &Raw{
		Image:  img,
		Format: format,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// FromImage wraps an already decoded image. Callers that decode
// upstream (or synthesize images in tests) enter the pipeline here.
func FromImage(img image.Image) *Raw {
	b := img.Bounds()
	return &Raw{
		Image:  img,
		Format: "memory",
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

// Open loads and decodes an image from disk.
func Open(path string) (*Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	raw, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	raw.Path = path
	return raw, nil
}

// Gray returns the luminance plane of the photograph.
func (r *Raw) Gray() *image.Gray {
	return ToGray(r.Image)
}

// ToGray converts any image to an 8-bit luminance plane using the
// BT.601 weights. Fast paths cover the buffer types the decoders
// actually produce.
func ToGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		out := image.NewGray(g.Bounds())
		copy(out.Pix, g.Pix)
		return out
	}

	b := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch s := src.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			si := s.PixOffset(b.Min.X, b.Min.Y+y)
			di := out.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				r := uint32(s.Pix[si])
				g := uint32(s.Pix[si+1])
				bl := uint32(s.Pix[si+2])
				out.Pix[di] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
				si += 4
				di++
			}
		}
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			si := s.PixOffset(b.Min.X, b.Min.Y+y)
			di := out.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				r := uint32(s.Pix[si])
				g := uint32(s.Pix[si+1])
				bl := uint32(s.Pix[si+2])
				out.Pix[di] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
				si += 4
				di++
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			di := out.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Pix[di] = uint8((19595*(r>>8) + 38470*(g>>8) + 7471*(bl>>8) + 1<<15) >> 16)
				di++
			}
		}
	}
	return out
}

// SupportedFormats returns the file extensions the decoder accepts.
func SupportedFormats() []string {
	return []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp", ".webp", ".gif"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}
