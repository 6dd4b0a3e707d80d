package capture

import (
	"context"
	"fmt"
	"image/png"
	"os"

	"github.com/sunshineplan/imgconv"
)

// ImgResizer resizes PNGs in-process. It backstops a missing
// ImageMagick installation; grim always produces PNG output.
type ImgResizer struct{}

// Resize decodes src, scales it down to the given width if wider, and
// encodes the result to dst.
func (ImgResizer) Resize(ctx context.Context, src, dst string, width int) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	img, err := png.Decode(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}

	if img.Bounds().Dx() > width {
		img = imgconv.Resize(img, &imgconv.ResizeOption{Width: width})
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating resized image: %w", err)
	}
	if err := png.Encode(out, img); err != nil {
		_ = out.Close()
		return fmt.Errorf("encoding resized image: %w", err)
	}
	return out.Close()
}
