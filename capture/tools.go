package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// GrimCapturer shells out to grim to capture a screen region.
type GrimCapturer struct {
	Bin string
}

// Capture runs grim with the region geometry, writing a PNG to dst.
func (g *GrimCapturer) Capture(ctx context.Context, region Region, dst string) error {
	geometry := fmt.Sprintf("%d,%d %dx%d", region.X, region.Y, region.Width, region.Height)

	cmd := exec.CommandContext(ctx, g.Bin, "-g", geometry, dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("capture timed out: %w", ctx.Err())
		}
		return fmt.Errorf("grim: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// MagickResizer shells out to ImageMagick. Bin may be the magick
// binary or the legacy convert entrypoint; both take the same
// arguments here.
type MagickResizer struct {
	Bin string
}

// Resize scales src down to the given width, preserving aspect ratio.
func (m *MagickResizer) Resize(ctx context.Context, src, dst string, width int) error {
	cmd := exec.CommandContext(ctx, m.Bin, src, "-resize", fmt.Sprintf("%dx", width), dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("resize timed out: %w", ctx.Err())
		}
		return fmt.Errorf("%s: %w: %s", filepath.Base(m.Bin), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
