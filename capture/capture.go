// Package capture invokes external screenshot tooling to populate the
// thumbnail cache. The tools sit behind narrow interfaces so the
// scheduler can be exercised without a compositor present.
package capture

import "context"

// Region is a screen rectangle in pixels.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Capturer captures a screen region to a PNG file at dst.
// Implementations must respect ctx cancellation.
type Capturer interface {
	Capture(ctx context.Context, region Region, dst string) error
}

// Resizer scales the image at src down to the given width, preserving
// aspect ratio, and writes the result to dst.
type Resizer interface {
	Resize(ctx context.Context, src, dst string, width int) error
}
