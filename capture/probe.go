package capture

import "os/exec"

// Probe checks once, at construction, whether the external tools
// needed for window capture are present on PATH. It performs no other
// I/O and never fails; a missing capture tool just means captures
// become no-ops.
type Probe struct {
	capturer Capturer
	resizer  Resizer
}

// NewProbe looks for grim and an image resizer. Resizing prefers
// ImageMagick (magick, then the legacy convert entrypoint) and falls
// back to the built-in resizer, so only grim is strictly required.
func NewProbe() *Probe {
	p := &Probe{}

	if path, err := exec.LookPath("grim"); err == nil {
		p.capturer = &GrimCapturer{Bin: path}
	}

	if path, err := exec.LookPath("magick"); err == nil {
		p.resizer = &MagickResizer{Bin: path}
	} else if path, err := exec.LookPath("convert"); err == nil {
		p.resizer = &MagickResizer{Bin: path}
	} else {
		p.resizer = ImgResizer{}
	}

	return p
}

// Available reports whether captures can perform real work.
func (p *Probe) Available() bool {
	return p.capturer != nil
}

// Capturer returns the discovered capture tool, or nil when absent.
func (p *Probe) Capturer() Capturer {
	return p.capturer
}

// Resizer returns the discovered resizer. Never nil: the built-in
// resizer backstops a missing ImageMagick.
func (p *Probe) Resizer() Resizer {
	return p.resizer
}
