package capture

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, width, height int) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}

	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	img, err := png.Decode(f)
	require.NoError(t, err)
	return img
}

func TestImgResizerScalesDown(t *testing.T) {
	src := writePNG(t, 64, 32)
	dst := filepath.Join(t.TempDir(), "out.png")

	require.NoError(t, ImgResizer{}.Resize(context.Background(), src, dst, 16))

	got := decodePNG(t, dst)
	require.Equal(t, 16, got.Bounds().Dx())
	require.Equal(t, 8, got.Bounds().Dy())
}

func TestImgResizerNeverUpscales(t *testing.T) {
	src := writePNG(t, 16, 16)
	dst := filepath.Join(t.TempDir(), "out.png")

	require.NoError(t, ImgResizer{}.Resize(context.Background(), src, dst, 320))

	got := decodePNG(t, dst)
	require.Equal(t, 16, got.Bounds().Dx())
}

func TestImgResizerRejectsCorruptInput(t *testing.T) {
	src := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(src, []byte("not a png"), 0644))

	err := ImgResizer{}.Resize(context.Background(), src, filepath.Join(t.TempDir(), "out.png"), 16)
	require.Error(t, err)
}
