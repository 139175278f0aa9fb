package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"time"

	"github.com/kbinani/screenshot"
)

// Frame is one captured screen image. Frames are handed to a single recognition
// call and are not retained afterwards.
type Frame struct {
	Seq   uint64
	Image *image.RGBA
	// Origin is the desktop position of the image's top-left pixel. Image
	// bounds always start at zero.
	Origin     image.Point
	CapturedAt time.Time
}

func (f Frame) Width() int  { return f.Image.Bounds().Dx() }
func (f Frame) Height() int { return f.Image.Bounds().Dy() }

// Source produces a lazy, non-restartable stream of frames. The returned channel
// is closed when the source terminates, either through Stop, ctx cancellation, or
// because capture is no longer possible.
type Source interface {
	Start(ctx context.Context, token string) (<-chan Frame, error)
	Stop()
}

// Region represents a screen region to capture
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Region) rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// CaptureRegion captures a specific region of the screen
func CaptureRegion(region Region) (*image.RGBA, error) {
	if region.Width <= 0 || region.Height <= 0 {
		return nil, fmt.Errorf("invalid region dimensions: width=%d, height=%d", region.Width, region.Height)
	}

	img, err := screenshot.CaptureRect(region.rect())
	if err != nil {
		return nil, fmt.Errorf("failed to capture region: %w", err)
	}
	return img, nil
}

// GetDisplayBounds returns the bounds of the given display
func GetDisplayBounds(display int) (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, fmt.Errorf("no active displays found")
	}
	if display < 0 || display >= n {
		return image.Rectangle{}, fmt.Errorf("display %d not available (%d active)", display, n)
	}
	return screenshot.GetDisplayBounds(display), nil
}

// EncodePNG converts a frame image to PNG bytes for engines that take files.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image as PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// ToRGBA returns img as *image.RGBA with a zero origin, copying when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// publishLatest delivers f without blocking. When the consumer has not taken the
// previous frame yet, that frame is replaced. Single producer only.
func publishLatest(ch chan Frame, f Frame) (replaced bool) {
	select {
	case ch <- f:
		return false
	default:
	}
	select {
	case <-ch:
		replaced = true
	default:
	}
	select {
	case ch <- f:
	default:
	}
	return replaced
}
