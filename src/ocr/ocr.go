package ocr

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quiz-autotap/src/screenshot"
)

// Recognizer turns one frame image into text.
type Recognizer interface {
	Recognize(ctx context.Context, img *image.RGBA) (string, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, img *image.RGBA) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, img *image.RGBA) (string, error) {
	return f(ctx, img)
}

// WithDeadline wraps r so that every call returns once ctx ends or the deadline
// passes, even if the underlying engine does not observe ctx.
func WithDeadline(r Recognizer, deadline time.Duration) Recognizer {
	return RecognizerFunc(func(ctx context.Context, img *image.RGBA) (string, error) {
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}
		return recognizeWithContext(ctx, r, img)
	})
}

// recognizeWithContext runs the engine in a sub-goroutine and respects ctx.Done().
// The engine may keep running in the background after we return.
func recognizeWithContext(ctx context.Context, r Recognizer, img *image.RGBA) (string, error) {
	resCh := make(chan struct {
		text string
		err  error
	}, 1)

	go func() {
		text, err := r.Recognize(ctx, img)
		resCh <- struct {
			text string
			err  error
		}{text: text, err: err}
	}()

	select {
	case res := <-resCh:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DebugSaver writes every recognized frame to Dir when OCR_DEBUG_SAVE_IMAGES is set.
type DebugSaver struct {
	Next   Recognizer
	Dir    string
	Logger logrus.FieldLogger

	mu sync.Mutex
	n  int
}

func (d *DebugSaver) Recognize(ctx context.Context, img *image.RGBA) (string, error) {
	d.save(img)
	return d.Next.Recognize(ctx, img)
}

func (d *DebugSaver) save(img *image.RGBA) {
	d.mu.Lock()
	d.n++
	n := d.n
	d.mu.Unlock()

	data, err := screenshot.EncodePNG(img)
	if err != nil {
		d.Logger.WithError(err).Warn("could not encode debug frame")
		return
	}
	name := filepath.Join(d.Dir, fmt.Sprintf("debug_frame_%04d_%dx%d.png", n, img.Bounds().Dx(), img.Bounds().Dy()))
	// More restrictive permissions
	if err := os.WriteFile(name, data, 0o600); err != nil {
		d.Logger.WithError(err).Warn("could not save debug frame")
		return
	}
	d.Logger.WithFields(logrus.Fields{"path": name, "bytes": len(data)}).Debug("saved debug frame")
}
