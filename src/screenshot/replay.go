package screenshot

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quiz-autotap/src/apperrors"
)

// ReplaySource replays stored PNG screenshots in name order and then terminates.
// Delivery blocks until the consumer takes each frame, so nothing is skipped.
type ReplaySource struct {
	Paths    []string
	Interval time.Duration
	Logger   logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplaySource lists *.png files in dir.
func NewReplaySource(dir string, interval time.Duration, logger logrus.FieldLogger) (*ReplaySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no PNG frames in %s", dir)
	}
	sort.Strings(paths)
	return &ReplaySource{Paths: paths, Interval: interval, Logger: logger}, nil
}

func (r *ReplaySource) Start(ctx context.Context, _ string) (<-chan Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil, apperrors.NewInvalidState("replay source already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	out := make(chan Frame)
	go r.loop(runCtx, out, r.done)
	return out, nil
}

func (r *ReplaySource) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *ReplaySource) loop(ctx context.Context, out chan Frame, done chan struct{}) {
	defer close(done)
	defer close(out)

	var seq uint64
	for _, path := range r.Paths {
		img, err := loadPNG(path)
		if err != nil {
			r.logger().WithError(err).WithField("path", path).Warn("skipping unreadable frame")
			continue
		}
		seq++
		select {
		case out <- Frame{Seq: seq, Image: img, CapturedAt: time.Now()}:
		case <-ctx.Done():
			return
		}
		if r.Interval > 0 {
			select {
			case <-time.After(r.Interval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *ReplaySource) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

func loadPNG(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return ToRGBA(img), nil
}
