package screenshot

import (
	"context"
	"crypto/subtle"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/sirupsen/logrus"

	"quiz-autotap/src/apperrors"
)

const maxConsecutiveCaptureErrors = 5

// ScreenSource captures a display (or a region of it) on a fixed cadence.
type ScreenSource struct {
	Display  int
	Region   *Region
	Interval time.Duration
	// Token is the expected capture authorization. Empty accepts any token.
	Token  string
	Logger logrus.FieldLogger

	capture func() (*image.RGBA, image.Point, error)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	replaced atomic.Uint64
}

func NewScreenSource(display int, interval time.Duration, token string, logger logrus.FieldLogger) *ScreenSource {
	return &ScreenSource{Display: display, Interval: interval, Token: token, Logger: logger}
}

func (s *ScreenSource) Start(ctx context.Context, token string) (<-chan Frame, error) {
	if s.Token != "" && subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return nil, apperrors.NewUnauthorized("capture authorization rejected", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, apperrors.NewInvalidState("screen source already started")
	}

	capture := s.capture
	if capture == nil {
		capture = s.captureScreen
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}

	s.replaced.Store(0)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	out := make(chan Frame, 1)

	go s.loop(runCtx, capture, interval, out, s.done)
	return out, nil
}

// Stop ends capture and waits for the loop to close its channel.
func (s *ScreenSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Replaced reports how many undelivered frames of the current run were
// overwritten by newer ones.
func (s *ScreenSource) Replaced() uint64 { return s.replaced.Load() }

func (s *ScreenSource) loop(ctx context.Context, capture func() (*image.RGBA, image.Point, error), interval time.Duration, out chan Frame, done chan struct{}) {
	defer close(done)
	defer close(out)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	failures := 0
	for {
		img, origin, err := capture()
		if err != nil {
			failures++
			s.logger().WithError(err).WithField("consecutive", failures).Warn("screen capture failed")
			if failures >= maxConsecutiveCaptureErrors {
				s.logger().Error("screen capture unavailable, terminating frame stream")
				return
			}
		} else {
			failures = 0
			seq++
			if publishLatest(out, Frame{Seq: seq, Image: img, Origin: origin, CapturedAt: time.Now()}) {
				s.replaced.Add(1)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// captureScreen grabs the region when one is set, otherwise the whole display,
// and reports where the image sits on the desktop.
func (s *ScreenSource) captureScreen() (*image.RGBA, image.Point, error) {
	if s.Region != nil {
		img, err := CaptureRegion(*s.Region)
		return img, image.Pt(s.Region.X, s.Region.Y), err
	}
	bounds, err := GetDisplayBounds(s.Display)
	if err != nil {
		return nil, image.Point{}, err
	}
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, image.Point{}, fmt.Errorf("failed to capture display %d: %w", s.Display, err)
	}
	return img, bounds.Min, nil
}

func (s *ScreenSource) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
