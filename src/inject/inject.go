// Package inject dispatches taps to the desktop, or records them for dry runs.
package inject

import (
	"fmt"
	"sync"

	"github.com/go-vgo/robotgo"
	"github.com/sirupsen/logrus"
)

// Injector dispatches a single tap at desktop coordinates. Fire-and-forget.
type Injector interface {
	Tap(x, y float64)
}

// Availability is implemented by injectors that can tell up front whether taps
// will reach the device.
type Availability interface {
	Available() error
}

// Robot synthesizes a left click on the local desktop via robotgo.
type Robot struct {
	Logger logrus.FieldLogger
}

func NewRobot(logger logrus.FieldLogger) *Robot {
	return &Robot{Logger: logger}
}

func (r *Robot) Tap(x, y float64) {
	px, py := int(x+0.5), int(y+0.5)
	robotgo.Move(px, py)
	robotgo.Click("left", false)
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{"x": px, "y": py}).Debug("tap dispatched")
	}
}

// Available fails when there is no display to inject into.
func (r *Robot) Available() (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("input backend panicked: %v", rec)
		}
	}()
	w, h := robotgo.GetScreenSize()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("no screen available for input injection (size %dx%d)", w, h)
	}
	return nil
}

// Tap is one recorded dispatch.
type Tap struct {
	X, Y float64
}

// Recorder is a dry-run injector: it records taps and logs them instead of
// touching the device.
type Recorder struct {
	Logger logrus.FieldLogger

	mu   sync.Mutex
	taps []Tap
	// Err, when set, is reported by Available.
	Err error
}

func NewRecorder(logger logrus.FieldLogger) *Recorder {
	return &Recorder{Logger: logger}
}

func (r *Recorder) Tap(x, y float64) {
	r.mu.Lock()
	r.taps = append(r.taps, Tap{X: x, Y: y})
	r.mu.Unlock()
	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{"x": x, "y": y}).Info("dry run: tap recorded")
	}
}

func (r *Recorder) Available() error { return r.Err }

// Taps returns a copy of everything recorded so far.
func (r *Recorder) Taps() []Tap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tap, len(r.taps))
	copy(out, r.taps)
	return out
}
