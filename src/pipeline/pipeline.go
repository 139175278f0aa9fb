// Package pipeline drives capture sessions: every frame is recognized, parsed,
// checked against questions already answered, decided on and tapped, strictly
// in that order and one frame at a time.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/decision"
	"quiz-autotap/src/inject"
	"quiz-autotap/src/layout"
	"quiz-autotap/src/logutil"
	"quiz-autotap/src/ocr"
	"quiz-autotap/src/question"
	"quiz-autotap/src/screenshot"
	"quiz-autotap/src/session"
	"quiz-autotap/src/worker"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
)

// OutcomeTapped is the Kind of a frame that ended in a dispatched tap. Every
// other Kind is an apperrors.Kind.
const OutcomeTapped = "tapped"

// Outcome is the result of processing one frame.
type Outcome struct {
	SessionID string             `json:"session_id"`
	FrameSeq  uint64             `json:"frame"`
	Kind      string             `json:"kind"`
	Question  *question.Question `json:"question,omitempty"`
	Option    int                `json:"option,omitempty"`
	Point     *layout.Point      `json:"point,omitempty"`
	Err       error              `json:"-"`
	Error     string             `json:"error,omitempty"`
	Duration  time.Duration      `json:"duration_ns"`
}

// Options wires the coordinator's collaborators and session policy.
type Options struct {
	Source     screenshot.Source
	Recognizer ocr.Recognizer
	Engine     *decision.Engine
	Layout     layout.Layout
	Injector   inject.Injector

	// OneShot stops answering after the first tap of a session.
	OneShot            bool
	RateLimit          time.Duration
	DuplicateThreshold float64
	// WaitForWorker makes frame delivery block while a frame is in flight
	// instead of dropping it. Used for replays where every frame matters.
	WaitForWorker bool

	Logger logrus.FieldLogger
	// Now is the clock used for rate limiting (default time.Now).
	Now func() time.Time
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State       State             `json:"state"`
	Mode        string            `json:"mode"`
	Session     *session.Snapshot `json:"session,omitempty"`
	LastOutcome *Outcome          `json:"last_outcome,omitempty"`
	// FramesReplaced counts frames the source overwrote before the session
	// took them. Zero for sources that deliver every frame.
	FramesReplaced uint64 `json:"frames_replaced"`
}

// replacementCounter is implemented by sources that keep only the latest frame.
type replacementCounter interface {
	Replaced() uint64
}

// Coordinator owns at most one capture session at a time and runs every frame
// of it through recognition, parsing, decision and injection.
type Coordinator struct {
	opts     Options
	logger   logrus.FieldLogger
	outcomes chan Outcome

	mu          sync.Mutex
	state       State
	session     *session.State
	cancel      context.CancelFunc
	loopDone    chan struct{}
	lastSession *session.State
	last        *Outcome
}

const outcomeBuffer = 64

// New builds an idle coordinator. Source, Recognizer, Engine and Injector are
// required.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logutil.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts:     opts,
		logger:   logger,
		outcomes: make(chan Outcome, outcomeBuffer),
		state:    StateIdle,
	}
}

// Outcomes delivers per-frame results. Results are dropped when the reader
// falls behind. The channel is never closed.
func (c *Coordinator) Outcomes() <-chan Outcome { return c.outcomes }

func (c *Coordinator) Mode() string {
	if c.opts.OneShot {
		return "oneshot"
	}
	return "continuous"
}

// Start opens a session with the given capture authorization token.
func (c *Coordinator) Start(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return apperrors.NewInvalidState("capture already running")
	}
	if c.opts.Injector == nil {
		return apperrors.NewInjectorUnavailable("no input injector configured", nil)
	}
	if a, ok := c.opts.Injector.(inject.Availability); ok {
		if err := a.Available(); err != nil {
			return apperrors.NewInjectorUnavailable("input injection is not available; grant input permissions or use --dry-run", err)
		}
	}

	// The session outlives the request that started it.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frames, err := c.opts.Source.Start(sessCtx, token)
	if err != nil {
		cancel()
		return err
	}

	sess := session.New(session.Options{
		Injector:           c.opts.Injector,
		RateLimit:          c.opts.RateLimit,
		OneShot:            c.opts.OneShot,
		DuplicateThreshold: c.opts.DuplicateThreshold,
	})
	done := make(chan struct{})

	c.state = StateCapturing
	c.session = sess
	c.lastSession = sess
	c.cancel = cancel
	c.loopDone = done

	c.logger.WithFields(logrus.Fields{"session": sess.ID, "mode": c.Mode()}).Info("capture started")
	go c.loop(sessCtx, sess, frames, done)
	return nil
}

// Stop ends the running session. When it returns no further tap will be
// dispatched for that session. A frame still in flight finishes in the
// background and is reported as session_ended.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCapturing {
		return apperrors.NewInvalidState("capture is not running")
	}
	sess := c.session
	c.releaseLocked()
	c.logger.WithField("session", sess.ID).Info("capture stopped")
	return nil
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Mode: c.Mode()}
	if c.lastSession != nil {
		snap := c.lastSession.Snapshot()
		st.Session = &snap
	}
	if c.last != nil {
		o := *c.last
		st.LastOutcome = &o
	}
	if rc, ok := c.opts.Source.(replacementCounter); ok {
		st.FramesReplaced = rc.Replaced()
	}
	return st
}

// Wait blocks until the most recent session has ended and its last frame has
// been processed.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// releaseLocked ends the session and releases the source before reporting
// Idle, so a Start that observes Idle can bind the source again.
func (c *Coordinator) releaseLocked() {
	// End waits for a tap in progress, then refuses all later ones.
	c.session.End()
	c.cancel()
	c.opts.Source.Stop()

	c.state = StateIdle
	c.session = nil
	c.cancel = nil
}

func (c *Coordinator) loop(ctx context.Context, sess *session.State, frames <-chan screenshot.Frame, done chan struct{}) {
	defer close(done)

	pool := worker.New(1)
	defer pool.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				// Let frames already handed over finish before the session ends.
				pool.Close()
				c.endSession(sess, "frame source closed")
				return
			}
			sess.FrameSeen()
			if !sess.CaptureActive() {
				continue
			}
			job := func(jobCtx context.Context) { c.process(jobCtx, sess, f) }
			if c.opts.WaitForWorker {
				if !pool.SubmitWait(ctx, job) {
					return
				}
				continue
			}
			if !pool.Submit(ctx, job) {
				sess.FrameDropped()
				c.logger.WithFields(logrus.Fields{"session": sess.ID, "frame": f.Seq}).Debug("frame dropped, worker busy")
			}
		}
	}
}

// endSession returns to Idle when a session finishes without Stop: the frame
// source terminated or a one-shot session has answered.
func (c *Coordinator) endSession(sess *session.State, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return
	}
	c.releaseLocked()
	c.logger.WithFields(logrus.Fields{"session": sess.ID, "reason": reason}).Info("capture ended")
}

func (c *Coordinator) process(ctx context.Context, sess *session.State, f screenshot.Frame) {
	start := time.Now()
	out := Outcome{SessionID: sess.ID, FrameSeq: f.Seq}
	defer func() {
		out.Duration = time.Since(start)
		sess.FrameProcessed()
		c.record(out)
	}()

	if err := c.solve(ctx, sess, f, &out); err != nil {
		if sess.Ended() && !apperrors.IsKind(err, apperrors.KindSessionEnded) {
			err = apperrors.New(apperrors.KindSessionEnded, "session ended during frame", err)
		}
		out.Err = err
		out.Error = err.Error()
		out.Kind = string(apperrors.KindOf(err))
		return
	}
	out.Kind = OutcomeTapped
	if c.opts.OneShot {
		c.endSession(sess, "one-shot answer dispatched")
	}
}

func (c *Coordinator) solve(ctx context.Context, sess *session.State, f screenshot.Frame, out *Outcome) error {
	if !sess.CaptureActive() {
		return apperrors.NewSessionEnded("capture inactive")
	}

	text, err := c.opts.Recognizer.Recognize(ctx, f.Image)
	if err != nil {
		return apperrors.NewRecognitionFailure("text recognition failed", err)
	}

	q, ok := question.Parse(text)
	if !ok {
		return apperrors.NewParseMiss("no question in recognized text: " + logutil.SanitizeForLogging(text))
	}
	out.Question = &q

	if sess.AlreadyAnswered(q) {
		return apperrors.NewDuplicateQuestion("question already answered")
	}

	d, err := c.opts.Engine.Decide(ctx, q, sess, c.opts.Now())
	if err != nil {
		return err
	}
	out.Option = d.Option

	// Rows are laid out over the frame; the injector works in desktop coordinates.
	pt := c.opts.Layout.Map(d.Option, float64(f.Width()), float64(f.Height()))
	pt.X += float64(f.Origin.X)
	pt.Y += float64(f.Origin.Y)
	out.Point = &pt

	return sess.Dispatch(pt.X, pt.Y, q)
}

func (c *Coordinator) record(out Outcome) {
	c.mu.Lock()
	c.last = &out
	c.mu.Unlock()

	entry := c.logger.WithFields(logrus.Fields{
		"session":  out.SessionID,
		"frame":    out.FrameSeq,
		"kind":     out.Kind,
		"duration": out.Duration.Round(time.Millisecond),
	})
	if out.Question != nil {
		entry = entry.WithField("question", logutil.SanitizeForLogging(out.Question.Text))
	}
	switch {
	case out.Err == nil:
		entry.WithFields(logrus.Fields{"option": out.Option, "x": out.Point.X, "y": out.Point.Y}).Info("answered")
	case apperrors.Expected(apperrors.KindOf(out.Err)):
		entry.WithError(out.Err).Debug("frame skipped")
	default:
		entry.WithError(out.Err).Warn("frame failed")
	}

	select {
	case c.outcomes <- out:
	default:
	}
}
