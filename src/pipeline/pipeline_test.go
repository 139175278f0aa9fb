package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/decision"
	"quiz-autotap/src/inject"
	"quiz-autotap/src/layout"
	"quiz-autotap/src/ocr"
	"quiz-autotap/src/screenshot"
)

const quizText = "What is 2+2?\n3\n4\n5\n22"

// fakeSource hands out an unbuffered channel so each send is received before it returns.
type fakeSource struct {
	mu        sync.Mutex
	out       chan screenshot.Frame
	wantToken string
	starts    int
	seq       uint64
	origin    image.Point
}

func (s *fakeSource) Start(ctx context.Context, token string) (<-chan screenshot.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wantToken != "" && token != s.wantToken {
		return nil, apperrors.NewUnauthorized("bad token", nil)
	}
	s.out = make(chan screenshot.Frame)
	s.starts++
	return s.out, nil
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
}

func (s *fakeSource) send(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	out := s.out
	s.seq++
	f := screenshot.Frame{Seq: s.seq, Image: image.NewRGBA(image.Rect(0, 0, 100, 200)), Origin: s.origin, CapturedAt: time.Now()}
	s.mu.Unlock()
	require.NotNil(t, out, "source not started")
	select {
	case out <- f:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not consumed")
	}
}

// slowSource refuses Start while still bound and takes a while to release,
// like a screen capture loop finishing its last grab.
type slowSource struct {
	fakeSource
	bound atomic.Bool
}

func (s *slowSource) Start(ctx context.Context, token string) (<-chan screenshot.Frame, error) {
	if !s.bound.CompareAndSwap(false, true) {
		return nil, apperrors.NewInvalidState("source already started")
	}
	return s.fakeSource.Start(ctx, token)
}

func (s *slowSource) Stop() {
	if !s.bound.Load() {
		return
	}
	time.Sleep(50 * time.Millisecond)
	s.fakeSource.Stop()
	s.bound.Store(false)
}

func (s *slowSource) Replaced() uint64 { return 3 }

func fixedText(text string) ocr.Recognizer {
	return ocr.RecognizerFunc(func(context.Context, *image.RGBA) (string, error) { return text, nil })
}

func replyWith(reply string, calls *atomic.Int32) decision.Oracle {
	return decision.OracleFunc(func(context.Context, string) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return reply, nil
	})
}

type fixture struct {
	src *fakeSource
	rec *inject.Recorder
	c   *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{src: &fakeSource{}, rec: inject.NewRecorder(nil)}
	if opts.Source == nil {
		opts.Source = f.src
	}
	if opts.Injector == nil {
		opts.Injector = f.rec
	}
	if opts.Recognizer == nil {
		opts.Recognizer = fixedText(quizText)
	}
	if opts.Engine == nil {
		opts.Engine = decision.New(replyWith("2", nil), 4, time.Second, nil)
	}
	if opts.Layout == (layout.Layout{}) {
		opts.Layout = layout.Default()
	}
	f.c = New(opts)
	t.Cleanup(func() { _ = f.c.Stop() })
	return f
}

func nextOutcome(t *testing.T, c *Coordinator) Outcome {
	t.Helper()
	select {
	case o := <-c.Outcomes():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestOneShotTapsOnceAndReturnsToIdle(t *testing.T) {
	f := newFixture(t, Options{OneShot: true, RateLimit: 5 * time.Second})
	require.NoError(t, f.c.Start(context.Background(), ""))
	assert.Equal(t, StateCapturing, f.c.Status().State)

	f.src.send(t)
	o := nextOutcome(t, f.c)
	require.Equal(t, OutcomeTapped, o.Kind, o.Error)
	assert.Equal(t, 2, o.Option)
	assert.Equal(t, "What is 2+2?", o.Question.Text)
	assert.Equal(t, layout.Point{X: 50, Y: 140}, *o.Point)
	assert.Equal(t, []inject.Tap{{X: 50, Y: 140}}, f.rec.Taps())

	require.Eventually(t, func() bool { return f.c.Status().State == StateIdle }, time.Second, 5*time.Millisecond)
	st := f.c.Status()
	require.NotNil(t, st.Session)
	assert.EqualValues(t, 1, st.Session.Counters.Taps)
	assert.False(t, st.Session.CaptureActive)

	// Restart opens a fresh session.
	first := o.SessionID
	require.NoError(t, f.c.Start(context.Background(), ""))
	assert.NotEqual(t, first, f.c.Status().Session.ID)
	assert.Equal(t, 2, f.src.starts)
}

func TestFailuresAbortOnlyTheCurrentFrame(t *testing.T) {
	var texts sync.Mutex
	queue := []string{"no delimiter here", quizText, "Largest planet?\nMars\nJupiter"}
	recognizer := ocr.RecognizerFunc(func(context.Context, *image.RGBA) (string, error) {
		texts.Lock()
		defer texts.Unlock()
		if len(queue) == 0 {
			return "", errors.New("engine crashed")
		}
		text := queue[0]
		queue = queue[1:]
		return text, nil
	})
	var calls atomic.Int32
	oracle := decision.OracleFunc(func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("503 from upstream")
		}
		return "Jupiter, so 2", nil
	})
	f := newFixture(t, Options{Recognizer: recognizer, Engine: decision.New(oracle, 4, time.Second, nil)})
	require.NoError(t, f.c.Start(context.Background(), ""))

	want := []string{
		string(apperrors.KindParseMiss),
		string(apperrors.KindOracleFailure),
		OutcomeTapped,
		string(apperrors.KindRecognitionFailure),
	}
	for _, kind := range want {
		f.src.send(t)
		assert.Equal(t, kind, nextOutcome(t, f.c).Kind)
	}
	assert.Len(t, f.rec.Taps(), 1)
	assert.Equal(t, StateCapturing, f.c.Status().State)
}

func TestRateLimitAppliesAcrossFrames(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	var calls atomic.Int32
	oracle := decision.OracleFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "no idea", nil
	})
	f := newFixture(t, Options{RateLimit: 5 * time.Second, Now: clock, Engine: decision.New(oracle, 4, time.Second, nil)})
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.send(t)
	assert.Equal(t, string(apperrors.KindNoConfidentAnswer), nextOutcome(t, f.c).Kind)

	advance(4 * time.Second)
	f.src.send(t)
	assert.Equal(t, string(apperrors.KindRateLimited), nextOutcome(t, f.c).Kind)

	advance(time.Second)
	f.src.send(t)
	assert.Equal(t, string(apperrors.KindNoConfidentAnswer), nextOutcome(t, f.c).Kind)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDuplicateQuestionNotReAsked(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, Options{Engine: decision.New(replyWith("1", &calls), 4, time.Second, nil), DuplicateThreshold: 0.9})
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.send(t)
	assert.Equal(t, OutcomeTapped, nextOutcome(t, f.c).Kind)
	f.src.send(t)
	assert.Equal(t, string(apperrors.KindDuplicateQuestion), nextOutcome(t, f.c).Kind)
	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, f.rec.Taps(), 1)
}

func TestBusyWorkerDropsFrames(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	recognizer := ocr.RecognizerFunc(func(ctx context.Context, img *image.RGBA) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return "nothing to see", nil
	})
	f := newFixture(t, Options{Recognizer: recognizer})
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.send(t)
	<-started
	f.src.send(t) // queued
	f.src.send(t) // dropped
	require.Eventually(t, func() bool {
		return f.c.Status().Session.Counters.FramesDropped == 1
	}, time.Second, 5*time.Millisecond)
	close(release)

	assert.Equal(t, string(apperrors.KindParseMiss), nextOutcome(t, f.c).Kind)
	assert.Equal(t, string(apperrors.KindParseMiss), nextOutcome(t, f.c).Kind)
	assert.EqualValues(t, 3, f.c.Status().Session.Counters.FramesSeen)
}

func TestStopDuringOracleCallNeverTaps(t *testing.T) {
	inCall := make(chan struct{})
	release := make(chan struct{})
	// Ignores ctx so the reply arrives after Stop has returned.
	oracle := decision.OracleFunc(func(context.Context, string) (string, error) {
		close(inCall)
		<-release
		return "1", nil
	})
	f := newFixture(t, Options{Engine: decision.New(oracle, 4, 0, nil)})
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.send(t)
	<-inCall
	require.NoError(t, f.c.Stop())
	close(release)

	o := nextOutcome(t, f.c)
	assert.Equal(t, string(apperrors.KindSessionEnded), o.Kind)
	assert.Empty(t, f.rec.Taps())
	assert.Equal(t, StateIdle, f.c.Status().State)
}

func TestStopCancelsRecognition(t *testing.T) {
	inCall := make(chan struct{})
	recognizer := ocr.WithDeadline(ocr.RecognizerFunc(func(ctx context.Context, img *image.RGBA) (string, error) {
		close(inCall)
		<-ctx.Done()
		return "", ctx.Err()
	}), time.Minute)
	f := newFixture(t, Options{Recognizer: recognizer})
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.send(t)
	<-inCall
	require.NoError(t, f.c.Stop())

	o := nextOutcome(t, f.c)
	assert.Equal(t, string(apperrors.KindSessionEnded), o.Kind)
	assert.ErrorIs(t, o.Err, context.Canceled)
}

func TestSourceTerminationReturnsToIdle(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.Stop()
	require.Eventually(t, func() bool { return f.c.Status().State == StateIdle }, time.Second, 5*time.Millisecond)
	assert.True(t, apperrors.IsKind(f.c.Stop(), apperrors.KindInvalidState))
	require.NoError(t, f.c.Start(context.Background(), ""))
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.c.Start(context.Background(), ""))
	assert.True(t, apperrors.IsKind(f.c.Start(context.Background(), ""), apperrors.KindInvalidState))
	require.NoError(t, f.c.Stop())
	assert.True(t, apperrors.IsKind(f.c.Stop(), apperrors.KindInvalidState))

	f.src.wantToken = "secret"
	assert.True(t, apperrors.IsKind(f.c.Start(context.Background(), "wrong"), apperrors.KindUnauthorized))
	assert.Equal(t, StateIdle, f.c.Status().State)

	rec := inject.NewRecorder(nil)
	rec.Err = errors.New("accessibility service disabled")
	g := newFixture(t, Options{Injector: rec})
	err := g.c.Start(context.Background(), "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInjectorUnavailable))
	assert.Zero(t, g.src.starts)
}

func TestReplayProcessesEveryFrame(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"01.png", "02.png", "03.png"} {
		file, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(file, image.NewRGBA(image.Rect(0, 0, 100, 200))))
		require.NoError(t, file.Close())
	}
	src, err := screenshot.NewReplaySource(dir, 0, nil)
	require.NoError(t, err)

	var n atomic.Int32
	recognizer := ocr.RecognizerFunc(func(context.Context, *image.RGBA) (string, error) {
		switch n.Add(1) {
		case 1:
			return "Capital of France?\nParis\nRome", nil
		case 2:
			return "Largest ocean?\nAtlantic\nPacific", nil
		default:
			return "Fastest land animal?\nCheetah\nLion", nil
		}
	})
	f := newFixture(t, Options{Source: src, Recognizer: recognizer, WaitForWorker: true})
	require.NoError(t, f.c.Start(context.Background(), ""))
	f.c.Wait()

	assert.Len(t, f.rec.Taps(), 3)
	st := f.c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.EqualValues(t, 3, st.Session.Counters.FramesProcessed)
	assert.Zero(t, st.Session.Counters.FramesDropped)
}

func TestIdleStatusMeansSourceReleased(t *testing.T) {
	src := &slowSource{}
	f := newFixture(t, Options{Source: src})
	require.NoError(t, f.c.Start(context.Background(), ""))
	assert.EqualValues(t, 3, f.c.Status().FramesReplaced)

	go func() { _ = f.c.Stop() }()
	require.Eventually(t, func() bool { return f.c.Status().State == StateIdle }, 2*time.Second, time.Millisecond)
	require.NoError(t, f.c.Start(context.Background(), ""))
}

func TestOneShotRestartAfterAutoIdle(t *testing.T) {
	src := &slowSource{}
	f := newFixture(t, Options{Source: src, OneShot: true})
	require.NoError(t, f.c.Start(context.Background(), ""))

	src.send(t)
	require.Equal(t, OutcomeTapped, nextOutcome(t, f.c).Kind)
	require.Eventually(t, func() bool { return f.c.Status().State == StateIdle }, 2*time.Second, time.Millisecond)
	require.NoError(t, f.c.Start(context.Background(), ""))
}

func TestTapIsOffsetByFrameOrigin(t *testing.T) {
	f := newFixture(t, Options{OneShot: true})
	f.src.origin = image.Pt(1920, 0)
	require.NoError(t, f.c.Start(context.Background(), ""))

	f.src.send(t)
	o := nextOutcome(t, f.c)
	require.Equal(t, OutcomeTapped, o.Kind, o.Error)
	assert.Equal(t, layout.Point{X: 1970, Y: 140}, *o.Point)
	assert.Equal(t, []inject.Tap{{X: 1970, Y: 140}}, f.rec.Taps())
}
