// Package session holds the mutable state of one capture session. Every field
// is guarded by a single mutex and changed only through State's methods.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/inject"
	"quiz-autotap/src/question"
)

// Options fixes the policy of a session when it is created.
type Options struct {
	Injector  inject.Injector
	RateLimit time.Duration
	// OneShot deactivates capture after the first dispatched tap.
	OneShot bool
	// DuplicateThreshold is the similarity at or above which a question counts as already answered.
	DuplicateThreshold float64
}

// Counters are cumulative per session.
type Counters struct {
	FramesSeen      uint64 `json:"frames_seen"`
	FramesDropped   uint64 `json:"frames_dropped"`
	FramesProcessed uint64 `json:"frames_processed"`
	OracleCalls     uint64 `json:"oracle_calls"`
	Taps            uint64 `json:"taps"`
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	CaptureActive  bool      `json:"capture_active"`
	Ended          bool      `json:"ended"`
	LastOracleCall time.Time `json:"last_oracle_call,omitempty"`
	Counters       Counters  `json:"counters"`
}

// State is one capture session. It is safe for concurrent use.
type State struct {
	ID        string
	StartedAt time.Time

	rateLimit time.Duration
	oneShot   bool
	threshold float64

	mu             sync.Mutex
	injector       inject.Injector
	captureActive  bool
	ended          bool
	lastOracleCall time.Time
	answered       []string
	counters       Counters
}

// New starts a session with capture active.
func New(opts Options) *State {
	threshold := opts.DuplicateThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &State{
		ID:            uuid.NewString(),
		StartedAt:     time.Now(),
		rateLimit:     opts.RateLimit,
		oneShot:       opts.OneShot,
		threshold:     threshold,
		injector:      opts.Injector,
		captureActive: true,
	}
}

// ReserveOracleCall allows a call when none happened within the rate limit and
// records now as the last call time before the call is made.
func (s *State) ReserveOracleCall(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	if !s.lastOracleCall.IsZero() && now.Sub(s.lastOracleCall) < s.rateLimit {
		return false
	}
	s.lastOracleCall = now
	s.counters.OracleCalls++
	return true
}

// Dispatch taps (x, y) unless the session has ended or capture is no longer
// active. The injector runs under the session lock, so End cannot return while
// a tap for this session is still being issued.
func (s *State) Dispatch(x, y float64, q question.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return apperrors.NewSessionEnded("session ended before tap")
	}
	if !s.captureActive {
		return apperrors.NewSessionEnded("capture inactive, tap discarded")
	}
	if s.injector == nil {
		return apperrors.NewInjectorUnavailable("no injector bound to session", nil)
	}
	s.injector.Tap(x, y)
	s.counters.Taps++
	s.answered = append(s.answered, q.Key())
	if s.oneShot {
		s.captureActive = false
	}
	return nil
}

// AlreadyAnswered reports whether a question similar to q was tapped earlier in this session.
func (s *State) AlreadyAnswered(q question.Question) bool {
	key := q.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range s.answered {
		if question.Similarity(prev, key) >= s.threshold {
			return true
		}
	}
	return false
}

func (s *State) CaptureActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureActive && !s.ended
}

// End marks the session ended and releases the injector. Idempotent.
func (s *State) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.captureActive = false
	s.injector = nil
}

func (s *State) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *State) FrameSeen() {
	s.mu.Lock()
	s.counters.FramesSeen++
	s.mu.Unlock()
}

func (s *State) FrameDropped() {
	s.mu.Lock()
	s.counters.FramesDropped++
	s.mu.Unlock()
}

func (s *State) FrameProcessed() {
	s.mu.Lock()
	s.counters.FramesProcessed++
	s.mu.Unlock()
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		StartedAt:      s.StartedAt,
		CaptureActive:  s.captureActive && !s.ended,
		Ended:          s.ended,
		LastOracleCall: s.lastOracleCall,
		Counters:       s.counters,
	}
}
