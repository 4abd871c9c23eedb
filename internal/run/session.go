package run

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mhartvig/runlink/run-tracker-app/internal/ftms"
)

// SessionState is the lifecycle state of a run session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionActive
	SessionFinished
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "Idle"
	case SessionActive:
		return "Active"
	case SessionFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

var (
	ErrSessionActive   = errors.New("a session is already active")
	ErrNoActiveSession = errors.New("no active session")
	ErrNotFinished     = errors.New("session is not finished")
)

// HeartRateMergeTolerance is how recent a heart-rate reading must be,
// relative to the latest sample, to count as the session's current
// heart rate. The strap notifies on its own cadence.
const HeartRateMergeTolerance = 5 * time.Second

// Session is the authoritative run lifecycle: idle, active, finished.
// It owns the append-only sample log and the monotonic cumulative
// counters. Callers serialize all mutation through one goroutine or
// mutex (the Tracker does); Session itself holds no lock.
type Session struct {
	logger *log.Logger

	state      SessionState
	id         uuid.UUID
	target     Target
	startedAt  time.Time
	finishedAt time.Time

	samples []ftms.Sample

	// Cumulative distance is relative to the first distance reading;
	// treadmills report a device-lifetime odometer. The counter never
	// decreases: a raw reading below the running maximum is a glitch,
	// kept in the log but ignored for the counters.
	baselineSet     bool
	baselineMeters  float64
	relMaxMeters    float64
	latestSampleAt  time.Time
	lastHeartRate   int
	lastHeartRateAt time.Time
}

// NewSession creates a session in the idle state.
func NewSession(logger *log.Logger) *Session {
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	return &Session{logger: logger, state: SessionIdle}
}

func (s *Session) State() SessionState { return s.state }
func (s *Session) ID() uuid.UUID       { return s.id }
func (s *Session) Target() Target      { return s.target }
func (s *Session) StartedAt() time.Time { return s.startedAt }
func (s *Session) SampleCount() int    { return len(s.samples) }

// Start transitions idle (or finished) to active with a fresh sample
// log. Starting over an active session is an error, not a silent
// reset.
func (s *Session) Start(target Target, at time.Time) error {
	if s.state == SessionActive {
		return ErrSessionActive
	}
	s.state = SessionActive
	s.id = uuid.New()
	s.target = target
	s.startedAt = at
	s.finishedAt = time.Time{}
	s.samples = nil
	s.baselineSet = false
	s.baselineMeters = 0
	s.relMaxMeters = 0
	s.latestSampleAt = at
	s.lastHeartRate = 0
	s.lastHeartRateAt = time.Time{}

	s.logger.Printf("Session %s started (%s)", s.id, target.Kind)
	return nil
}

// Ingest appends one decoded sample. Only an active session accepts
// samples; a finished session never grows.
func (s *Session) Ingest(sample ftms.Sample) error {
	if s.state != SessionActive {
		return ErrNoActiveSession
	}

	s.samples = append(s.samples, sample)
	if sample.Time.After(s.latestSampleAt) {
		s.latestSampleAt = sample.Time
	}

	if sample.HasDistance {
		if !s.baselineSet {
			s.baselineSet = true
			s.baselineMeters = sample.DistanceMeters
		}
		rel := sample.DistanceMeters - s.baselineMeters
		if rel < s.relMaxMeters {
			s.logger.Printf("Session %s: distance glitch %.0fm below max %.0fm, ignored for counters",
				s.id, rel, s.relMaxMeters)
		} else {
			s.relMaxMeters = rel
		}
	}

	if sample.HasHeartRate {
		s.lastHeartRate = sample.HeartRateBPM
		s.lastHeartRateAt = sample.Time
	}

	return nil
}

// DistanceMeters returns the monotonic cumulative distance.
func (s *Session) DistanceMeters() float64 {
	return s.relMaxMeters
}

// ElapsedSeconds returns the monotonic elapsed time since start, based
// on the latest sample timestamp.
func (s *Session) ElapsedSeconds() int {
	if s.state == SessionIdle {
		return 0
	}
	elapsed := s.latestSampleAt.Sub(s.startedAt)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Seconds())
}

// HeartRate returns the current heart rate, valid only when a reading
// arrived within the merge tolerance of the latest sample.
func (s *Session) HeartRate() (int, bool) {
	if s.lastHeartRateAt.IsZero() {
		return 0, false
	}
	if s.latestSampleAt.Sub(s.lastHeartRateAt) > HeartRateMergeTolerance {
		return 0, false
	}
	return s.lastHeartRate, true
}

// Finish transitions active to finished. A zero-sample session still
// finalizes; runners may stop right after starting.
func (s *Session) Finish(at time.Time) error {
	if s.state != SessionActive {
		return ErrNoActiveSession
	}
	s.state = SessionFinished
	s.finishedAt = at
	s.logger.Printf("Session %s finished: %.2f km in %d s over %d samples",
		s.id, s.relMaxMeters/1000, s.ElapsedSeconds(), len(s.samples))
	return nil
}

// FinishedAt returns when the session was finalized; zero unless
// finished.
func (s *Session) FinishedAt() time.Time { return s.finishedAt }

// Dismiss discards a finished session and returns to idle. The
// RunResult was already handed off; nothing survives in memory.
func (s *Session) Dismiss() error {
	if s.state != SessionFinished {
		return ErrNotFinished
	}
	s.state = SessionIdle
	s.samples = nil
	s.logger.Printf("Session %s dismissed", s.id)
	return nil
}
