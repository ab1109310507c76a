package recorder

import "time"

// session is the open recording. Only the controller loop touches it.
type session struct {
	id       string
	target   string
	location string
	metering bool

	startEpoch       time.Time
	accumulatedPause time.Duration
	// pendingPauseEpoch is zero unless the session is paused or interrupted
	pendingPauseEpoch time.Time
	wasInterrupted    bool
	closedAt          time.Time
}

func (s *session) enterPause(now time.Time, interrupted bool) {
	s.pendingPauseEpoch = now
	s.wasInterrupted = interrupted
}

func (s *session) exitPause(now time.Time) {
	if s.pendingPauseEpoch.IsZero() {
		return
	}
	if d := now.Sub(s.pendingPauseEpoch); d > 0 {
		s.accumulatedPause += d
	}
	s.pendingPauseEpoch = time.Time{}
	s.wasInterrupted = false
}

func (s *session) close(now time.Time) {
	s.exitPause(now)
	s.closedAt = now
}

// elapsed is the active recording time at now
func (s *session) elapsed(now time.Time) time.Duration {
	if !s.closedAt.IsZero() {
		now = s.closedAt
	}
	e := now.Sub(s.startEpoch) - s.accumulatedPause
	if !s.pendingPauseEpoch.IsZero() {
		e -= now.Sub(s.pendingPauseEpoch)
	}
	if e < 0 {
		return 0
	}
	return e
}
