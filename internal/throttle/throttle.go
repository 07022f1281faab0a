// Package throttle limits how often a terminal surface may dial the same
// target. Two independent mechanisms protect against connection storms:
//   - a sliding window caps attempts per minute per target;
//   - after N failures in a row the target is blocked for BlockDuration.
package throttle

import (
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

type Config struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type targetState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// Limiter tracks connection attempts per target. Targets are keyed by
// Target(username, host).
type Limiter struct {
	mu     sync.Mutex
	config Config
	state  map[string]*targetState
	log    *logrus.Entry
	nowFn  func() time.Time
}

func New(config Config) *Limiter {
	return &Limiter{
		config: config,
		state:  make(map[string]*targetState),
		log:    logging.For("throttle"),
		nowFn:  time.Now,
	}
}

// Target is the key attempts are counted under.
func Target(username, host string) string {
	return username + "@" + host
}

// Allow records an attempt for target, or returns an error if the target is
// blocked or over its per-minute budget.
func (l *Limiter) Allow(target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	s := l.stateFor(target)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("connections to %s blocked after %d consecutive failures; retry after %s",
			logutil.SanitizeForLog(target), s.consecFailures, remaining)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= l.config.MaxAttemptsPerMinute {
		l.log.Warnf("rate limit: %s exceeded %d attempts/min", logutil.SanitizeForLog(target), l.config.MaxAttemptsPerMinute)
		return fmt.Errorf("rate limit exceeded for %s: %d connection attempts in the last minute (max %d)",
			logutil.SanitizeForLog(target), len(s.attempts), l.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess resets the failure streak of target and lifts any block.
func (l *Limiter) RecordSuccess(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(target)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak of target, blocking it once the
// streak reaches MaxConsecFailures.
func (l *Limiter) RecordFailure(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stateFor(target)
	s.consecFailures++
	if s.consecFailures >= l.config.MaxConsecFailures {
		s.blockedUntil = l.nowFn().Add(l.config.BlockDuration)
		l.log.Warnf("rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(target), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Observe feeds session outcomes back into the limiter. Register it with
// Router.Observe.
func (l *Limiter) Observe(ev session.Event) {
	target := Target(ev.Username, ev.Host)
	switch ev.Type {
	case session.EventConnected:
		l.RecordSuccess(target)
	case session.EventError:
		// Refusals issued by the throttle itself do not extend the streak.
		if ev.Err == nil || ev.Err.Reason() == session.ReasonThrottled {
			return
		}
		switch ev.Err.Code {
		case session.CodeConnectTimeout, session.CodeTransportError:
			l.RecordFailure(target)
		}
	}
}

// Status is the current state of one target.
type Status struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

func (l *Limiter) Status(target string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		MaxAttemptsPerMin: l.config.MaxAttemptsPerMinute,
		MaxConsecFailures: l.config.MaxConsecFailures,
	}
	s, ok := l.state[target]
	if !ok {
		return st
	}
	now := l.nowFn()
	cutoff := now.Add(-time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			st.RecentAttempts++
		}
	}
	st.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		bu := s.blockedUntil
		st.Blocked = true
		st.BlockedUntil = &bu
	}
	return st
}

// Reset forgets everything about target.
func (l *Limiter) Reset(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, target)
}

// stateFor must be called with l.mu held.
func (l *Limiter) stateFor(target string) *targetState {
	s, ok := l.state[target]
	if !ok {
		s = &targetState{}
		l.state[target] = s
	}
	return s
}
