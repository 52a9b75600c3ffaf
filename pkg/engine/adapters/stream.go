package adapters

import (
	"sync"
	"time"

	"github.com/codemachine-ai/codemachine/pkg/engine"
)

// StreamState accumulates what a LineParser learns during one run and
// forwards it to the caller's callbacks. Counters are cumulative across
// frames, so emitted telemetry is non-decreasing.
type StreamState struct {
	mu          sync.Mutex
	sessionID   string
	sessionSent bool
	frame       engine.TelemetryFrame
	rateLimited bool
	resetsAt    *time.Time
	retryAfter  int

	onTelemetry func(engine.TelemetryFrame)
	onSessionID func(string)
}

func newStreamState(opts engine.RunOptions) *StreamState {
	return &StreamState{
		onTelemetry: opts.OnTelemetry,
		onSessionID: opts.OnSessionID,
	}
}

// Session records the provider session id. Only the first non-empty id is
// kept and forwarded.
func (s *StreamState) Session(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if s.sessionSent {
		s.mu.Unlock()
		return
	}
	s.sessionID = id
	s.sessionSent = true
	cb := s.onSessionID
	s.mu.Unlock()

	if cb != nil {
		cb(id)
	}
}

// AddUsage folds one usage frame into the cumulative counters and emits
// the running total.
func (s *StreamState) AddUsage(delta engine.TelemetryFrame) {
	s.mu.Lock()
	s.frame.TokensIn += delta.TokensIn
	s.frame.TokensOut += delta.TokensOut
	addOptional(&s.frame.CachedTokens, delta.CachedTokens)
	addOptional(&s.frame.CacheCreationTokens, delta.CacheCreationTokens)
	addOptional(&s.frame.CacheReadTokens, delta.CacheReadTokens)
	if delta.Cost != nil {
		s.frame.Cost = delta.Cost
	}
	frame := s.frame
	cb := s.onTelemetry
	s.mu.Unlock()

	if cb != nil {
		cb(frame)
	}
}

// SetUsage replaces the cumulative counters with provider-reported totals
// and emits them. Used by providers whose frames already carry run totals.
func (s *StreamState) SetUsage(total engine.TelemetryFrame) {
	s.mu.Lock()
	if total.TokensIn < s.frame.TokensIn {
		total.TokensIn = s.frame.TokensIn
	}
	if total.TokensOut < s.frame.TokensOut {
		total.TokensOut = s.frame.TokensOut
	}
	s.frame = total
	cb := s.onTelemetry
	s.mu.Unlock()

	if cb != nil {
		cb(total)
	}
}

// RateLimited marks the run as provider rate-limited.
func (s *StreamState) RateLimited(resetsAt *time.Time, retryAfterSeconds int) {
	s.mu.Lock()
	s.rateLimited = true
	if resetsAt != nil {
		s.resetsAt = resetsAt
	}
	if retryAfterSeconds > 0 {
		s.retryAfter = retryAfterSeconds
	}
	s.mu.Unlock()
}

// SessionID returns the recorded session id, if any.
func (s *StreamState) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// RateLimit returns the recorded rate-limit signal.
func (s *StreamState) RateLimit() (bool, *time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimited, s.resetsAt, s.retryAfter
}

func addOptional(dst **int, delta *int) {
	if delta == nil {
		return
	}
	if *dst == nil {
		v := 0
		*dst = &v
	}
	**dst += *delta
}
