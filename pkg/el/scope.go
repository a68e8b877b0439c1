// Package el provides evaluation scopes and the static function registry
// used by stages that evaluate expressions or scripts.
package el

import "time"

// TimeNowVar is the context variable holding the instant pinned for a batch.
const TimeNowVar = "time_now"

// Scope is a name to value mapping passed explicitly to each evaluation.
// A Scope belongs to one batch and is not safe for concurrent use.
type Scope struct {
	vars map[string]any
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]any)}
}

// NewBatchScope creates a scope with time_now pinned to now.
func NewBatchScope(now time.Time) *Scope {
	s := NewScope()
	SetTimeNow(s, now)
	return s
}

// AddContextVariable binds name to value, replacing any previous binding.
func (s *Scope) AddContextVariable(name string, value any) {
	s.vars[name] = value
}

// GetContextVariable returns the value bound to name.
func (s *Scope) GetContextVariable(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// SetTimeNow pins the instant returned by time:now for this scope.
func SetTimeNow(s *Scope, now time.Time) {
	s.AddContextVariable(TimeNowVar, now)
}

// Now returns the pinned time_now, or the current wall-clock time when the
// scope is nil or has none.
func Now(s *Scope) time.Time {
	if s != nil {
		if v, ok := s.vars[TimeNowVar].(time.Time); ok {
			return v
		}
	}
	return time.Now()
}
