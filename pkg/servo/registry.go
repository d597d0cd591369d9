package servo

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/wire"
)

var (
	// ErrUnknownServo is returned for a servo name or board/pin pair that is
	// not defined.
	ErrUnknownServo = errors.New("servo: unknown servo")
	// ErrUnknownType is returned when a servo references an undefined type.
	ErrUnknownType = errors.New("servo: unknown servo type")
)

// Registry owns the definitions and live state of all servos. It is safe for
// concurrent use; every method is a single critical section.
type Registry struct {
	mu       sync.RWMutex
	static   map[string]Static
	derived  map[string]Derived
	current  map[string]Current
	feedback map[string]FeedbackConfig
	byID     map[int]string
	names    []string
	logger   *zap.SugaredLogger
}

// NewRegistry validates the definitions and builds the registry. Servos with
// inconsistent bounds are disabled rather than rejected, and servo position
// bounds are clamped into their type's bounds. The corrections are written
// back into defs.Servos. positions holds the last known raw positions; servos
// without one start at their rest position.
func NewRegistry(defs *Definitions, positions map[string]int, logger *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{
		static:   make(map[string]Static, len(defs.Servos)),
		derived:  make(map[string]Derived, len(defs.Servos)),
		current:  make(map[string]Current, len(defs.Servos)),
		feedback: make(map[string]FeedbackConfig, len(defs.Feedback)),
		byID:     make(map[int]string, len(defs.Servos)),
		logger:   logger,
	}

	for name, s := range defs.Servos {
		t, ok := defs.Types[s.Type]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownType, "%s uses %q", name, s.Type)
		}
		if t.MaxPos < t.MinPos {
			logger.Warnw("servo type has maxPos < minPos, servo disabled", "servo", name, "type", s.Type)
			s.Enabled = false
		}
		if s.MaxDeg < s.MinDeg {
			logger.Warnw("servo has maxDeg < minDeg, servo disabled", "servo", name)
			s.Enabled = false
		}
		if s.MinPos < t.MinPos {
			logger.Infow("servo minPos below type minPos, adjusted", "servo", name, "minPos", s.MinPos, "typeMinPos", t.MinPos)
			s.MinPos = t.MinPos
		}
		if s.MaxPos > t.MaxPos {
			logger.Infow("servo maxPos above type maxPos, adjusted", "servo", name, "maxPos", s.MaxPos, "typeMaxPos", t.MaxPos)
			s.MaxPos = t.MaxPos
		}
		defs.Servos[name] = s

		d := Derive(s, t)
		if other, dup := r.byID[d.UniqueID]; dup {
			return nil, errors.Errorf("servo: %s and %s share board %d pin %d", name, other, s.Board, s.Pin)
		}

		pos, ok := positions[name]
		if !ok {
			pos = s.RestPosition(d)
		}
		pos = s.Clamp(pos)

		r.static[name] = s
		r.derived[name] = d
		r.current[name] = Current{Position: pos, Degrees: d.Degrees(pos), TargetPosition: pos}
		r.byID[d.UniqueID] = name
		r.names = append(r.names, name)
	}
	for name, fb := range defs.Feedback {
		if _, ok := r.static[name]; !ok {
			logger.Warnw("feedback definition for unknown servo ignored", "servo", name)
			continue
		}
		r.feedback[name] = fb
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the static, derived and current records of a servo.
func (r *Registry) Get(name string) (Static, Derived, Current, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.static[name]
	if !ok {
		return Static{}, Derived{}, Current{}, errors.Wrap(ErrUnknownServo, name)
	}
	return s, r.derived[name], r.current[name], nil
}

// Current returns the live state of a servo.
func (r *Registry) Current(name string) (Current, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.current[name]
	if !ok {
		return Current{}, errors.Wrap(ErrUnknownServo, name)
	}
	return c, nil
}

// Apply stores a decoded status frame as the servo's current state. The
// fields owned by the host (target, swiping, queue membership and the
// timestamps) are carried over. The reported position is clamped into the
// servo's range.
func (r *Registry) Apply(name string, st *wire.Status) (prev, next Current, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.static[name]
	if !ok {
		return Current{}, Current{}, errors.Wrap(ErrUnknownServo, name)
	}
	prev = r.current[name]
	next = prev

	pos := s.Clamp(st.Position)
	if pos != st.Position {
		r.logger.Debugw("reported position out of range, clamped", "servo", name, "reported", st.Position, "position", pos)
	}
	next.Assigned = st.Assigned
	next.Moving = st.Moving
	next.Attached = st.Attached
	next.AutoDetach = st.AutoDetach
	next.Verbose = st.Verbose
	next.Millis = st.Millis
	next.Position = pos
	next.Degrees = r.derived[name].Degrees(pos)
	next.WritePosition = st.WritePosition
	next.PlannedPosition = st.PlannedPosition

	r.current[name] = next
	return prev, next, nil
}

// Update applies fn to the current state of a servo and returns the result.
// fn runs under the registry lock and must not call back into the registry.
func (r *Registry) Update(name string, fn func(*Current)) (Current, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.current[name]
	if !ok {
		return Current{}, errors.Wrap(ErrUnknownServo, name)
	}
	fn(&c)
	r.current[name] = c
	return c, nil
}

// Resolve finds the servo connected to pin on board.
func (r *Registry) Resolve(board, pin int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[UniqueID(board, pin)]
	if !ok {
		return "", errors.Wrapf(ErrUnknownServo, "board %d pin %d", board, pin)
	}
	return name, nil
}

// Feedback returns the feedback configuration of a servo, if it has
// feedback hardware.
func (r *Registry) Feedback(name string) (FeedbackConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fb, ok := r.feedback[name]
	return fb, ok
}

// SetGains changes the PID gains of a feedback servo.
func (r *Registry) SetGains(name string, kp, ki, kd float64) (FeedbackConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fb, ok := r.feedback[name]
	if !ok {
		return FeedbackConfig{}, errors.Wrapf(ErrUnknownServo, "%s has no feedback hardware", name)
	}
	fb.Kp, fb.Ki, fb.Kd = kp, ki, kd
	r.feedback[name] = fb
	return fb, nil
}

// Names returns all servo names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// OnBoard returns the names of the servos connected to board, sorted.
func (r *Registry) OnBoard(board int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, name := range r.names {
		if r.static[name].Board == board {
			names = append(names, name)
		}
	}
	return names
}

// Snapshot copies the current state of all servos.
func (r *Registry) Snapshot() map[string]Current {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Current, len(r.current))
	for name, c := range r.current {
		out[name] = c
	}
	return out
}
