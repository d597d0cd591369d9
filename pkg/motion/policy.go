// Package motion sequences servo moves. Moves of one servo run one after the
// other; bufferless servos take the latest request immediately.
package motion

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gwillem/skeleton/pkg/servo"
)

const (
	// MaxDuration is the longest move duration the firmware accepts, in ms.
	MaxDuration = 9999
	// MinDelta is the smallest position change that is worth a move.
	MinDelta = 2
)

var (
	// ErrNoop is returned when a requested move is too small to send.
	ErrNoop = errors.New("motion: move too small")
	// ErrDisabled is returned for moves of a disabled servo.
	ErrDisabled = errors.New("motion: servo disabled")
)

// Plan is a move that passed the duration policy.
type Plan struct {
	From      int
	To        int
	Duration  int
	SpeedRate float64
}

// Delta returns the distance of the move.
func (p Plan) Delta() int {
	return abs(p.To - p.From)
}

// NewPlan applies the duration policy to a move of servo s from position
// from to position to in duration ms. The target is clamped into the servo
// range. A move faster than the servo can travel is slowed down to its top
// speed. SpeedRate is the fraction of the top speed a move uses; for a move
// that had to be slowed down it is the fraction of the requested speed that
// remains.
func NewPlan(s servo.Static, d servo.Derived, from, to, duration int) (Plan, error) {
	if !s.Enabled {
		return Plan{}, ErrDisabled
	}
	to = s.Clamp(to)
	delta := abs(to - from)
	if delta < MinDelta {
		return Plan{}, ErrNoop
	}
	minDuration := int(math.Round(d.MsPerPos * float64(delta)))

	requested := duration
	raised := duration < minDuration
	duration = min(max(duration, minDuration), MaxDuration)

	rate := 1.0
	switch {
	case raised && requested > 0:
		// record how much of the asked speed is left
		rate = float64(requested) / float64(minDuration)
	case !raised && duration > 0:
		rate = min(1, float64(minDuration)/float64(duration))
	}
	return Plan{From: from, To: to, Duration: duration, SpeedRate: rate}, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
