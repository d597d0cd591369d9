package motion

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/servo"
)

const (
	// DefaultApproachFactor scales the first leg of a swipe.
	DefaultApproachFactor = 2
	// DefaultSustainFactor scales the legs between the bounds.
	DefaultSustainFactor = 4
	// RestDuration is the duration of a move to the rest position, in ms.
	RestDuration = 1500

	boundProximity = 3
)

// Swipe moves servos back and forth between their bounds until stopped.
// Each leg is started when the board reports the previous one finished.
type Swipe struct {
	sched  *Scheduler
	reg    *servo.Registry
	pub    Publisher
	logger *zap.SugaredLogger

	// Leg durations are msPerPos * posRange * factor.
	ApproachFactor float64
	SustainFactor  float64
}

// NewSwipe returns a swipe controller with the default factors.
func NewSwipe(sched *Scheduler, reg *servo.Registry, pub Publisher, logger *zap.SugaredLogger) *Swipe {
	return &Swipe{
		sched:          sched,
		reg:            reg,
		pub:            pub,
		logger:         logger,
		ApproachFactor: DefaultApproachFactor,
		SustainFactor:  DefaultSustainFactor,
	}
}

func legDuration(d servo.Derived, factor float64) int {
	return int(math.Round(d.MsPerPos * float64(d.PosRange) * factor))
}

// Start begins swiping servo name, first moving it to its minimum position.
// A servo already at its minimum starts with the leg to its maximum.
func (w *Swipe) Start(ctx context.Context, name string) error {
	st, d, _, err := w.reg.Get(name)
	if err != nil {
		return err
	}
	if !st.Enabled {
		w.logger.Infow("swipe requested for disabled servo, ignored", "servo", name)
		return ErrDisabled
	}
	c, err := w.reg.Update(name, func(c *servo.Current) { c.Swiping = true })
	if err != nil {
		return err
	}
	if w.pub != nil {
		w.pub.PublishServo(name, c)
	}
	w.logger.Infow("swipe started", "servo", name)
	err = w.sched.Move(ctx, name, st.MinPos, legDuration(d, w.ApproachFactor), true)
	if errors.Is(err, ErrNoop) {
		return w.Continue(ctx, name, c.Position)
	}
	return err
}

// Continue starts the next leg of a swiping servo that reached its target
// at position pos. A servo that stopped away from both bounds heads back
// to its minimum.
func (w *Swipe) Continue(ctx context.Context, name string, pos int) error {
	st, d, c, err := w.reg.Get(name)
	if err != nil {
		return err
	}
	if !c.Swiping {
		return nil
	}
	var next int
	switch {
	case abs(pos-st.MinPos) < boundProximity:
		next = st.MaxPos
	case abs(st.MaxPos-pos) < boundProximity:
		next = st.MinPos
	default:
		w.logger.Debugw("swiping servo stopped between bounds", "servo", name, "position", pos)
		next = st.MinPos
	}
	err = w.sched.Move(ctx, name, next, legDuration(d, w.SustainFactor), true)
	if errors.Is(err, ErrNoop) {
		return nil
	}
	return err
}

// Stop ends the swipe of servo name and sends it to its rest position.
func (w *Swipe) Stop(ctx context.Context, name string) error {
	st, d, _, err := w.reg.Get(name)
	if err != nil {
		return err
	}
	if err := w.sched.Stop(ctx, name); err != nil {
		return err
	}
	w.logger.Infow("swipe stopped", "servo", name)
	err = w.sched.Move(ctx, name, st.RestPosition(d), RestDuration, true)
	if errors.Is(err, ErrNoop) {
		return nil
	}
	return err
}
