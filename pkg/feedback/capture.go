// Package feedback records the motion of servos with positional feedback
// hardware so their controllers can be tuned.
package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MinSamples is the number of samples a trace must exceed to be stored.
// Shorter traces are moves too small to say anything about tuning.
const MinSamples = 5

// Sample is one feedback status frame of a moving servo.
type Sample struct {
	Ms      int `json:"ms"`
	Current int `json:"current"`
	Write   int `json:"write"`
	Planned int `json:"planned"`
}

// Trace is the recorded motion of one move.
type Trace struct {
	ID        int       `json:"id" storm:"id,increment"`
	Servo     string    `json:"servo" storm:"index"`
	Recorded  time.Time `json:"recorded"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	SpeedRate float64   `json:"speedRate"`
	Samples   []Sample  `json:"samples"`
}

// Store persists completed traces.
type Store interface {
	Store(ctx context.Context, tr *Trace) error
}

// Capture collects the samples of the moves in progress, one trace per
// servo.
type Capture struct {
	mu     sync.Mutex
	open   map[string]*Trace
	store  Store
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// NewCapture returns a capture writing completed traces to store.
func NewCapture(store Store, clk clock.Clock, logger *zap.SugaredLogger) *Capture {
	return &Capture{
		open:   make(map[string]*Trace),
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// Open starts a new trace for servo, replacing any trace in progress.
func (c *Capture) Open(servo string, from, to int, speedRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open[servo] = &Trace{
		Servo:     servo,
		Recorded:  c.clock.Now(),
		From:      from,
		To:        to,
		SpeedRate: speedRate,
	}
}

// Append adds a sample to the open trace of servo. It reports false when no
// trace is open.
func (c *Capture) Append(servo string, s Sample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.open[servo]
	if !ok {
		return false
	}
	tr.Samples = append(tr.Samples, s)
	return true
}

// Len returns the number of samples in the open trace of servo.
func (c *Capture) Len(servo string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.open[servo]; ok {
		return len(tr.Samples)
	}
	return 0
}

// Flush closes the trace of servo. Traces with more than MinSamples samples
// are stored; shorter ones are dropped. The trace is removed from memory in
// both cases.
func (c *Capture) Flush(ctx context.Context, servo string) (bool, error) {
	c.mu.Lock()
	tr, ok := c.open[servo]
	delete(c.open, servo)
	c.mu.Unlock()

	if !ok || len(tr.Samples) <= MinSamples {
		return false, nil
	}
	if err := c.store.Store(ctx, tr); err != nil {
		return false, errors.Wrapf(err, "store trace of %s", servo)
	}
	c.logger.Infow("feedback trace stored", "servo", servo, "id", tr.ID, "samples", len(tr.Samples))
	return true, nil
}

// Discard drops the open trace of servo.
func (c *Capture) Discard(servo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, servo)
}
