package motion

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/wire"
)

// TickInterval is the period of the admission pass.
const TickInterval = 100 * time.Millisecond

// Sender delivers commands to the boards.
type Sender interface {
	Send(ctx context.Context, board int, cmd wire.Command) error
	Boards() int
	Connected(board int) bool
}

// Tracer starts a feedback trace when a servo with feedback hardware begins
// a move.
type Tracer interface {
	Open(servo string, from, to int, speedRate float64)
	Discard(servo string)
}

// Publisher receives servo state changes made by the scheduler.
type Publisher interface {
	PublishServo(name string, c servo.Current)
}

// State is the scheduling state of a servo.
type State int

const (
	// Idle servos have no queued or dispatched move.
	Idle State = iota
	// Queued servos have moves waiting, none dispatched.
	Queued
	// Active servos have a dispatched move that has not completed.
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Active:
		return "active"
	}
	return "unknown"
}

// Request is a move waiting for its servo to become idle.
type Request struct {
	Servo string
	Board int
	Pin   int
	Plan  Plan
}

// Command returns the move command of the request.
func (r Request) Command() wire.Move {
	return wire.Move{Pin: r.Pin, Position: r.Plan.To, Duration: r.Plan.Duration}
}

// Scheduler owns the move queue. Moves of one servo are dispatched in the
// order they were submitted, one at a time; the next one is sent after the
// board reported the previous target reached.
type Scheduler struct {
	reg    *servo.Registry
	sender Sender
	tracer Tracer
	pub    Publisher
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu         sync.Mutex
	queue      []Request
	active     map[string]bool
	lastBypass map[string]int
}

// NewScheduler creates a scheduler. tracer and pub may be nil.
func NewScheduler(reg *servo.Registry, sender Sender, tracer Tracer, pub Publisher, clk clock.Clock, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		reg:        reg,
		sender:     sender,
		tracer:     tracer,
		pub:        pub,
		clock:      clk,
		logger:     logger,
		active:     make(map[string]bool),
		lastBypass: make(map[string]int),
	}
}

// Move requests servo name to move to position pos in duration ms.
// Sequential moves of regular servos are queued; bufferless servos and
// non-sequential moves are sent right away and replace whatever the servo
// is doing. Moves that are too small return ErrNoop and moves of disabled
// servos ErrDisabled; neither sends anything.
func (s *Scheduler) Move(ctx context.Context, name string, pos, duration int, sequential bool) error {
	st, d, cur, err := s.reg.Get(name)
	if err != nil {
		return err
	}

	from := cur.Position
	bypass := st.Bufferless || !sequential
	if st.Bufferless {
		s.mu.Lock()
		if last, ok := s.lastBypass[name]; ok {
			from = last
		}
		s.mu.Unlock()
	}

	plan, err := NewPlan(st, d, from, pos, duration)
	switch {
	case errors.Is(err, ErrDisabled):
		s.logger.Infow("move requested for disabled servo, ignored", "servo", name, "position", pos)
		return err
	case err != nil:
		return err
	}

	req := Request{Servo: name, Board: st.Board, Pin: st.Pin, Plan: plan}
	if !bypass {
		s.Submit(req)
		return nil
	}

	if st.Bufferless {
		s.mu.Lock()
		s.lastBypass[name] = plan.To
		s.mu.Unlock()
		s.logger.Debugw("bufferless move", "servo", name, "position", plan.To, "duration", plan.Duration)
	} else {
		s.logger.Infow("direct move", "servo", name, "position", plan.To, "duration", plan.Duration)
	}
	if _, err := s.reg.Update(name, func(c *servo.Current) {
		c.TargetPosition = plan.To
		c.LastMoveRequest = s.clock.Now()
	}); err != nil {
		return err
	}
	return s.sender.Send(ctx, st.Board, req.Command())
}

// Submit appends a move to the queue.
func (s *Scheduler) Submit(req Request) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	c, err := s.reg.Update(req.Servo, func(c *servo.Current) { c.InRequestList = true })
	if err != nil {
		s.logger.Warnw("queued move for unknown servo", "servo", req.Servo, "error", err)
		return
	}
	s.publish(req.Servo, c)
	s.logger.Debugw("move queued", "servo", req.Servo, "from", req.Plan.From, "to", req.Plan.To, "duration", req.Plan.Duration)
}

// next removes the oldest queued request of the first servo that is not
// active and marks that servo active.
func (s *Scheduler) next() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, req := range s.queue {
		if s.active[req.Servo] {
			continue
		}
		s.active[req.Servo] = true
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		return req, true
	}
	return Request{}, false
}

// Admit dispatches the oldest queued move of every servo that is not active.
func (s *Scheduler) Admit(ctx context.Context) error {
	for {
		req, ok := s.next()
		if !ok {
			return nil
		}
		if err := s.dispatch(ctx, req); err != nil {
			return err
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, req Request) error {
	c, err := s.reg.Update(req.Servo, func(c *servo.Current) {
		c.TargetPosition = req.Plan.To
		c.LastMoveRequest = s.clock.Now()
	})
	if err != nil {
		return err
	}
	s.publish(req.Servo, c)

	if s.tracer != nil {
		if _, ok := s.reg.Feedback(req.Servo); ok {
			s.tracer.Open(req.Servo, req.Plan.From, req.Plan.To, req.Plan.SpeedRate)
		}
	}
	s.logger.Infow("move dispatched", "servo", req.Servo, "position", req.Plan.To, "duration", req.Plan.Duration)
	if err := s.sender.Send(ctx, req.Board, req.Command()); err != nil {
		// nothing reached the board, so no target reached will follow
		s.release(req.Servo)
		return err
	}
	return nil
}

// release frees a servo whose dispatched move was never sent.
func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.active, name)
	more := s.queuedLocked(name) > 0
	s.mu.Unlock()

	if s.tracer != nil {
		s.tracer.Discard(name)
	}
	if !more {
		s.leaveQueue(name)
	}
}

func (s *Scheduler) leaveQueue(name string) {
	c, err := s.reg.Update(name, func(c *servo.Current) { c.InRequestList = false })
	if err != nil {
		return
	}
	s.publish(name, c)
}

// Run runs the admission pass every TickInterval until ctx is done. Send
// failures are logged; the reader of the failing board reports the fault.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Admit(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Errorw("admission failed", "error", err)
			}
		}
	}
}

// OnTargetReached marks the move of servo name as completed. The servo
// becomes eligible for the next admission pass.
func (s *Scheduler) OnTargetReached(name string) {
	s.mu.Lock()
	if !s.active[name] {
		s.mu.Unlock()
		return
	}
	delete(s.active, name)
	more := s.queuedLocked(name) > 0
	s.mu.Unlock()

	if !more {
		s.leaveQueue(name)
	}
}

// Stop drops the queued moves of servo name, ends its swipe and stops it.
// The servo is idle when Stop returns, even if the hardware is still
// coasting.
func (s *Scheduler) Stop(ctx context.Context, name string) error {
	st, _, _, err := s.reg.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	kept := s.queue[:0]
	for _, req := range s.queue {
		if req.Servo != name {
			kept = append(kept, req)
		}
	}
	s.queue = kept
	delete(s.active, name)
	delete(s.lastBypass, name)
	s.mu.Unlock()

	c, err := s.reg.Update(name, func(c *servo.Current) {
		c.InRequestList = false
		c.Swiping = false
	})
	if err != nil {
		return err
	}
	s.publish(name, c)
	if s.tracer != nil {
		s.tracer.Discard(name)
	}
	s.logger.Infow("servo stop", "servo", name)
	return s.sender.Send(ctx, st.Board, wire.Stop{Pin: st.Pin})
}

// StopAll empties the queue and stops every servo on every connected board.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.queue = nil
	s.active = make(map[string]bool)
	s.lastBypass = make(map[string]int)
	s.mu.Unlock()

	for _, name := range s.reg.Names() {
		c, err := s.reg.Update(name, func(c *servo.Current) {
			c.InRequestList = false
			c.Swiping = false
		})
		if err == nil {
			s.publish(name, c)
		}
	}

	s.logger.Infow("all servos stop")
	for board := range s.sender.Boards() {
		if !s.sender.Connected(board) {
			continue
		}
		if err := s.sender.Send(ctx, board, wire.StopAll{}); err != nil {
			return err
		}
	}
	return nil
}

// State returns the scheduling state of servo name.
func (s *Scheduler) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.active[name]:
		return Active
	case s.queuedLocked(name) > 0:
		return Queued
	}
	return Idle
}

// Queued returns the number of moves waiting for servo name.
func (s *Scheduler) Queued(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked(name)
}

func (s *Scheduler) queuedLocked(name string) int {
	n := 0
	for _, req := range s.queue {
		if req.Servo == name {
			n++
		}
	}
	return n
}

func (s *Scheduler) publish(name string, c servo.Current) {
	if s.pub != nil {
		s.pub.PublishServo(name, c)
	}
}
