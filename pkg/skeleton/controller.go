// Package skeleton wires the servo engine together: it loads the
// definitions, connects the boards, starts the board readers and the move
// scheduler, and executes requests.
package skeleton

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/feedback"
	"github.com/gwillem/skeleton/pkg/ingest"
	"github.com/gwillem/skeleton/pkg/motion"
	"github.com/gwillem/skeleton/pkg/persist"
	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/share"
	"github.com/gwillem/skeleton/pkg/wire"
)

const (
	// AssignSpacing is the pause between servo assignments at startup.
	AssignSpacing = 200 * time.Millisecond
	// StartupMoveDuration is the duration of the move to the persisted
	// position after assignment, in ms.
	StartupMoveDuration = 1000

	intakeBuffer = 16
)

// Options holds the collaborators of a Controller. Positions, Store,
// Publisher and Clock may be nil.
type Options struct {
	Config    *Config
	Registry  *servo.Registry
	Sender    *board.Sender
	Positions *persist.Positions
	Store     feedback.Store
	Publisher share.Publisher
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

type call struct {
	req  Request
	done chan error
}

// Controller runs the skeleton.
type Controller struct {
	cfg       *Config
	reg       *servo.Registry
	sender    *board.Sender
	sched     *motion.Scheduler
	swipe     *motion.Swipe
	capture   *feedback.Capture
	positions *persist.Positions
	pub       share.Publisher
	clock     clock.Clock
	logger    *zap.SugaredLogger

	requests chan call
	closer   func() error
}

// NewController builds the engine around the given registry and sender.
func NewController(o Options) *Controller {
	if o.Publisher == nil {
		o.Publisher = share.Discard{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Config == nil {
		o.Config = DefaultConfig()
	}
	if o.Store == nil {
		o.Store = &feedback.MemoryStore{}
	}
	c := &Controller{
		cfg:       o.Config,
		reg:       o.Registry,
		sender:    o.Sender,
		positions: o.Positions,
		pub:       o.Publisher,
		clock:     o.Clock,
		logger:    o.Logger,
		requests:  make(chan call, intakeBuffer),
	}
	c.capture = feedback.NewCapture(o.Store, o.Clock, o.Logger.Named("feedback"))
	c.sched = motion.NewScheduler(o.Registry, o.Sender, c.capture, o.Publisher, o.Clock, o.Logger.Named("motion"))
	c.swipe = motion.NewSwipe(c.sched, o.Registry, o.Publisher, o.Logger.Named("swipe"))
	c.swipe.ApproachFactor = o.Config.ApproachFactor
	c.swipe.SustainFactor = o.Config.SustainFactor
	return c
}

// Registry returns the servo registry.
func (c *Controller) Registry() *servo.Registry {
	return c.reg
}

// Scheduler returns the move scheduler.
func (c *Controller) Scheduler() *motion.Scheduler {
	return c.sched
}

// Boards returns the description of every board.
func (c *Controller) Boards() []board.Info {
	infos := make([]board.Info, 0, c.sender.Boards())
	for b := range c.sender.Boards() {
		if info, err := c.sender.Info(b); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// Events returns the complete current state as events, boards first.
func (c *Controller) Events() []share.Event {
	var events []share.Event
	for _, info := range c.Boards() {
		events = append(events, share.Event{Kind: share.KindBoard, Board: &info})
	}
	snap := c.reg.Snapshot()
	for _, name := range c.reg.Names() {
		cur := snap[name]
		events = append(events, share.Event{Kind: share.KindServo, Servo: name, State: &cur})
	}
	return events
}

// Do hands req to the running controller and waits for the result.
func (c *Controller) Do(ctx context.Context, req Request) error {
	done := make(chan error, 1)
	select {
	case c.requests <- call{req: req, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the board readers, assigns the servos and serves requests until
// ctx is done or a fatal error occurs. services are run alongside and end
// the controller when they fail. Run returns nil when ctx was cancelled.
func (c *Controller) Run(ctx context.Context, services ...func(context.Context) error) error {
	parent := ctx
	g, ctx := errgroup.WithContext(ctx)

	var positions ingest.Positions
	if c.positions != nil {
		positions = c.positions
	}

	for _, info := range c.Boards() {
		c.pub.PublishBoard(info)
		if !c.sender.Connected(info.Index) {
			c.logger.Warnw("board not connected", "board", info.Index)
			continue
		}
		r := ingest.NewReader(ingest.Config{
			Board:     info.Index,
			Conn:      c.sender.Conn(info.Index),
			Registry:  c.reg,
			Scheduler: c.sched,
			Swipe:     c.swipe,
			Capture:   c.capture,
			Publisher: c.pub,
			Positions: positions,
		}, c.clock, c.logger.Named("ingest"))
		g.Go(func() error { return r.Run(ctx) })
	}

	g.Go(func() error { return c.Startup(ctx) })
	g.Go(func() error { return c.sched.Run(ctx) })
	if c.positions != nil {
		g.Go(func() error { return c.positions.Schedule(ctx, persist.FlushInterval) })
	}
	g.Go(func() error { return c.intake(ctx) })
	for _, svc := range services {
		g.Go(func() error { return svc(ctx) })
	}

	err := g.Wait()
	if parent.Err() != nil && errors.Is(err, context.Canceled) {
		c.logger.Infow("skeleton stopped")
		return nil
	}
	return err
}

// Startup assigns the servos of every connected board, moves them to their
// persisted positions and configures the feedback servos. Boards start in
// parallel.
func (c *Controller) Startup(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for b := range c.sender.Boards() {
		if !c.sender.Connected(b) {
			continue
		}
		g.Go(func() error { return c.startBoard(ctx, b) })
	}
	return g.Wait()
}

func (c *Controller) startBoard(ctx context.Context, b int) error {
	var names []string
	for _, name := range c.reg.OnBoard(b) {
		st, _, cur, err := c.reg.Get(name)
		if err != nil {
			return err
		}
		if !st.Enabled {
			continue
		}
		if err := c.assign(ctx, name, cur.Position); err != nil {
			return err
		}
		names = append(names, name)
		if err := c.sleep(ctx, AssignSpacing); err != nil {
			return err
		}
	}

	for _, name := range names {
		pos, ok := c.lastPosition(name)
		if ok {
			if err := c.move(ctx, name, pos, StartupMoveDuration, true); err != nil {
				return err
			}
		}
		if err := feedback.SendCalibration(ctx, c.reg, c.sender, name); err != nil {
			return err
		}
	}
	c.logger.Infow("board ready", "board", b, "servos", len(names))
	return nil
}

func (c *Controller) lastPosition(name string) (int, bool) {
	if c.positions != nil {
		if pos, ok := c.positions.Get(name); ok {
			return pos, true
		}
	}
	cur, err := c.reg.Current(name)
	return cur.Position, err == nil
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Controller) intake(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.requests:
			err := c.Handle(ctx, in.req)
			in.done <- err
			if errors.Is(err, ErrUnknownRequest) {
				return err
			}
			if err != nil {
				c.logger.Warnw("request failed", "kind", in.req.Kind(), "error", err)
			}
		}
	}
}

// Handle executes a single request.
func (c *Controller) Handle(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case Assign:
		return c.assign(ctx, r.Servo, r.Position)
	case Reassign:
		cur, err := c.reg.Current(r.Servo)
		if err != nil {
			return err
		}
		return c.assign(ctx, r.Servo, cur.Position)
	case Position:
		return c.move(ctx, r.Servo, r.Position, r.Duration, r.Sequential)
	case Degrees:
		_, d, _, err := c.reg.Get(r.Servo)
		if err != nil {
			return err
		}
		return c.move(ctx, r.Servo, d.Position(r.Degrees), r.Duration, r.Sequential)
	case Stop:
		return c.sched.Stop(ctx, r.Servo)
	case StopAll:
		return c.sched.StopAll(ctx)
	case Rest:
		return c.rest(ctx, r.Servo)
	case RestAll:
		for _, name := range c.reg.Names() {
			if err := c.rest(ctx, name); err != nil {
				return err
			}
		}
		return nil
	case Verbose:
		st, err := c.setState(r.Servo, func(cur *servo.Current) { cur.Verbose = r.On })
		if err != nil {
			return err
		}
		return c.sender.Send(ctx, st.Board, wire.SetVerbose{Pin: st.Pin, On: r.On})
	case AutoDetach:
		st, err := c.setState(r.Servo, func(cur *servo.Current) { cur.AutoDetach = r.Ms > 0 })
		if err != nil {
			return err
		}
		return c.sender.Send(ctx, st.Board, wire.SetAutoDetach{Pin: st.Pin, Ms: r.Ms})
	case ForcePosition:
		st, _, _, err := c.reg.Get(r.Servo)
		if err != nil {
			return err
		}
		pos := st.Clamp(r.Position)
		if _, err := c.setState(r.Servo, func(cur *servo.Current) {
			cur.Position = pos
			cur.TargetPosition = pos
		}); err != nil {
			return err
		}
		return c.sender.Send(ctx, st.Board, wire.ForcePosition{Pin: st.Pin, Position: pos})
	case StatusRequest:
		st, _, _, err := c.reg.Get(r.Servo)
		if err != nil {
			return err
		}
		return c.sender.Send(ctx, st.Board, wire.StatusRequest{Pin: st.Pin})
	case StartSwipe:
		if err := c.swipe.Start(ctx, r.Servo); !errors.Is(err, motion.ErrDisabled) {
			return err
		}
		return nil
	case StopSwipe:
		return c.swipe.Stop(ctx, r.Servo)
	case UpdatePID:
		c.logger.Infow("PID update", "servo", r.Servo, "kp", r.Kp, "ki", r.Ki, "kd", r.Kd)
		return feedback.UpdatePID(ctx, c.reg, c.sender, r.Servo, r.Kp, r.Ki, r.Kd)
	case PinsHigh:
		return c.sender.Send(ctx, 0, wire.PinsHigh{Pins: r.Pins})
	case PinsLow:
		return c.sender.Send(ctx, 0, wire.PinsLow{Pins: r.Pins})
	}
	return errors.Wrapf(ErrUnknownRequest, "%T", req)
}

// setState updates the current state of a servo and publishes it.
func (c *Controller) setState(name string, fn func(*servo.Current)) (servo.Static, error) {
	st, _, _, err := c.reg.Get(name)
	if err != nil {
		return st, err
	}
	cur, err := c.reg.Update(name, fn)
	if err != nil {
		return st, err
	}
	c.pub.PublishServo(name, cur)
	return st, nil
}

// assign defines servo name on its board with pos as its last position.
// Disabled servos are skipped.
func (c *Controller) assign(ctx context.Context, name string, pos int) error {
	st, d, _, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if !st.Enabled {
		c.logger.Infow("assign requested for disabled servo, ignored", "servo", name)
		return nil
	}
	pos = st.Clamp(pos)
	if _, err := c.setState(name, func(cur *servo.Current) {
		cur.Position = pos
		cur.Degrees = d.Degrees(pos)
		cur.TargetPosition = pos
		cur.AutoDetach = st.AutoDetach > 0
	}); err != nil {
		return err
	}
	c.logger.Debugw("assign servo", "servo", name, "board", st.Board, "pin", st.Pin, "position", pos)
	return c.sender.Send(ctx, st.Board, wire.Assign{
		Pin:        st.Pin,
		MinPos:     st.MinPos,
		MaxPos:     st.MaxPos,
		RestPos:    st.RestPosition(d),
		AutoDetach: st.AutoDetach,
		Inverted:   d.Inverted,
		LastPos:    pos,
		PowerPin:   st.PowerPin,
	})
}

// move requests a move and swallows the outcomes that only mean nothing had
// to be sent.
func (c *Controller) move(ctx context.Context, name string, pos, duration int, sequential bool) error {
	err := c.sched.Move(ctx, name, pos, duration, sequential)
	if errors.Is(err, motion.ErrNoop) || errors.Is(err, motion.ErrDisabled) {
		return nil
	}
	return err
}

func (c *Controller) rest(ctx context.Context, name string) error {
	st, d, _, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if !st.Enabled {
		return nil
	}
	return c.move(ctx, name, st.RestPosition(d), motion.RestDuration, true)
}

// Close releases the boards and the stores opened by Bootstrap.
func (c *Controller) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return c.sender.Close()
}

// Servos returns the current state of every servo.
func (c *Controller) Servos() map[string]servo.Current {
	return c.reg.Snapshot()
}

// Servo returns the current state of servo name.
func (c *Controller) Servo(name string) (servo.Current, error) {
	return c.reg.Current(name)
}
