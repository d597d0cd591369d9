// Package ingest reads the status reports of the boards and applies them to
// the servo registry.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/feedback"
	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/wire"
)

const (
	// PollInterval is the wait between checks of an idle connection.
	PollInterval = 100 * time.Millisecond
	// PublishInterval is the minimum time between two published position
	// updates of one servo.
	PublishInterval = 200 * time.Millisecond
)

// ErrClosed is returned when the board connection was closed under the
// reader.
var ErrClosed = errors.New("ingest: connection closed")

// FatalError reports a failure after which the board state can no longer be
// trusted. A serial fault usually means the board lost power.
type FatalError struct {
	Board int
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("board %d: %v", e.Board, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Scheduler is told when a servo finished its move.
type Scheduler interface {
	OnTargetReached(name string)
}

// Swiper continues swiping servos.
type Swiper interface {
	Continue(ctx context.Context, name string, pos int) error
}

// Capture collects feedback samples.
type Capture interface {
	Append(name string, s feedback.Sample) bool
	Flush(ctx context.Context, name string) (bool, error)
}

// Publisher receives servo state updates.
type Publisher interface {
	PublishServo(name string, c servo.Current)
}

// Positions records positions to persist.
type Positions interface {
	MarkChanged(name string, pos int)
}

// Config holds the collaborators of a Reader. Capture, Publisher, Positions
// and IK may be nil.
type Config struct {
	Board     int
	Conn      board.Conn
	Registry  *servo.Registry
	Scheduler Scheduler
	Swipe     Swiper
	Capture   Capture
	Publisher Publisher
	Positions Positions
	// IK receives the name of every servo whose position changed. Sends
	// never block; signals are dropped while the receiver is busy.
	IK chan<- string
}

// Reader processes the input of one board.
type Reader struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.SugaredLogger

	// last published position per servo
	published map[string]int
}

// NewReader creates a reader for the board in cfg.
func NewReader(cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *Reader {
	return &Reader{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With("board", cfg.Board),
		published: make(map[string]int),
	}
}

// Run reads lines until ctx is done or a fatal error occurs. Fatal errors are
// returned as *FatalError.
func (r *Reader) Run(ctx context.Context) error {
	conn := r.cfg.Conn
	r.logger.Infow("reading board status")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !conn.IsOpen() {
			return &FatalError{Board: r.cfg.Board, Err: ErrClosed}
		}
		n, err := conn.Available()
		if err != nil {
			r.logger.Errorw("connection failed, is the servo power on?", "error", err)
			return &FatalError{Board: r.cfg.Board, Err: err}
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(PollInterval):
			}
			continue
		}
		line, err := conn.ReadLine()
		if err != nil {
			r.logger.Errorw("read failed", "error", err)
			return &FatalError{Board: r.cfg.Board, Err: err}
		}
		if err := r.Handle(ctx, line); err != nil {
			return err
		}
	}
}

// Handle processes one line received from the board.
func (r *Reader) Handle(ctx context.Context, line []byte) error {
	frame, err := wire.Decode(line)
	if err != nil {
		r.logger.Warnw("unexpected message format, ignored", "line", fmt.Sprintf("%q", line), "error", err)
		return nil
	}
	switch f := frame.(type) {
	case wire.Text:
		r.logger.Debugf("<-I%d %s", r.cfg.Board, string(f))
	case *wire.Status:
		return r.status(ctx, f)
	}
	return nil
}

func (r *Reader) status(ctx context.Context, f *wire.Status) error {
	reg := r.cfg.Registry
	name, err := reg.Resolve(r.cfg.Board, f.Pin)
	if err != nil {
		r.logger.Errorw("status for unknown servo", "pin", f.Pin, "error", err)
		return &FatalError{Board: r.cfg.Board, Err: err}
	}
	st, _, _, err := reg.Get(name)
	if err != nil {
		return &FatalError{Board: r.cfg.Board, Err: err}
	}
	prev, next, err := reg.Apply(name, f)
	if err != nil {
		return &FatalError{Board: r.cfg.Board, Err: err}
	}
	if f.Verbose {
		r.logger.Infow("servo update", "servo", name, "pin", f.Pin, "position", next.Position,
			"assigned", next.Assigned, "moving", next.Moving, "attached", next.Attached, "autoDetach", next.AutoDetach)
	}

	last, seen := r.published[name]
	if !seen || next.Position != last {
		if r.clock.Since(next.LastShareUpdate) >= PublishInterval {
			next = r.publish(name)
			if !st.Bufferless {
				r.markChanged(name, next.Position)
			}
		}
	}

	if f.Feedback && next.Moving && r.cfg.Capture != nil {
		r.cfg.Capture.Append(name, feedback.Sample{
			Ms:      f.Millis,
			Current: next.Position,
			Write:   next.WritePosition,
			Planned: next.PlannedPosition,
		})
	}

	if r.cfg.IK != nil && next.Position != prev.Position {
		select {
		case r.cfg.IK <- name:
		default:
		}
	}

	if f.TargetReached {
		r.targetReached(ctx, name, st)
	}
	return nil
}

func (r *Reader) targetReached(ctx context.Context, name string, st servo.Static) {
	next := r.publish(name)
	if !st.Bufferless {
		r.logger.Infow("target reached", "servo", name, "position", next.Position, "degrees", next.Degrees)
		r.markChanged(name, next.Position)
	}

	r.cfg.Scheduler.OnTargetReached(name)

	if _, ok := r.cfg.Registry.Feedback(name); ok && r.cfg.Capture != nil {
		if _, err := r.cfg.Capture.Flush(ctx, name); err != nil {
			r.logger.Errorw("storing feedback trace failed", "servo", name, "error", err)
		}
	}

	if next.Swiping && r.cfg.Swipe != nil {
		if err := r.cfg.Swipe.Continue(ctx, name, next.Position); err != nil {
			r.logger.Warnw("swipe continuation failed", "servo", name, "error", err)
		}
	}
}

// publish stamps and publishes the current state of servo name.
func (r *Reader) publish(name string) servo.Current {
	now := r.clock.Now()
	c, err := r.cfg.Registry.Update(name, func(c *servo.Current) { c.LastShareUpdate = now })
	if err != nil {
		return c
	}
	r.published[name] = c.Position
	if r.cfg.Publisher != nil {
		r.cfg.Publisher.PublishServo(name, c)
	}
	return c
}

func (r *Reader) markChanged(name string, pos int) {
	if r.cfg.Positions != nil {
		r.cfg.Positions.MarkChanged(name, pos)
	}
}
