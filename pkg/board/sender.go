package board

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gwillem/skeleton/pkg/wire"
)

// MinSpacing is the minimum time between two commands to the same board.
// The boards drop input when commands arrive faster.
const MinSpacing = 50 * time.Millisecond

// ErrUnknownBoard is returned for a board index that is not configured.
var ErrUnknownBoard = errors.New("board: unknown board")

// Info describes a board for observers.
type Info struct {
	Index     int    `json:"arduinoIndex"`
	Name      string `json:"arduinoName"`
	Port      string `json:"comPort"`
	Connected bool   `json:"connected"`
}

type link struct {
	mu       sync.Mutex
	info     Info
	conn     Conn
	lastSend time.Time
	warn     rate.Sometimes
}

// Sender is the only writer to the boards. Writes to one board are
// serialized and spaced at least MinSpacing apart.
type Sender struct {
	links  []*link
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// NewSender creates a sender for the given number of boards. Boards have no
// connection until Attach is called.
func NewSender(boards int, clk clock.Clock, logger *zap.SugaredLogger) *Sender {
	s := &Sender{clock: clk, logger: logger}
	for i := range boards {
		s.links = append(s.links, &link{
			info: Info{Index: i, Name: fmt.Sprintf("S%d", i)},
			warn: rate.Sometimes{Interval: time.Second},
		})
	}
	return s
}

// Boards returns the number of boards.
func (s *Sender) Boards() int {
	return len(s.links)
}

func (s *Sender) link(board int) (*link, error) {
	if board < 0 || board >= len(s.links) {
		return nil, errors.Wrapf(ErrUnknownBoard, "%d", board)
	}
	return s.links[board], nil
}

// Attach sets the connection of a board.
func (s *Sender) Attach(board int, conn Conn, port string) error {
	l, err := s.link(board)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.info.Port = port
	l.info.Connected = conn != nil
	return nil
}

// Conn returns the connection of a board, or nil.
func (s *Sender) Conn(board int) Conn {
	l, err := s.link(board)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Info returns the description of a board.
func (s *Sender) Info(board int) (Info, error) {
	l, err := s.link(board)
	if err != nil {
		return Info{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info, nil
}

// Connected reports whether a board has an open connection.
func (s *Sender) Connected(board int) bool {
	conn := s.Conn(board)
	return conn != nil && conn.IsOpen()
}

// Send writes cmd to a board. It waits until MinSpacing has passed since the
// previous command to that board. A board without a connection drops the
// command; that is logged, not returned.
func (s *Sender) Send(ctx context.Context, board int, cmd wire.Command) error {
	l, err := s.link(board)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil || !l.conn.IsOpen() {
		l.warn.Do(func() {
			s.logger.Warnw("no connection with board, command dropped", "board", board, "command", string(cmd.Opcode()))
		})
		return nil
	}

	if wait := l.lastSend.Add(MinSpacing).Sub(s.clock.Now()); wait > 0 {
		t := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	msg := cmd.Encode()
	if _, err := l.conn.Write(msg); err != nil {
		return errors.Wrapf(err, "write to board %d", board)
	}
	if err := l.conn.Flush(); err != nil {
		return errors.Wrapf(err, "flush board %d", board)
	}
	l.lastSend = s.clock.Now()
	s.logger.Debugw("command sent", "board", board, "msg", string(msg[:len(msg)-1]))
	return nil
}

// Close closes all board connections.
func (s *Sender) Close() error {
	var err error
	for _, l := range s.links {
		l.mu.Lock()
		if l.conn != nil {
			err = multierr.Append(err, l.conn.Close())
			l.info.Connected = false
		}
		l.mu.Unlock()
	}
	return err
}
