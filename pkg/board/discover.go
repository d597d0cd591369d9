package board

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// HandshakeTimeout is how long a board gets to identify itself after reset.
	HandshakeTimeout = 5 * time.Second
	// HandshakePoll is the wait between checks of a silent port.
	HandshakePoll = 20 * time.Millisecond
)

// ErrNoHandshake is returned when a port does not identify as a skeleton
// board.
var ErrNoHandshake = errors.New("board: no handshake")

// Found is a board that identified itself during discovery.
type Found struct {
	Index int
	Port  string
	Conn  Conn
}

// Identify parses the greeting a board prints after reset. Boards announce
// themselves as "S0 ..." or "S1 ...".
func Identify(line string) (int, bool) {
	line = strings.TrimLeft(line, "\x00\r\n ")
	if len(line) < 3 || line[0] != 'S' || line[2] != ' ' {
		return 0, false
	}
	switch line[1] {
	case '0':
		return 0, true
	case '1':
		return 1, true
	}
	return 0, false
}

// Handshake waits for the greeting of the board behind conn.
func Handshake(ctx context.Context, conn Conn) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	noHandshake := func() error {
		return errors.Wrap(ErrNoHandshake, ctx.Err().Error())
	}
	for {
		if ctx.Err() != nil {
			return 0, noHandshake()
		}
		n, err := conn.Available()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return 0, noHandshake()
			case <-time.After(HandshakePoll):
			}
			continue
		}
		line, err := conn.ReadLine()
		if err != nil {
			return 0, err
		}
		if idx, ok := Identify(string(line)); ok {
			return idx, nil
		}
	}
}

// Discover opens every serial port and keeps the ones that identify as a
// skeleton board. Ports that do not answer are closed.
func Discover(ctx context.Context, baud int, logger *zap.SugaredLogger) ([]Found, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	var found []Found
	for _, port := range ports {
		conn, err := Open(ctx, port, baud)
		if err != nil {
			logger.Debugw("port not usable", "port", port, "error", err)
			continue
		}
		idx, err := Handshake(ctx, conn)
		if err != nil {
			logger.Debugw("no skeleton board on port", "port", port, "error", err)
			conn.Close()
			continue
		}
		logger.Infow("board found", "board", idx, "port", port)
		found = append(found, Found{Index: idx, Port: port, Conn: conn})
	}
	return found, ctx.Err()
}
