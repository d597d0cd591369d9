// Package board manages the serial links to the skeleton's microcontroller
// boards.
package board

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// DefaultBaudRate is the baud rate of the skeleton boards.
const DefaultBaudRate = 115200

const (
	pollTimeout = 10 * time.Millisecond
	lineTimeout = time.Second
	resetDelay  = time.Second
)

// Conn is the byte stream to one board.
type Conn interface {
	io.Writer
	// Flush blocks until written data has been transmitted.
	Flush() error
	// ReadLine returns the next line including its terminator.
	ReadLine() ([]byte, error)
	// Available returns the number of bytes ready to be read. It waits at
	// most a short poll interval for new data.
	Available() (int, error)
	IsOpen() bool
	Close() error
}

// SerialConn is a Conn over a serial port.
type SerialConn struct {
	port serial.Port

	rmu     sync.Mutex
	pending []byte
	scratch []byte

	mu     sync.Mutex
	closed bool
}

// Open opens the serial port at path and resets the board by toggling DTR.
func Open(ctx context.Context, path string, baud int) (*SerialConn, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	c := &SerialConn{port: port, scratch: make([]byte, 256)}
	if err := c.reset(ctx); err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "reset %s", path)
	}
	return c, nil
}

func (c *SerialConn) reset(ctx context.Context) error {
	if err := c.port.SetReadTimeout(pollTimeout); err != nil {
		return err
	}
	if err := c.port.SetDTR(false); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(resetDelay):
	}
	if err := c.port.ResetInputBuffer(); err != nil {
		return err
	}
	return c.port.SetDTR(true)
}

func (c *SerialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

// Flush waits until the output buffer has been sent.
func (c *SerialConn) Flush() error {
	return c.port.Drain()
}

// fill reads whatever the port delivers within the poll timeout.
func (c *SerialConn) fill() error {
	n, err := c.port.Read(c.scratch)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, c.scratch[:n]...)
	return nil
}

// Available implements Conn.
func (c *SerialConn) Available() (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if len(c.pending) == 0 {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	return len(c.pending), nil
}

// ReadLine implements Conn. A line that is not terminated within a second
// is returned as is.
func (c *SerialConn) ReadLine() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	deadline := time.Now().Add(lineTimeout)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			return c.take(i + 1), nil
		}
		if time.Now().After(deadline) {
			return c.take(len(c.pending)), nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

func (c *SerialConn) take(n int) []byte {
	line := make([]byte, n)
	copy(line, c.pending)
	c.pending = append(c.pending[:0], c.pending[n:]...)
	return line
}

// IsOpen implements Conn.
func (c *SerialConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close closes the port.
func (c *SerialConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.port.Close()
}
