// Package boardtest provides an in-memory board connection for tests.
package boardtest

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

// Write is a command received by a Conn.
type Write struct {
	At   time.Time
	Line string
}

// Conn is a board.Conn that records writes and replays queued input.
type Conn struct {
	mu      sync.Mutex
	writes  []Write
	input   [][]byte
	closed  bool
	readErr error
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.writes = append(c.writes, Write{At: time.Now(), Line: strings.TrimSuffix(string(p), "\n")})
	return len(p), nil
}

// Flush implements board.Conn.
func (c *Conn) Flush() error {
	return nil
}

// Feed queues a line for the reader. A newline is appended when missing.
func (c *Conn) Feed(line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(append([]byte(nil), line...), '\n')
	}
	c.input = append(c.input, line)
}

// Available implements board.Conn.
func (c *Conn) Available() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.input) == 0 {
		return 0, c.readErr
	}
	return len(c.input[0]), nil
}

// ReadLine implements board.Conn.
func (c *Conn) ReadLine() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.input) == 0 {
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, io.EOF
	}
	line := c.input[0]
	c.input = c.input[1:]
	return line, nil
}

// Pending returns the number of queued input lines.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.input)
}

// SetReadErr makes reads fail with err once the input is drained.
func (c *Conn) SetReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// IsOpen implements board.Conn.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close implements board.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Writes returns the commands written so far.
func (c *Conn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// Lines returns the written commands without timestamps.
func (c *Conn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := make([]string, len(c.writes))
	for i, w := range c.writes {
		lines[i] = w.Line
	}
	return lines
}

// Reset forgets the recorded writes.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = nil
}
