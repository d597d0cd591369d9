// Package share makes the state of the skeleton visible to other processes:
// a key/value store for polling clients and a websocket stream for live
// views.
package share

import (
	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/servo"
)

// Publisher receives state changes. Implementations must not block and
// never report errors to the caller.
type Publisher interface {
	PublishServo(name string, c servo.Current)
	PublishBoard(info board.Info)
}

// Event is a single state change.
type Event struct {
	Kind  string         `json:"kind"`
	Servo string         `json:"servo,omitempty"`
	State *servo.Current `json:"state,omitempty"`
	Board *board.Info    `json:"board,omitempty"`
}

// Event kinds.
const (
	KindServo = "servo"
	KindBoard = "board"
)

// Multi publishes to several publishers.
type Multi []Publisher

// PublishServo implements Publisher.
func (m Multi) PublishServo(name string, c servo.Current) {
	for _, p := range m {
		p.PublishServo(name, c)
	}
}

// PublishBoard implements Publisher.
func (m Multi) PublishBoard(info board.Info) {
	for _, p := range m {
		p.PublishBoard(info)
	}
}

// Discard drops all updates.
type Discard struct{}

// PublishServo implements Publisher.
func (Discard) PublishServo(string, servo.Current) {}

// PublishBoard implements Publisher.
func (Discard) PublishBoard(board.Info) {}
