package wire

import (
	"bytes"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	statusMarker   = 0xC0
	pinMask        = 0x3F
	positionBias   = 16
	millisBias     = 4096 + positionBias
	feedbackLength = 7
)

// Flag bits of the second status byte.
const (
	FlagAssigned      = 1 << 0
	FlagMoving        = 1 << 1
	FlagAttached      = 1 << 2
	FlagAutoDetach    = 1 << 3
	FlagVerbose       = 1 << 4
	FlagTargetReached = 1 << 5
)

var (
	// ErrEmptyLine is returned for a line without content.
	ErrEmptyLine = errors.New("wire: empty line")
	// ErrShortFrame is returned for a status frame missing bytes.
	ErrShortFrame = errors.New("wire: truncated status frame")
)

// Frame is a decoded inbound line: either a *Status or a Text.
type Frame interface {
	frame()
}

// Text is a diagnostic line printed by the board firmware.
type Text string

func (Text) frame() {}

// Status is a decoded compressed status frame.
type Status struct {
	Pin           int
	Assigned      bool
	Moving        bool
	Attached      bool
	AutoDetach    bool
	Verbose       bool
	TargetReached bool
	Position      int

	// Feedback is set when the frame carried feedback telemetry, in which
	// case Millis, WritePosition and PlannedPosition were reported by the
	// board. Otherwise both positions equal Position and Millis is zero.
	Feedback        bool
	Millis          int
	WritePosition   int
	PlannedPosition int
}

func (*Status) frame() {}

// IsStatus reports whether line starts with the compressed status marker.
func IsStatus(line []byte) bool {
	return len(line) > 0 && line[0]&statusMarker == statusMarker
}

// Decode decodes a single line read from a board.
func Decode(line []byte) (Frame, error) {
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	if IsStatus(line) {
		return DecodeStatus(line)
	}
	text := bytes.TrimRight(line, "\r\n")
	if !utf8.Valid(text) {
		return nil, errors.Errorf("wire: undecodable text line %q", line)
	}
	return Text(text), nil
}

// DecodeStatus decodes a compressed status frame. The trailing newline, if
// present, is ignored.
func DecodeStatus(line []byte) (*Status, error) {
	frame := bytes.TrimSuffix(line, []byte{'\n'})
	if len(frame) < 3 {
		return nil, errors.Wrapf(ErrShortFrame, "%d bytes", len(frame))
	}
	flags := frame[1]
	s := &Status{
		Pin:           int(frame[0] & pinMask),
		Assigned:      flags&FlagAssigned != 0,
		Moving:        flags&FlagMoving != 0,
		Attached:      flags&FlagAttached != 0,
		AutoDetach:    flags&FlagAutoDetach != 0,
		Verbose:       flags&FlagVerbose != 0,
		TargetReached: flags&FlagTargetReached != 0,
		Position:      int(frame[2]) - positionBias,
	}
	s.WritePosition = s.Position
	s.PlannedPosition = s.Position

	if len(frame) > 4 {
		if len(frame) < feedbackLength {
			return nil, errors.Wrapf(ErrShortFrame, "feedback frame with %d bytes", len(frame))
		}
		s.Feedback = true
		s.Millis = int(frame[3])<<8 + int(frame[4]) - millisBias
		s.WritePosition = int(frame[5]) - positionBias
		s.PlannedPosition = int(frame[6]) - positionBias
	}
	return s, nil
}

// EncodeStatus builds the compressed frame the firmware would send for s,
// including the trailing newline. Boards never receive it; it exists so
// simulators and tests can produce telemetry.
func EncodeStatus(s Status) []byte {
	var flags byte
	set := func(on bool, bit byte) {
		if on {
			flags |= bit
		}
	}
	set(s.Assigned, FlagAssigned)
	set(s.Moving, FlagMoving)
	set(s.Attached, FlagAttached)
	set(s.AutoDetach, FlagAutoDetach)
	set(s.Verbose, FlagVerbose)
	set(s.TargetReached, FlagTargetReached)

	out := []byte{statusMarker | byte(s.Pin&pinMask), flags, byte(s.Position + positionBias)}
	if s.Feedback {
		ms := s.Millis + millisBias
		out = append(out, byte(ms>>8), byte(ms),
			byte(s.WritePosition+positionBias), byte(s.PlannedPosition+positionBias))
	}
	return append(out, '\n')
}
