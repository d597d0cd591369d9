// Package wire encodes commands sent to the skeleton boards and decodes the
// status frames they report back.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is an outbound board command.
type Command interface {
	// Opcode is the leading byte of the encoded line.
	Opcode() byte
	// Encode returns the full ASCII line including the trailing newline.
	Encode() []byte
}

// Opcodes understood by the board firmware.
const (
	OpAssign        byte = '0'
	OpMove          byte = '1'
	OpStop          byte = '2'
	OpStopAll       byte = '3'
	OpStatus        byte = '4'
	OpAutoDetach    byte = '5'
	OpForcePosition byte = '6'
	OpVerbose       byte = '7'
	OpFeedback      byte = '8'
	OpPinsHigh      byte = 'h'
	OpPinsLow       byte = 'l'
)

// Assign defines a servo on its board and sets its last known position.
type Assign struct {
	Pin        int
	MinPos     int
	MaxPos     int
	RestPos    int
	AutoDetach float64 // seconds
	Inverted   bool
	LastPos    int
	PowerPin   int
}

// Move moves a servo to Position over Duration milliseconds.
type Move struct {
	Pin      int
	Position int
	Duration int
}

// Stop stops a single servo.
type Stop struct {
	Pin int
}

// StopAll stops every servo on a board.
type StopAll struct{}

// StatusRequest asks the board to report a servo's status frame.
type StatusRequest struct {
	Pin int
}

// SetAutoDetach changes the idle time after which a servo detaches.
type SetAutoDetach struct {
	Pin int
	Ms  int
}

// ForcePosition overwrites the board's notion of a servo's position.
type ForcePosition struct {
	Pin      int
	Position int
}

// SetVerbose toggles detailed reporting for a servo.
type SetVerbose struct {
	Pin int
	On  bool
}

// FeedbackCalibration configures a servo with positional feedback hardware.
type FeedbackCalibration struct {
	Pin          int
	MuxAddress   int
	MuxChannel   int
	MagnetOffset int
	Inverted     bool
	DegPerPos    float64
	Kp, Ki, Kd   float64
}

// PinsHigh sets auxiliary pins high.
type PinsHigh struct {
	Pins []int
}

// PinsLow sets auxiliary pins low.
type PinsLow struct {
	Pins []int
}

func line(op byte, fields ...string) []byte {
	var sb strings.Builder
	sb.WriteByte(op)
	for _, f := range fields {
		sb.WriteByte(',')
		sb.WriteString(f)
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}

func itoa(i int) string { return strconv.Itoa(i) }

func btoa(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func pins(p []int) []string {
	out := make([]string, len(p))
	for i, pin := range p {
		out[i] = itoa(pin)
	}
	return out
}

func (Assign) Opcode() byte { return OpAssign }

func (c Assign) Encode() []byte {
	return line(OpAssign, itoa(c.Pin), itoa(c.MinPos), itoa(c.MaxPos), itoa(c.RestPos),
		fmt.Sprintf("%.1f", c.AutoDetach), btoa(c.Inverted), itoa(c.LastPos), itoa(c.PowerPin))
}

func (Move) Opcode() byte { return OpMove }

// Encode zero-pads the fields to the widths the firmware parser expects.
func (c Move) Encode() []byte {
	return line(OpMove, fmt.Sprintf("%02d", c.Pin), fmt.Sprintf("%03d", c.Position), fmt.Sprintf("%04d", c.Duration))
}

func (Stop) Opcode() byte      { return OpStop }
func (c Stop) Encode() []byte  { return line(OpStop, itoa(c.Pin)) }
func (StopAll) Opcode() byte   { return OpStopAll }
func (StopAll) Encode() []byte { return line(OpStopAll) }

func (StatusRequest) Opcode() byte     { return OpStatus }
func (c StatusRequest) Encode() []byte { return line(OpStatus, itoa(c.Pin)) }

func (SetAutoDetach) Opcode() byte     { return OpAutoDetach }
func (c SetAutoDetach) Encode() []byte { return line(OpAutoDetach, itoa(c.Pin), itoa(c.Ms)) }

func (ForcePosition) Opcode() byte     { return OpForcePosition }
func (c ForcePosition) Encode() []byte { return line(OpForcePosition, itoa(c.Pin), itoa(c.Position)) }

func (SetVerbose) Opcode() byte     { return OpVerbose }
func (c SetVerbose) Encode() []byte { return line(OpVerbose, itoa(c.Pin), btoa(c.On)) }

func (FeedbackCalibration) Opcode() byte { return OpFeedback }

func (c FeedbackCalibration) Encode() []byte {
	return line(OpFeedback, itoa(c.Pin), itoa(c.MuxAddress), itoa(c.MuxChannel), itoa(c.MagnetOffset),
		btoa(c.Inverted), ftoa(c.DegPerPos), ftoa(c.Kp), ftoa(c.Ki), ftoa(c.Kd))
}

func (PinsHigh) Opcode() byte     { return OpPinsHigh }
func (c PinsHigh) Encode() []byte { return line(OpPinsHigh, pins(c.Pins)...) }
func (PinsLow) Opcode() byte      { return OpPinsLow }
func (c PinsLow) Encode() []byte  { return line(OpPinsLow, pins(c.Pins)...) }
