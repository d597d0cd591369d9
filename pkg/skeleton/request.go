package skeleton

import (
	"github.com/pkg/errors"
)

// ErrUnknownRequest is returned for a request kind the controller does not
// handle. It ends the controller.
var ErrUnknownRequest = errors.New("skeleton: unknown request")

// Request is a command for the skeleton. The set of requests is closed; the
// types below are all there is.
type Request interface {
	// Kind is the name of the request in the JSON envelope.
	Kind() string
	request()
}

// Assign defines a servo on its board with a given start position.
type Assign struct {
	Servo    string
	Position int
}

// Reassign defines a servo on its board again at its current position.
type Reassign struct {
	Servo string
}

// Position moves a servo to a raw position. Moves that are not sequential
// skip the queue and replace whatever the servo is doing.
type Position struct {
	Servo      string
	Position   int
	Duration   int
	Sequential bool
}

// Degrees moves a servo to an angle.
type Degrees struct {
	Servo      string
	Degrees    float64
	Duration   int
	Sequential bool
}

// Stop stops a servo and drops its queued moves.
type Stop struct {
	Servo string
}

// StopAll stops every servo.
type StopAll struct{}

// Rest moves a servo to its rest position.
type Rest struct {
	Servo string
}

// RestAll moves every enabled servo to its rest position.
type RestAll struct{}

// Verbose toggles detailed board reports for a servo.
type Verbose struct {
	Servo string
	On    bool
}

// AutoDetach sets the idle time after which a servo detaches.
type AutoDetach struct {
	Servo string
	Ms    int
}

// ForcePosition overwrites the position the board assumes for a servo.
type ForcePosition struct {
	Servo    string
	Position int
}

// StatusRequest asks the board for a status report of a servo.
type StatusRequest struct {
	Servo string
}

// StartSwipe starts swiping a servo between its bounds.
type StartSwipe struct {
	Servo string
}

// StopSwipe ends a swipe.
type StopSwipe struct {
	Servo string
}

// UpdatePID changes the controller gains of a feedback servo.
type UpdatePID struct {
	Servo      string
	Kp, Ki, Kd float64
}

// PinsHigh sets auxiliary pins of the first board high.
type PinsHigh struct {
	Pins []int
}

// PinsLow sets auxiliary pins of the first board low.
type PinsLow struct {
	Pins []int
}

func (Assign) Kind() string        { return "assign" }
func (Reassign) Kind() string      { return "reassign" }
func (Position) Kind() string      { return "position" }
func (Degrees) Kind() string       { return "degrees" }
func (Stop) Kind() string          { return "stop" }
func (StopAll) Kind() string       { return "stopAll" }
func (Rest) Kind() string          { return "rest" }
func (RestAll) Kind() string       { return "restAll" }
func (Verbose) Kind() string       { return "verbose" }
func (AutoDetach) Kind() string    { return "autoDetach" }
func (ForcePosition) Kind() string { return "forcePosition" }
func (StatusRequest) Kind() string { return "status" }
func (StartSwipe) Kind() string    { return "startSwipe" }
func (StopSwipe) Kind() string     { return "stopSwipe" }
func (UpdatePID) Kind() string     { return "updatePID" }
func (PinsHigh) Kind() string      { return "pinsHigh" }
func (PinsLow) Kind() string       { return "pinsLow" }

func (Assign) request()        {}
func (Reassign) request()      {}
func (Position) request()      {}
func (Degrees) request()       {}
func (Stop) request()          {}
func (StopAll) request()       {}
func (Rest) request()          {}
func (RestAll) request()       {}
func (Verbose) request()       {}
func (AutoDetach) request()    {}
func (ForcePosition) request() {}
func (StatusRequest) request() {}
func (StartSwipe) request()    {}
func (StopSwipe) request()     {}
func (UpdatePID) request()     {}
func (PinsHigh) request()      {}
func (PinsLow) request()       {}

// Envelope is the JSON form of a request.
type Envelope struct {
	Kind       string   `json:"kind"`
	Servo      string   `json:"servo,omitempty"`
	Position   *int     `json:"position,omitempty"`
	Degrees    *float64 `json:"degrees,omitempty"`
	Duration   int      `json:"duration,omitempty"`
	Sequential *bool    `json:"sequential,omitempty"`
	On         bool     `json:"on,omitempty"`
	Ms         int      `json:"ms,omitempty"`
	Kp         float64  `json:"kp,omitempty"`
	Ki         float64  `json:"ki,omitempty"`
	Kd         float64  `json:"kd,omitempty"`
	Pins       []int    `json:"pins,omitempty"`
}

// ErrInvalidRequest is returned for an envelope that lacks a field its kind
// needs.
var ErrInvalidRequest = errors.New("skeleton: invalid request")

// Request converts the envelope into a request. Moves are sequential unless
// the envelope says otherwise.
func (e Envelope) Request() (Request, error) {
	needServo := func(r Request) (Request, error) {
		if e.Servo == "" {
			return nil, errors.Wrapf(ErrInvalidRequest, "%s needs a servo", e.Kind)
		}
		return r, nil
	}
	needPosition := func() (int, error) {
		if e.Position == nil {
			return 0, errors.Wrapf(ErrInvalidRequest, "%s needs a position", e.Kind)
		}
		return *e.Position, nil
	}
	sequential := e.Sequential == nil || *e.Sequential

	switch e.Kind {
	case "assign":
		if e.Position == nil {
			return needServo(Reassign{Servo: e.Servo})
		}
		return needServo(Assign{Servo: e.Servo, Position: *e.Position})
	case "reassign":
		return needServo(Reassign{Servo: e.Servo})
	case "position":
		pos, err := needPosition()
		if err != nil {
			return nil, err
		}
		return needServo(Position{Servo: e.Servo, Position: pos, Duration: e.Duration, Sequential: sequential})
	case "degrees":
		if e.Degrees == nil {
			return nil, errors.Wrap(ErrInvalidRequest, "degrees needs an angle")
		}
		return needServo(Degrees{Servo: e.Servo, Degrees: *e.Degrees, Duration: e.Duration, Sequential: sequential})
	case "stop":
		return needServo(Stop{Servo: e.Servo})
	case "stopAll":
		return StopAll{}, nil
	case "rest":
		return needServo(Rest{Servo: e.Servo})
	case "restAll":
		return RestAll{}, nil
	case "verbose":
		return needServo(Verbose{Servo: e.Servo, On: e.On})
	case "autoDetach":
		return needServo(AutoDetach{Servo: e.Servo, Ms: e.Ms})
	case "forcePosition":
		pos, err := needPosition()
		if err != nil {
			return nil, err
		}
		return needServo(ForcePosition{Servo: e.Servo, Position: pos})
	case "status":
		return needServo(StatusRequest{Servo: e.Servo})
	case "startSwipe":
		return needServo(StartSwipe{Servo: e.Servo})
	case "stopSwipe":
		return needServo(StopSwipe{Servo: e.Servo})
	case "updatePID":
		return needServo(UpdatePID{Servo: e.Servo, Kp: e.Kp, Ki: e.Ki, Kd: e.Kd})
	case "pinsHigh":
		return PinsHigh{Pins: e.Pins}, nil
	case "pinsLow":
		return PinsLow{Pins: e.Pins}, nil
	}
	return nil, errors.Wrapf(ErrUnknownRequest, "%q", e.Kind)
}
