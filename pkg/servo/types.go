// Package servo holds the servo definitions and the live state of every servo
// of the skeleton.
package servo

import "time"

// Type describes a servo model. Position bounds of a servo are clamped into
// the bounds of its type.
type Type struct {
	MinPos   int     `json:"typeMinPos"`
	MaxPos   int     `json:"typeMaxPos"`
	Inverted bool    `json:"typeInverted"`
	MsPerDeg float64 `json:"typeMsPerDegree"`
}

// Static is the configuration of a single servo. It does not change after
// the definitions are loaded.
type Static struct {
	Board      int     `json:"arduinoIndex"`
	Pin        int     `json:"pin"`
	MinPos     int     `json:"minPos"`
	MaxPos     int     `json:"maxPos"`
	MinDeg     int     `json:"minDeg"`
	MaxDeg     int     `json:"maxDeg"`
	RestDeg    int     `json:"restDeg"`
	AutoDetach float64 `json:"autoDetach"`
	Inverted   bool    `json:"inverted"`
	PowerPin   int     `json:"powerPin"`
	Enabled    bool    `json:"enabled"`
	Type       string  `json:"servoType"`

	// Bufferless servos skip the move queue. Their latest request replaces
	// whatever the servo is doing.
	Bufferless bool `json:"bufferless,omitempty"`
}

// Derived holds the values computed from a servo and its type.
type Derived struct {
	DegPerPos float64 `json:"degPerPos"`
	DegOffset float64 `json:"degOffset"`
	MsPerPos  float64 `json:"msPerPos"`
	PosRange  int     `json:"posRange"`
	UniqueID  int     `json:"servoUniqueId"`
	Inverted  bool    `json:"inverted"`
}

// Current is the live state of a servo as reported by its board.
type Current struct {
	Position        int     `json:"currentPosition"`
	Degrees         float64 `json:"currentDegrees"`
	TargetPosition  int     `json:"targetPosition"`
	WritePosition   int     `json:"servoWritePosition"`
	PlannedPosition int     `json:"plannedPosition"`
	Millis          int     `json:"millisAfterMoveStart"`

	Assigned      bool `json:"assigned"`
	Moving        bool `json:"moving"`
	Attached      bool `json:"attached"`
	AutoDetach    bool `json:"autoDetach"`
	Verbose       bool `json:"verbose"`
	Swiping       bool `json:"swiping"`
	InRequestList bool `json:"inRequestList"`

	LastMoveRequest time.Time `json:"timeOfLastMoveRequest"`
	LastShareUpdate time.Time `json:"timeOfLastShareUpdate"`
}

// Quiescent reports whether the servo neither moves nor waits for a queued
// move.
func (c Current) Quiescent() bool {
	return !c.Moving && !c.InRequestList
}

// FeedbackConfig describes the positional feedback hardware of a servo.
type FeedbackConfig struct {
	MuxAddress   int     `json:"i2cMultiplexerAddress"`
	MuxChannel   int     `json:"i2cMultiplexerChannel"`
	MagnetOffset int     `json:"magnetOffset"`
	Inverted     bool    `json:"inverted"`
	DegPerPos    float64 `json:"degPerPos"`
	Kp           float64 `json:"kp"`
	Ki           float64 `json:"ki"`
	Kd           float64 `json:"kd"`
}
