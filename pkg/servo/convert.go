package servo

import "math"

// Derive computes the conversion values of a servo.
func Derive(s Static, t Type) Derived {
	d := Derived{
		PosRange: s.MaxPos - s.MinPos,
		UniqueID: UniqueID(s.Board, s.Pin),
		Inverted: s.Inverted != t.Inverted,
	}
	if d.PosRange != 0 {
		d.DegPerPos = float64(s.MaxDeg-s.MinDeg) / float64(d.PosRange)
	}
	d.DegOffset = float64(s.MinDeg) - float64(s.MinPos)*d.DegPerPos
	d.MsPerPos = t.MsPerDeg * math.Abs(d.DegPerPos)
	return d
}

// UniqueID identifies a servo by board and pin in incoming telemetry.
func UniqueID(board, pin int) int {
	return board*100 + pin
}

// Degrees converts a raw position to degrees.
func (d Derived) Degrees(pos int) float64 {
	return float64(pos)*d.DegPerPos + d.DegOffset
}

// Position converts degrees to the nearest raw position. A servo without a
// position range maps every angle to 0.
func (d Derived) Position(deg float64) int {
	if d.DegPerPos == 0 {
		return 0
	}
	return int(math.Round((deg - d.DegOffset) / d.DegPerPos))
}

// Clamp limits pos to the servo's position range.
func (s Static) Clamp(pos int) int {
	return min(max(pos, s.MinPos), s.MaxPos)
}

// RestPosition is the raw position of the rest angle.
func (s Static) RestPosition(d Derived) int {
	return s.Clamp(d.Position(float64(s.RestDeg)))
}
