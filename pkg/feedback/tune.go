package feedback

import (
	"context"

	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/wire"
)

// Sender delivers commands to a board.
type Sender interface {
	Send(ctx context.Context, board int, cmd wire.Command) error
}

// Calibration builds the calibration command of a feedback servo.
func Calibration(pin int, fb servo.FeedbackConfig) wire.FeedbackCalibration {
	return wire.FeedbackCalibration{
		Pin:          pin,
		MuxAddress:   fb.MuxAddress,
		MuxChannel:   fb.MuxChannel,
		MagnetOffset: fb.MagnetOffset,
		Inverted:     fb.Inverted,
		DegPerPos:    fb.DegPerPos,
		Kp:           fb.Kp,
		Ki:           fb.Ki,
		Kd:           fb.Kd,
	}
}

// SendCalibration sends the feedback configuration of servo name to its
// board.
func SendCalibration(ctx context.Context, reg *servo.Registry, sender Sender, name string) error {
	s, _, _, err := reg.Get(name)
	if err != nil {
		return err
	}
	fb, ok := reg.Feedback(name)
	if !ok {
		return nil
	}
	return sender.Send(ctx, s.Board, Calibration(s.Pin, fb))
}

// UpdatePID stores new controller gains for servo name and sends the
// updated configuration to its board.
func UpdatePID(ctx context.Context, reg *servo.Registry, sender Sender, name string, kp, ki, kd float64) error {
	s, _, _, err := reg.Get(name)
	if err != nil {
		return err
	}
	fb, err := reg.SetGains(name, kp, ki, kd)
	if err != nil {
		return err
	}
	return sender.Send(ctx, s.Board, Calibration(s.Pin, fb))
}
