package skeleton

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/board/boardtest"
	"github.com/gwillem/skeleton/pkg/ingest"
	"github.com/gwillem/skeleton/pkg/motion"
	"github.com/gwillem/skeleton/pkg/persist"
	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/wire"
)

type fixture struct {
	ctrl  *Controller
	reg   *servo.Registry
	conns [Boards]*boardtest.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	defs := &servo.Definitions{
		Types: map[string]servo.Type{"std": {MinPos: 0, MaxPos: 180, MsPerDeg: 4}},
		Servos: map[string]servo.Static{
			"head.neck":   {Board: 0, Pin: 5, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Enabled: true, Type: "std"},
			"head.jaw":    {Board: 0, Pin: 6, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Enabled: true, Type: "std", Bufferless: true},
			"head.eyelid": {Board: 0, Pin: 9, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Type: "std"},
			"leftArm.omo": {Board: 1, Pin: 7, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Enabled: true, Type: "std"},
		},
		Feedback: map[string]servo.FeedbackConfig{"head.neck": {MuxAddress: 112}},
	}
	positions := map[string]int{"head.neck": 90, "head.jaw": 90, "leftArm.omo": 90}
	reg, err := servo.NewRegistry(defs, positions, logger)
	test.That(t, err, test.ShouldBeNil)

	clk := clock.New()
	sender := board.NewSender(Boards, clk, logger)
	f := &fixture{reg: reg}
	for i := range f.conns {
		f.conns[i] = boardtest.NewConn()
		test.That(t, sender.Attach(i, f.conns[i], "/dev/fake"), test.ShouldBeNil)
	}
	f.ctrl = NewController(Options{
		Registry:  reg,
		Sender:    sender,
		Positions: persist.New(filepath.Join(t.TempDir(), persist.DefaultFile), positions, logger),
		Clock:     clk,
		Logger:    logger,
	})
	return f
}

func (f *fixture) waitLines(t *testing.T, b, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(f.conns[b].Lines()) < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	lines := f.conns[b].Lines()
	test.That(t, len(lines), test.ShouldBeGreaterThanOrEqualTo, n)
	return lines
}

func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }
func boolp(b bool) *bool        { return &b }

func TestEnvelope(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want Request
		err  error
	}{
		{"position", Envelope{Kind: "position", Servo: "head.neck", Position: intp(120), Duration: 500},
			Position{Servo: "head.neck", Position: 120, Duration: 500, Sequential: true}, nil},
		{"direct position", Envelope{Kind: "position", Servo: "head.neck", Position: intp(120), Sequential: boolp(false)},
			Position{Servo: "head.neck", Position: 120}, nil},
		{"degrees", Envelope{Kind: "degrees", Servo: "head.neck", Degrees: floatp(45.5)},
			Degrees{Servo: "head.neck", Degrees: 45.5, Sequential: true}, nil},
		{"assign", Envelope{Kind: "assign", Servo: "head.neck", Position: intp(10)}, Assign{Servo: "head.neck", Position: 10}, nil},
		{"reassign", Envelope{Kind: "reassign", Servo: "head.neck"}, Reassign{Servo: "head.neck"}, nil},
		{"stop all", Envelope{Kind: "stopAll"}, StopAll{}, nil},
		{"rest all", Envelope{Kind: "restAll"}, RestAll{}, nil},
		{"pid", Envelope{Kind: "updatePID", Servo: "head.neck", Kp: 1, Ki: 0.5, Kd: 0.1},
			UpdatePID{Servo: "head.neck", Kp: 1, Ki: 0.5, Kd: 0.1}, nil},
		{"pins", Envelope{Kind: "pinsHigh", Pins: []int{3, 4}}, PinsHigh{Pins: []int{3, 4}}, nil},
		{"verbose", Envelope{Kind: "verbose", Servo: "head.jaw", On: true}, Verbose{Servo: "head.jaw", On: true}, nil},
		{"swipe", Envelope{Kind: "startSwipe", Servo: "head.jaw"}, StartSwipe{Servo: "head.jaw"}, nil},
		{"missing position", Envelope{Kind: "position", Servo: "head.neck"}, nil, ErrInvalidRequest},
		{"missing servo", Envelope{Kind: "stop"}, nil, ErrInvalidRequest},
		{"missing angle", Envelope{Kind: "degrees", Servo: "head.neck"}, nil, ErrInvalidRequest},
		{"unknown kind", Envelope{Kind: "dance", Servo: "head.neck"}, nil, ErrUnknownRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.env.Request()
			if tt.err != nil {
				test.That(t, errors.Is(err, tt.err), test.ShouldBeTrue)
				return
			}
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got, test.ShouldResemble, tt.want)
			test.That(t, got.Kind(), test.ShouldEqual, tt.env.Kind)
		})
	}

	// an assign without position keeps the current one
	got, err := Envelope{Kind: "assign", Servo: "head.neck"}.Request()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, Reassign{Servo: "head.neck"})
}

func TestHandleCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []Request{
		Position{Servo: "head.neck", Position: 120},
		Verbose{Servo: "head.neck", On: true},
		AutoDetach{Servo: "head.neck", Ms: 3000},
		ForcePosition{Servo: "head.neck", Position: 200},
		StatusRequest{Servo: "head.neck"},
		UpdatePID{Servo: "head.neck", Kp: 1, Ki: 2, Kd: 3},
		PinsHigh{Pins: []int{3, 4}},
		PinsLow{Pins: []int{3}},
		Stop{Servo: "head.neck"},
		Assign{Servo: "leftArm.omo", Position: 45},
	} {
		test.That(t, f.ctrl.Handle(ctx, req), test.ShouldBeNil)
	}

	test.That(t, f.conns[0].Lines(), test.ShouldResemble, []string{
		"1,05,120,0120",
		"7,5,1",
		"5,5,3000",
		"6,5,180",
		"4,5",
		"8,5,112,0,0,0,0,1,2,3",
		"h,3,4",
		"l,3",
		"2,5",
	})
	test.That(t, f.conns[1].Lines(), test.ShouldResemble, []string{"0,7,0,180,90,0.0,0,45,0"})

	c, err := f.reg.Current("head.neck")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Verbose, test.ShouldBeTrue)
	test.That(t, c.AutoDetach, test.ShouldBeTrue)
	test.That(t, c.Position, test.ShouldEqual, 180)

	fb, ok := f.reg.Feedback("head.neck")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fb.Kd, test.ShouldEqual, 3.0)

	c, err = f.reg.Current("leftArm.omo")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Position, test.ShouldEqual, 45)
}

func TestHandleQueuedMoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.ctrl.Handle(ctx, Degrees{Servo: "leftArm.omo", Degrees: 100, Duration: 10, Sequential: true}), test.ShouldBeNil)
	test.That(t, f.ctrl.Handle(ctx, Position{Servo: "leftArm.omo", Position: 30, Sequential: true}), test.ShouldBeNil)
	test.That(t, f.conns[1].Lines(), test.ShouldBeEmpty)
	test.That(t, f.ctrl.Scheduler().Queued("leftArm.omo"), test.ShouldEqual, 2)

	test.That(t, f.ctrl.Scheduler().Admit(ctx), test.ShouldBeNil)
	test.That(t, f.conns[1].Lines(), test.ShouldResemble, []string{"1,07,100,0040"})

	test.That(t, f.ctrl.Handle(ctx, StopAll{}), test.ShouldBeNil)
	test.That(t, f.ctrl.Scheduler().Queued("leftArm.omo"), test.ShouldEqual, 0)
	test.That(t, f.conns[0].Lines(), test.ShouldResemble, []string{"3"})
	test.That(t, f.conns[1].Lines()[1], test.ShouldEqual, "3")
}

func TestHandleIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// too small, disabled and at rest already
	test.That(t, f.ctrl.Handle(ctx, Position{Servo: "head.neck", Position: 91}), test.ShouldBeNil)
	test.That(t, f.ctrl.Handle(ctx, Position{Servo: "head.eyelid", Position: 10}), test.ShouldBeNil)
	test.That(t, f.ctrl.Handle(ctx, Assign{Servo: "head.eyelid", Position: 10}), test.ShouldBeNil)
	test.That(t, f.ctrl.Handle(ctx, StartSwipe{Servo: "head.eyelid"}), test.ShouldBeNil)
	test.That(t, f.ctrl.Handle(ctx, RestAll{}), test.ShouldBeNil)
	test.That(t, f.conns[0].Lines(), test.ShouldBeEmpty)
	eyelid, err := f.ctrl.Servo("head.eyelid")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, eyelid.Swiping, test.ShouldBeFalse)
	test.That(t, f.ctrl.Scheduler().Queued("head.neck"), test.ShouldEqual, 0)

	err = f.ctrl.Handle(ctx, Stop{Servo: "tail"})
	test.That(t, errors.Is(err, servo.ErrUnknownServo), test.ShouldBeTrue)

	err = f.ctrl.Handle(ctx, nil)
	test.That(t, errors.Is(err, ErrUnknownRequest), test.ShouldBeTrue)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	events := f.ctrl.Events()
	test.That(t, events, test.ShouldHaveLength, Boards+4)
	test.That(t, events[0].Board.Name, test.ShouldEqual, "S0")
	test.That(t, events[1].Board.Connected, test.ShouldBeTrue)
	test.That(t, events[2].Servo, test.ShouldEqual, "head.eyelid")
	test.That(t, events[3].State.Position, test.ShouldEqual, 90)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()

	lines := f.waitLines(t, 0, 3)
	test.That(t, lines[:3], test.ShouldResemble, []string{
		"0,6,0,180,90,0.0,0,90,0",
		"0,5,0,180,90,0.0,0,90,0",
		"8,5,112,0,0,0,0,0,0,0",
	})
	test.That(t, f.waitLines(t, 1, 1)[0], test.ShouldEqual, "0,7,0,180,90,0.0,0,90,0")

	test.That(t, f.ctrl.Do(ctx, Position{Servo: "head.neck", Position: 130, Sequential: true}), test.ShouldBeNil)
	test.That(t, f.waitLines(t, 0, 4)[3], test.ShouldEqual, "1,05,130,0160")

	f.conns[0].Feed(wire.EncodeStatus(wire.Status{Pin: 5, Assigned: true, TargetReached: true, Position: 130}))
	deadline := time.Now().Add(2 * time.Second)
	for f.ctrl.Scheduler().State("head.neck") != motion.Idle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	c, err := f.reg.Current("head.neck")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Position, test.ShouldEqual, 130)
	test.That(t, c.InRequestList, test.ShouldBeFalse)

	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestRunFatal(t *testing.T) {
	f := newFixture(t)
	f.conns[1].SetReadErr(io.ErrUnexpectedEOF)

	err := f.ctrl.Run(context.Background())
	var fatal *ingest.FatalError
	test.That(t, errors.As(err, &fatal), test.ShouldBeTrue)
	test.That(t, fatal.Board, test.ShouldEqual, 1)
}

func TestRunUnknownRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()

	err := f.ctrl.Do(ctx, nil)
	test.That(t, errors.Is(err, ErrUnknownRequest), test.ShouldBeTrue)
	select {
	case err := <-done:
		test.That(t, errors.Is(err, ErrUnknownRequest), test.ShouldBeTrue)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)

	cfg, err := LoadConfigFrom(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Boards[1].Baud, test.ShouldEqual, board.DefaultBaudRate)
	test.That(t, cfg.SustainFactor, test.ShouldEqual, 4.0)

	cfg.Boards[0].Port = "/dev/ttyACM0"
	cfg.DefinitionsDir = dir
	cfg.SustainFactor = 0
	test.That(t, cfg.SaveTo(path), test.ShouldBeNil)

	t.Setenv("SKELETON_PORT_1", "/dev/ttyUSB1")
	t.Setenv("SKELETON_SWIPE_FACTOR", "3")
	t.Setenv("SKELETON_HTTP_ADDR", ":9000")
	cfg, err = LoadConfigFrom(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Boards[0].Port, test.ShouldEqual, "/dev/ttyACM0")
	test.That(t, cfg.Boards[1].Port, test.ShouldEqual, "/dev/ttyUSB1")
	test.That(t, cfg.SustainFactor, test.ShouldEqual, 3.0)
	test.That(t, cfg.ApproachFactor, test.ShouldEqual, 2.0)
	test.That(t, cfg.HTTPAddr, test.ShouldEqual, ":9000")
	test.That(t, cfg.PositionsPath(), test.ShouldEqual, filepath.Join(dir, persist.DefaultFile))

	test.That(t, os.WriteFile(path, []byte("{"), 0o644), test.ShouldBeNil)
	_, err = LoadConfigFrom(path)
	test.That(t, err, test.ShouldNotBeNil)
}
