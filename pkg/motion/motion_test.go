package motion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/gwillem/skeleton/pkg/servo"
	"github.com/gwillem/skeleton/pkg/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	lines     map[int][]string
	connected map[int]bool
	fail      error
}

func newFakeSender() *fakeSender {
	return &fakeSender{lines: make(map[int][]string), connected: map[int]bool{0: true, 1: true}}
}

func (f *fakeSender) Send(_ context.Context, board int, cmd wire.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	msg := cmd.Encode()
	f.lines[board] = append(f.lines[board], string(msg[:len(msg)-1]))
	return nil
}

func (f *fakeSender) Boards() int { return 2 }

func (f *fakeSender) Connected(board int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[board]
}

func (f *fakeSender) sent(board int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines[board]...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = make(map[int][]string)
}

type fakeTracer struct {
	opened    []string
	discarded []string
}

func (f *fakeTracer) Open(name string, from, to int, speedRate float64) {
	f.opened = append(f.opened, fmt.Sprintf("%s %d->%d %.2f", name, from, to, speedRate))
}

func (f *fakeTracer) Discard(name string) {
	f.discarded = append(f.discarded, name)
}

type fakePublisher struct {
	mu      sync.Mutex
	updates map[string]servo.Current
}

func (f *fakePublisher) PublishServo(name string, c servo.Current) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = make(map[string]servo.Current)
	}
	f.updates[name] = c
}

func (f *fakePublisher) last(name string) servo.Current {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[name]
}

type fixture struct {
	reg    *servo.Registry
	sender *fakeSender
	tracer *fakeTracer
	pub    *fakePublisher
	clock  *clock.Mock
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	defs := &servo.Definitions{
		Types: map[string]servo.Type{
			"std": {MinPos: 0, MaxPos: 180, MsPerDeg: 10},
		},
		Servos: map[string]servo.Static{
			"rightArm.rotate": {Board: 1, Pin: 5, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Enabled: true, Type: "std"},
			"rightArm.bicep":  {Board: 1, Pin: 7, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Enabled: true, Type: "std"},
			"head.neck":       {Board: 0, Pin: 9, MaxPos: 180, MaxDeg: 180, RestDeg: 90, Enabled: true, Type: "std"},
			"head.jaw":        {Board: 0, Pin: 11, MinPos: 20, MaxPos: 120, MinDeg: 20, MaxDeg: 120, Enabled: true, Type: "std", Bufferless: true},
			"head.eyelid":     {Board: 0, Pin: 12, MaxPos: 180, MaxDeg: 180, Enabled: false, Type: "std"},
		},
		Feedback: map[string]servo.FeedbackConfig{
			"head.neck": {MuxAddress: 112},
		},
	}
	positions := map[string]int{"rightArm.rotate": 90, "rightArm.bicep": 90, "head.neck": 90, "head.jaw": 90}
	reg, err := servo.NewRegistry(defs, positions, zaptest.NewLogger(t).Sugar())
	test.That(t, err, test.ShouldBeNil)

	f := &fixture{
		reg:    reg,
		sender: newFakeSender(),
		tracer: &fakeTracer{},
		pub:    &fakePublisher{},
		clock:  clock.NewMock(),
	}
	f.sched = NewScheduler(reg, f.sender, f.tracer, f.pub, f.clock, zaptest.NewLogger(t).Sugar())
	return f
}

func TestNewPlan(t *testing.T) {
	st := servo.Static{MaxPos: 180, MaxDeg: 180, Enabled: true}
	d := servo.Derive(st, servo.Type{MsPerDeg: 10})

	tests := []struct {
		name     string
		from, to int
		duration int
		want     Plan
		err      error
	}{
		{"raised to top speed", 90, 100, 50, Plan{From: 90, To: 100, Duration: 100, SpeedRate: 0.5}, nil},
		{"slower than top speed", 90, 100, 400, Plan{From: 90, To: 100, Duration: 400, SpeedRate: 0.25}, nil},
		{"exact top speed", 100, 90, 100, Plan{From: 100, To: 90, Duration: 100, SpeedRate: 1}, nil},
		{"capped", 0, 180, 20000, Plan{From: 0, To: 180, Duration: MaxDuration, SpeedRate: 1800.0 / MaxDuration}, nil},
		{"target clamped", 170, 250, 0, Plan{From: 170, To: 180, Duration: 100, SpeedRate: 1}, nil},
		{"jitter", 90, 91, 500, Plan{}, ErrNoop},
		{"no move", 90, 90, 500, Plan{}, ErrNoop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewPlan(st, d, tt.from, tt.to, tt.duration)
			if tt.err != nil {
				test.That(t, err, test.ShouldEqual, tt.err)
				return
			}
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.From, test.ShouldEqual, tt.want.From)
			test.That(t, got.To, test.ShouldEqual, tt.want.To)
			test.That(t, got.Duration, test.ShouldEqual, tt.want.Duration)
			test.That(t, got.SpeedRate, test.ShouldAlmostEqual, tt.want.SpeedRate)
		})
	}

	st.Enabled = false
	_, err := NewPlan(st, d, 0, 100, 1000)
	test.That(t, err, test.ShouldEqual, ErrDisabled)
}

func TestMoveRaisesDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 100, 50, true), test.ShouldBeNil)
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Queued)
	test.That(t, f.sender.sent(1), test.ShouldBeEmpty)

	c, err := f.reg.Current("rightArm.rotate")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.InRequestList, test.ShouldBeTrue)
	test.That(t, f.pub.last("rightArm.rotate").InRequestList, test.ShouldBeTrue)

	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldResemble, []string{"1,05,100,0100"})
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Active)

	c, err = f.reg.Current("rightArm.rotate")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.TargetPosition, test.ShouldEqual, 100)
	test.That(t, c.LastMoveRequest, test.ShouldEqual, f.clock.Now())
}

func TestMoveRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.sched.Move(ctx, "rightArm.rotate", 91, 500, true)
	test.That(t, errors.Is(err, ErrNoop), test.ShouldBeTrue)
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Idle)

	err = f.sched.Move(ctx, "head.eyelid", 100, 500, true)
	test.That(t, errors.Is(err, ErrDisabled), test.ShouldBeTrue)

	err = f.sched.Move(ctx, "tail", 100, 500, true)
	test.That(t, errors.Is(err, servo.ErrUnknownServo), test.ShouldBeTrue)

	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(0), test.ShouldBeEmpty)
	test.That(t, f.sender.sent(1), test.ShouldBeEmpty)
}

func TestFIFOPerServo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 100, 500, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 120, 500, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "rightArm.bicep", 10, 1000, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 140, 500, true), test.ShouldBeNil)

	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldResemble, []string{"1,05,100,0500", "1,07,010,1000"})
	test.That(t, f.sched.Queued("rightArm.rotate"), test.ShouldEqual, 2)

	// one move in flight per servo
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldHaveLength, 2)

	f.sched.OnTargetReached("rightArm.rotate")
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Queued)
	c, _ := f.reg.Current("rightArm.rotate")
	test.That(t, c.InRequestList, test.ShouldBeTrue)

	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	f.sched.OnTargetReached("rightArm.rotate")
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldResemble, []string{
		"1,05,100,0500", "1,07,010,1000", "1,05,120,0500", "1,05,140,0500",
	})

	f.sched.OnTargetReached("rightArm.rotate")
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Idle)
	c, _ = f.reg.Current("rightArm.rotate")
	test.That(t, c.InRequestList, test.ShouldBeFalse)

	// a stray target reached of an idle servo changes nothing
	f.sched.OnTargetReached("rightArm.bicep")
	f.sched.OnTargetReached("rightArm.bicep")
	test.That(t, f.sched.State("rightArm.bicep"), test.ShouldEqual, Idle)
}

func TestBufferless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.sched.Move(ctx, "head.jaw", 100, 0, true), test.ShouldBeNil)
	test.That(t, f.sender.sent(0), test.ShouldResemble, []string{"1,11,100,0100"})
	test.That(t, f.sched.State("head.jaw"), test.ShouldEqual, Idle)

	// compared with the last request, not the reported position
	err := f.sched.Move(ctx, "head.jaw", 101, 0, true)
	test.That(t, errors.Is(err, ErrNoop), test.ShouldBeTrue)

	test.That(t, f.sched.Move(ctx, "head.jaw", 60, 0, true), test.ShouldBeNil)
	test.That(t, f.sender.sent(0), test.ShouldResemble, []string{"1,11,100,0100", "1,11,060,0400"})

	c, err := f.reg.Current("head.jaw")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.InRequestList, test.ShouldBeFalse)
	test.That(t, c.TargetPosition, test.ShouldEqual, 60)
}

func TestNonSequentialBypassesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.sched.Move(ctx, "rightArm.bicep", 150, 1000, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 30, 1000, false), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldResemble, []string{"1,05,030,1000"})
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Idle)
	test.That(t, f.sched.State("rightArm.bicep"), test.ShouldEqual, Queued)
}

func TestStopPurgesQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.sched.Move(ctx, "head.neck", 120, 500, true), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	for _, pos := range []int{10, 50, 170} {
		test.That(t, f.sched.Move(ctx, "head.neck", pos, 500, true), test.ShouldBeNil)
	}
	test.That(t, f.sched.Queued("head.neck"), test.ShouldEqual, 3)
	_, err := f.reg.Update("head.neck", func(c *servo.Current) { c.Swiping = true })
	test.That(t, err, test.ShouldBeNil)

	test.That(t, f.sched.Stop(ctx, "head.neck"), test.ShouldBeNil)
	test.That(t, f.sched.Queued("head.neck"), test.ShouldEqual, 0)
	test.That(t, f.sched.State("head.neck"), test.ShouldEqual, Idle)

	c, err := f.reg.Current("head.neck")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.InRequestList, test.ShouldBeFalse)
	test.That(t, c.Swiping, test.ShouldBeFalse)

	sent := f.sender.sent(0)
	test.That(t, sent[len(sent)-1], test.ShouldEqual, "2,9")
	test.That(t, f.tracer.discarded, test.ShouldResemble, []string{"head.neck"})

	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(0), test.ShouldHaveLength, len(sent))
}

func TestStopAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.connected[1] = false

	test.That(t, f.sched.Move(ctx, "head.neck", 120, 500, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 120, 500, true), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "head.neck", 10, 500, true), test.ShouldBeNil)
	f.sender.reset()

	test.That(t, f.sched.StopAll(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(0), test.ShouldResemble, []string{"3"})
	test.That(t, f.sender.sent(1), test.ShouldBeEmpty)
	for _, name := range f.reg.Names() {
		test.That(t, f.sched.State(name), test.ShouldEqual, Idle)
	}
}

func TestDispatchOpensTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	test.That(t, f.sched.Move(ctx, "head.neck", 110, 800, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 110, 800, true), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.tracer.opened, test.ShouldResemble, []string{"head.neck 90->110 0.25"})
}

func TestDispatchSendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writeErr := errors.New("write failed")

	test.That(t, f.sched.Move(ctx, "head.neck", 120, 500, true), test.ShouldBeNil)
	test.That(t, f.sched.Move(ctx, "head.neck", 140, 500, true), test.ShouldBeNil)
	f.sender.fail = writeErr
	test.That(t, errors.Is(f.sched.Admit(ctx), writeErr), test.ShouldBeTrue)
	test.That(t, f.sched.State("head.neck"), test.ShouldEqual, Queued)
	test.That(t, f.tracer.discarded, test.ShouldResemble, []string{"head.neck"})

	f.sender.fail = nil
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sched.State("head.neck"), test.ShouldEqual, Active)
	test.That(t, f.sender.sent(0), test.ShouldResemble, []string{"1,09,140,0500"})

	f.sched.OnTargetReached("head.neck")
	test.That(t, f.sched.Move(ctx, "rightArm.rotate", 120, 500, true), test.ShouldBeNil)
	f.sender.fail = writeErr
	test.That(t, errors.Is(f.sched.Admit(ctx), writeErr), test.ShouldBeTrue)
	test.That(t, f.sched.State("rightArm.rotate"), test.ShouldEqual, Idle)
	c, err := f.reg.Current("rightArm.rotate")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.InRequestList, test.ShouldBeFalse)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	test.That(t, f.sched.Move(ctx, "head.neck", 120, 500, true), test.ShouldBeNil)
	deadline := time.Now().Add(2 * time.Second)
	for len(f.sender.sent(0)) == 0 && time.Now().Before(deadline) {
		f.clock.Add(TickInterval)
		time.Sleep(time.Millisecond)
	}
	test.That(t, f.sender.sent(0), test.ShouldResemble, []string{"1,09,120,0500"})

	cancel()
	test.That(t, errors.Is(<-done, context.Canceled), test.ShouldBeTrue)
}

func TestSwipe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewSwipe(f.sched, f.reg, f.pub, zaptest.NewLogger(t).Sugar())

	test.That(t, w.Start(ctx, "rightArm.bicep"), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldResemble, []string{"1,07,000,3600"})

	// the board reports the first leg finished close to the minimum
	_, _, err := f.reg.Apply("rightArm.bicep", &wire.Status{Pin: 7, Position: 1})
	test.That(t, err, test.ShouldBeNil)
	f.sched.OnTargetReached("rightArm.bicep")
	test.That(t, w.Continue(ctx, "rightArm.bicep", 1), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1)[1], test.ShouldEqual, "1,07,180,7200")

	_, _, err = f.reg.Apply("rightArm.bicep", &wire.Status{Pin: 7, Position: 179})
	test.That(t, err, test.ShouldBeNil)
	f.sched.OnTargetReached("rightArm.bicep")
	test.That(t, w.Continue(ctx, "rightArm.bicep", 179), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1)[2], test.ShouldEqual, "1,07,000,7200")

	// interrupted between the bounds, heads back to the minimum
	_, _, err = f.reg.Apply("rightArm.bicep", &wire.Status{Pin: 7, Position: 90})
	test.That(t, err, test.ShouldBeNil)
	f.sched.OnTargetReached("rightArm.bicep")
	test.That(t, w.Continue(ctx, "rightArm.bicep", 90), test.ShouldBeNil)
	test.That(t, f.sched.Queued("rightArm.bicep"), test.ShouldEqual, 1)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1)[3], test.ShouldEqual, "1,07,000,7200")

	_, _, err = f.reg.Apply("rightArm.bicep", &wire.Status{Pin: 7, Position: 0})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, w.Stop(ctx, "rightArm.bicep"), test.ShouldBeNil)
	c, err := f.reg.Current("rightArm.bicep")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Swiping, test.ShouldBeFalse)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	sent := f.sender.sent(1)
	test.That(t, sent[len(sent)-2:], test.ShouldResemble, []string{"2,7", "1,07,090,1500"})

	// no swiping, no continuation
	test.That(t, w.Continue(ctx, "rightArm.bicep", 0), test.ShouldBeNil)
	test.That(t, f.sched.Queued("rightArm.bicep"), test.ShouldEqual, 0)
}

func TestStateString(t *testing.T) {
	test.That(t, Idle.String(), test.ShouldEqual, "idle")
	test.That(t, Queued.String(), test.ShouldEqual, "queued")
	test.That(t, Active.String(), test.ShouldEqual, "active")
}

func TestSwipeStartAtMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewSwipe(f.sched, f.reg, f.pub, zaptest.NewLogger(t).Sugar())

	_, _, err := f.reg.Apply("rightArm.rotate", &wire.Status{Pin: 5, Position: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Start(ctx, "rightArm.rotate"), test.ShouldBeNil)
	test.That(t, f.sched.Admit(ctx), test.ShouldBeNil)
	test.That(t, f.sender.sent(1), test.ShouldResemble, []string{"1,05,180,7200"})
}

func TestSwipeDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewSwipe(f.sched, f.reg, f.pub, zaptest.NewLogger(t).Sugar())

	err := w.Start(ctx, "head.eyelid")
	test.That(t, errors.Is(err, ErrDisabled), test.ShouldBeTrue)

	c, err := f.reg.Current("head.eyelid")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Swiping, test.ShouldBeFalse)
	test.That(t, f.pub.last("head.eyelid").Swiping, test.ShouldBeFalse)
	test.That(t, f.sched.Queued("head.eyelid"), test.ShouldEqual, 0)
	test.That(t, f.sender.sent(0), test.ShouldBeEmpty)
}
