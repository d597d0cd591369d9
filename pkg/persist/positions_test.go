package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func TestLoadMissing(t *testing.T) {
	positions, err := Load(filepath.Join(t.TempDir(), DefaultFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, positions, test.ShouldBeEmpty)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	test.That(t, os.WriteFile(path, []byte("{"), 0o644), test.ShouldBeNil)
	_, err := Load(path)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFlushIfDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	p := New(path, map[string]int{"head.neck": 90}, zaptest.NewLogger(t).Sugar())

	// nothing changed, nothing written
	test.That(t, p.FlushIfDirty(), test.ShouldBeNil)
	_, err := os.Stat(path)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	p.MarkChanged("head.neck", 90)
	test.That(t, p.Dirty(), test.ShouldBeFalse)

	p.MarkChanged("head.neck", 120)
	p.MarkChanged("leftArm.omo", 33)
	test.That(t, p.Dirty(), test.ShouldBeTrue)
	test.That(t, p.FlushIfDirty(), test.ShouldBeNil)
	test.That(t, p.Dirty(), test.ShouldBeFalse)

	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, map[string]int{"head.neck": 120, "leftArm.omo": 33})

	pos, ok := p.Get("leftArm.omo")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pos, test.ShouldEqual, 33)
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", DefaultFile)
	p := New(path, nil, zaptest.NewLogger(t).Sugar())
	p.MarkChanged("head.neck", 10)
	test.That(t, p.FlushIfDirty(), test.ShouldNotBeNil)
	test.That(t, p.Dirty(), test.ShouldBeTrue)
}

func TestSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	p := New(path, nil, zaptest.NewLogger(t).Sugar())
	p.MarkChanged("head.jaw", 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Schedule(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.Dirty() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	test.That(t, p.Dirty(), test.ShouldBeFalse)

	// written on shutdown even if the job did not run again
	p.MarkChanged("head.jaw", 6)
	cancel()
	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not stop")
	}
	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded["head.jaw"], test.ShouldEqual, 6)
}
