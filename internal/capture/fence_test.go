package capture

import (
	"testing"
	"time"
)

func TestFenceFireUnblocksWaiter(t *testing.T) {
	f := newFence()

	if f.fired() {
		t.Fatal("new fence must start down")
	}

	unblocked := make(chan struct{})
	go func() {
		f.wait()
		close(unblocked)
	}()

	f.fire()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked")
	}
	if !f.fired() {
		t.Fatal("fence should report fired")
	}
}

func TestFenceDoubleFireIsSafe(t *testing.T) {
	f := newFence()
	f.fire()
	f.fire()
	f.wait() // must not block
}

func TestWorkerTimestampCompensatesFrameDuration(t *testing.T) {
	w := &worker{
		channels:   1,
		sampleRate: 44100,
		startTime:  time.Now().Add(-time.Second),
	}

	// 2048 bytes of mono 16-bit PCM = 1024 samples ≈ 23220 µs of audio.
	pts := w.timestamp(2048)

	elapsed := int64(1e6)
	frameDur := int64(1024) * 1e6 / 44100
	want := elapsed - frameDur

	if pts < want-50000 || pts > want+50000 {
		t.Fatalf("expected pts near %d µs, got %d", want, pts)
	}

	// A later frame must never stamp earlier.
	next := w.timestamp(2048)
	if next < pts {
		t.Fatalf("timestamp regressed: %d < %d", next, pts)
	}
}

func TestWorkerTimestampClampsToZeroAnchor(t *testing.T) {
	w := &worker{
		channels:   1,
		sampleRate: 44100,
		startTime:  time.Now(),
	}

	// Immediately after the anchor the compensation term exceeds elapsed
	// time; the stamp clamps at the session zero instead of going negative.
	if pts := w.timestamp(2048); pts != 0 {
		t.Fatalf("expected first timestamp clamped to 0, got %d", pts)
	}
}
