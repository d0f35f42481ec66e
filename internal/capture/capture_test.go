package capture

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micfeed/micfeed/internal/audio"
	"github.com/micfeed/micfeed/internal/encoder"
)

// Mock implementations for testing

type mockSource struct {
	mu       sync.Mutex
	reads    int
	failNext int // fail this many reads before succeeding
	started  bool
	stopped  bool
	closed   bool
	delay    time.Duration
}

func (m *mockSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mockSource) Read(dst []byte) (int, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.failNext > 0 {
		m.failNext--
		return 0, errors.New("simulated read failure")
	}
	return len(dst), nil
}

func (m *mockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type submission struct {
	bytes int
	pts   int64
	eos   bool
}

type mockSession struct {
	mu          sync.Mutex
	sampleRate  int
	channels    int
	subs        []submission
	drains      int
	finalDrains int
	releases    int
	events      []string // teardown ordering: "finalDrain", "release"
}

func (m *mockSession) Drain(finalFlush bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if finalFlush {
		m.finalDrains++
		m.events = append(m.events, "finalDrain")
	} else {
		m.drains++
	}
	return nil
}

func (m *mockSession) Input() (encoder.InputQueue, error) {
	return m, nil
}

func (m *mockSession) Enqueue(pcm []byte, ptsMicros int64, endOfStream bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, submission{bytes: len(pcm), pts: ptsMicros, eos: endOfStream})
	return nil
}

func (m *mockSession) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	m.events = append(m.events, "release")
	return nil
}

func (m *mockSession) SampleRate() int   { return m.sampleRate }
func (m *mockSession) ChannelCount() int { return m.channels }

func (m *mockSession) Submissions() []submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]submission, len(m.subs))
	copy(out, m.subs)
	return out
}

func (m *mockSession) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func testConfig() SessionConfig {
	return SessionConfig{
		ChannelCount: 1,
		Bitrate:      128000,
		SampleRate:   44100,
		Sink:         io.Discard,
	}
}

func newTestController(t *testing.T, src *mockSource, sess *mockSession) *Controller {
	t.Helper()
	c, err := NewController(testConfig(),
		func(SessionConfig) (audio.Source, error) { return src, nil },
		func(SessionConfig) (encoder.Session, error) { return sess, nil },
		zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

func waitStopped(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
}

func TestFeedScenarioFiftyQuanta(t *testing.T) {
	src := &mockSource{delay: 100 * time.Microsecond}
	sess := &mockSession{sampleRate: 44100, channels: 1}
	c := newTestController(t, src, sess)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !c.IsRecording() {
		t.Fatal("expected IsRecording true after Start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for sess.SubmissionCount() < 50 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sess.SubmissionCount() < 50 {
		t.Fatalf("expected at least 50 submissions, got %d", sess.SubmissionCount())
	}

	waitStopped(t, c.Stop())

	subs := sess.Submissions()

	// Exactly one end-of-stream submission, and it is last.
	eos := 0
	for _, s := range subs {
		if s.eos {
			eos++
		}
	}
	if eos != 1 {
		t.Fatalf("expected exactly one end-of-stream submission, got %d", eos)
	}
	if !subs[len(subs)-1].eos {
		t.Fatal("expected the end-of-stream submission to be last")
	}

	// Timestamps are non-decreasing from a zero anchor.
	for i, s := range subs {
		if s.pts < 0 {
			t.Fatalf("submission %d has negative timestamp %d", i, s.pts)
		}
		if i > 0 && s.pts < subs[i-1].pts {
			t.Fatalf("timestamp regressed at submission %d: %d < %d", i, s.pts, subs[i-1].pts)
		}
	}

	// Every read maps to one submission, including the final one.
	if src.Reads() != len(subs) {
		t.Fatalf("expected %d reads for %d submissions", len(subs), len(subs))
	}

	// One forced drain, then one release.
	if sess.finalDrains != 1 {
		t.Fatalf("expected exactly one final drain, got %d", sess.finalDrains)
	}
	if sess.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", sess.releases)
	}
	if len(sess.events) != 2 || sess.events[0] != "finalDrain" || sess.events[1] != "release" {
		t.Fatalf("expected final drain before release, got %v", sess.events)
	}

	if !src.stopped || !src.closed {
		t.Fatal("expected capture device to be stopped and closed")
	}
}

func TestDuplicateStartSpawnsOneWorker(t *testing.T) {
	src := &mockSource{delay: 100 * time.Microsecond}
	sess := &mockSession{sampleRate: 44100, channels: 1}

	var factoryCalls int
	c, err := NewController(testConfig(),
		func(SessionConfig) (audio.Source, error) {
			factoryCalls++
			return src, nil
		},
		func(SessionConfig) (encoder.Session, error) { return sess, nil },
		zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if factoryCalls != 1 {
		t.Fatalf("expected one source construction, got %d", factoryCalls)
	}
	if !c.IsRecording() {
		t.Fatal("duplicate start must not clear the recording request")
	}

	waitStopped(t, c.Stop())
}

func TestStopWithoutStartCompletesImmediately(t *testing.T) {
	c := newTestController(t, &mockSource{}, &mockSession{sampleRate: 44100, channels: 1})

	select {
	case <-c.Stop():
	case <-time.After(time.Second):
		t.Fatal("Stop without a worker should complete immediately")
	}
	if c.IsRecording() {
		t.Fatal("expected IsRecording false")
	}
}

func TestResetWhileRunningIsRefused(t *testing.T) {
	src := &mockSource{delay: 100 * time.Microsecond}
	sess := &mockSession{sampleRate: 44100, channels: 1}
	c := newTestController(t, src, sess)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := c.Reset(testConfig()); !errors.Is(err, ErrStillRunning) {
		t.Fatalf("expected ErrStillRunning, got %v", err)
	}

	waitStopped(t, c.Stop())
}

func TestResetReinitializesWithNewParameters(t *testing.T) {
	src := &mockSource{delay: 100 * time.Microsecond}

	var mu sync.Mutex
	var sessions []*mockSession
	var rates []int
	c, err := NewController(testConfig(),
		func(SessionConfig) (audio.Source, error) { return src, nil },
		func(cfg SessionConfig) (encoder.Session, error) {
			mu.Lock()
			defer mu.Unlock()
			s := &mockSession{sampleRate: cfg.SampleRate, channels: cfg.ChannelCount}
			sessions = append(sessions, s)
			rates = append(rates, cfg.SampleRate)
			return s, nil
		},
		zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	waitStopped(t, c.Stop())

	cfg := testConfig()
	cfg.SampleRate = 48000
	if err := c.Reset(cfg); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	mu.Lock()
	second := sessions[1]
	mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for second.SubmissionCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitStopped(t, c.Stop())

	if rates[1] != 48000 {
		t.Fatalf("expected second session at 48000 Hz, got %d", rates[1])
	}

	// Timestamps re-anchor at a new zero for the new session.
	subs := second.Submissions()
	if len(subs) == 0 {
		t.Fatal("expected submissions in second session")
	}
	for i, s := range subs {
		if s.pts < 0 {
			t.Fatalf("submission %d has negative timestamp %d", i, s.pts)
		}
		if i > 0 && s.pts < subs[i-1].pts {
			t.Fatalf("timestamp regressed at submission %d", i)
		}
	}
}

func TestReadErrorsSkipFrameAndContinue(t *testing.T) {
	src := &mockSource{delay: 100 * time.Microsecond, failNext: 3}
	sess := &mockSession{sampleRate: 44100, channels: 1}
	c := newTestController(t, src, sess)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sess.SubmissionCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitStopped(t, c.Stop())

	if sess.SubmissionCount() < 5 {
		t.Fatal("expected loop to continue submitting after read errors")
	}
	if src.Reads() != sess.SubmissionCount()+3 {
		t.Fatalf("expected %d reads (%d submissions + 3 failed), got %d",
			sess.SubmissionCount()+3, sess.SubmissionCount(), src.Reads())
	}

	select {
	case err := <-c.Errors():
		if err == nil {
			t.Fatal("expected a non-nil reported error")
		}
	default:
		t.Fatal("expected read failures on the error channel")
	}
}

func TestStartSurfacesSessionConstructionError(t *testing.T) {
	src := &mockSource{}
	c, err := NewController(testConfig(),
		func(SessionConfig) (audio.Source, error) { return src, nil },
		func(SessionConfig) (encoder.Session, error) { return nil, errors.New("codec unavailable") },
		zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	if err := c.Start(); err == nil {
		t.Fatal("expected session construction error from Start")
	}
	if c.IsRecording() {
		t.Fatal("failed start must clear the recording request")
	}

	// The spawned worker must still tear down the device.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		src.mu.Lock()
		closed := src.closed
		src.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected source to be closed after failed start")
}
