package capture

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/micfeed/micfeed/internal/audio"
	"github.com/micfeed/micfeed/internal/encoder"
)

// worker is the single background goroutine that feeds captured PCM to the
// encoder session. It owns the capture device and the session exclusively for
// its whole lifetime.
//
// Lifecycle: start the device, fire ready, wait on prepared, then interleave
// encoder drains with blocking frame reads until recording is no longer
// requested. Teardown submits exactly one end-of-stream frame, stops the
// device, forces a final drain and releases the session.
type worker struct {
	sessionID string
	src       audio.Source
	requested *atomic.Bool // written by the controller, read here
	errs      chan<- error
	log       zerolog.Logger

	ready    *fence
	prepared *fence
	done     chan struct{}

	// session is written by the controller before prepared fires.
	session encoder.Session

	input      encoder.InputQueue
	startTime  time.Time
	channels   int
	sampleRate int
	lastPTS    int64
}

func newWorker(sessionID string, src audio.Source, requested *atomic.Bool, errs chan<- error, log zerolog.Logger) *worker {
	return &worker{
		sessionID: sessionID,
		src:       src,
		requested: requested,
		errs:      errs,
		log:       log.With().Str("session_id", sessionID).Logger(),
		ready:     newFence(),
		prepared:  newFence(),
		done:      make(chan struct{}),
	}
}

func (w *worker) run() {
	defer close(w.done)

	// The feed loop is latency-sensitive; keep it on its own OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := w.src.Start(); err != nil {
		w.log.Error().Err(err).Msg("Failed to start capture device")
		w.report(fmt.Errorf("failed to start capture device: %w", err))
		w.ready.fire()
		w.prepared.wait()
		if w.session != nil {
			_ = w.session.Release()
		}
		_ = w.src.Close()
		return
	}

	// Timestamps for the whole session are anchored here, at the moment the
	// device began capturing.
	w.startTime = time.Now()
	w.ready.fire()

	w.prepared.wait()
	if w.session == nil {
		// Session construction failed; nothing to feed.
		_ = w.src.Stop()
		_ = w.src.Close()
		return
	}

	w.channels = w.session.ChannelCount()
	w.sampleRate = w.session.SampleRate()
	scratch := make([]byte, audio.FrameBytes(w.channels))

	w.log.Debug().Msg("Beginning audio transmission to encoder")
	for w.requested.Load() {
		w.iterate(scratch)
	}

	w.log.Debug().Msg("Exiting feed loop, draining encoder")
	w.feedFrame(scratch, true)
	if err := w.src.Stop(); err != nil {
		w.log.Error().Err(err).Msg("Failed to stop capture device")
		w.report(err)
	}
	if err := w.session.Drain(true); err != nil {
		w.log.Error().Err(err).Msg("Final encoder drain failed")
		w.report(err)
	}
	if err := w.session.Release(); err != nil {
		w.log.Error().Err(err).Msg("Failed to release encoder session")
		w.report(err)
	}
	_ = w.src.Close()
}

// iterate performs one drain-then-feed cycle. A panicking iteration is logged
// and swallowed: a realtime capture session must outlive a single bad frame.
func (w *worker) iterate(scratch []byte) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Feed iteration panicked")
			w.report(fmt.Errorf("feed iteration panic: %v", r))
		}
	}()

	if err := w.session.Drain(false); err != nil {
		w.log.Error().Err(err).Msg("Encoder drain failed")
		w.report(err)
	}
	w.feedFrame(scratch, false)
}

// feedFrame reads one frame quantum and submits it to the encoder input. A
// read error skips the submission; the next iteration issues a fresh read.
// The end-of-stream frame is submitted even if its read failed, so every
// session delivers exactly one EOS marker.
func (w *worker) feedFrame(scratch []byte, endOfStream bool) {
	if w.input == nil {
		in, err := w.session.Input()
		if err != nil {
			w.log.Error().Err(err).Msg("Failed to get encoder input")
			w.report(err)
			return
		}
		w.input = in
	}

	n, err := w.src.Read(scratch)
	if err != nil {
		w.log.Error().Err(err).Msg("Audio read error")
		w.report(err)
		if !endOfStream {
			return
		}
		n = 0
	}

	pts := w.timestamp(n)
	if err := w.input.Enqueue(scratch[:n], pts, endOfStream); err != nil {
		w.log.Error().Err(err).Int("bytes", n).Msg("Failed to queue audio frame")
		w.report(err)
	}
}

// timestamp derives the presentation time of the frame that was just read:
// elapsed time since the session anchor minus the playback duration of the
// frame, so the stamp marks when capture of the frame began rather than when
// the read returned. Clamped to the previous stamp to stay non-decreasing
// under buffer-size jitter.
func (w *worker) timestamp(frameBytes int) int64 {
	pts := time.Since(w.startTime).Microseconds()
	samples := int64(frameBytes) / int64(audio.BytesPerSample*w.channels)
	pts -= samples * 1e6 / int64(w.sampleRate)
	if pts < w.lastPTS {
		pts = w.lastPTS
	}
	w.lastPTS = pts
	return pts
}

// report publishes a feed failure without ever blocking the realtime path.
func (w *worker) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
