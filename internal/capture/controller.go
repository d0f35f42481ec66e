package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/micfeed/micfeed/internal/audio"
	"github.com/micfeed/micfeed/internal/encoder"
)

// ErrAlreadyRunning is returned by Start when a capture worker is still
// active; a duplicate start never spawns a second worker.
var ErrAlreadyRunning = errors.New("capture worker already running")

// ErrStillRunning is returned by Reset when the previous worker has not yet
// fully exited.
var ErrStillRunning = errors.New("capture worker still running")

// errorBacklog bounds the observable error channel; the realtime path never
// blocks on it.
const errorBacklog = 16

// SourceFactory builds the capture device for a session.
type SourceFactory func(cfg SessionConfig) (audio.Source, error)

// SessionFactory builds the encoder session for a session.
type SessionFactory func(cfg SessionConfig) (encoder.Session, error)

// Controller is the public lifecycle API around the capture worker. One
// controller drives at most one worker at a time.
type Controller struct {
	newSource  SourceFactory
	newSession SessionFactory
	log        zerolog.Logger

	requested atomic.Bool

	mu     sync.Mutex
	cfg    SessionConfig
	worker *worker
	errs   chan error
}

// NewController validates the config and prepares a controller. No resources
// are acquired until Start.
func NewController(cfg SessionConfig, newSource SourceFactory, newSession SessionFactory, log zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if newSource == nil || newSession == nil {
		return nil, errors.New("nil factory")
	}
	return &Controller{
		newSource:  newSource,
		newSession: newSession,
		log:        log,
		cfg:        cfg,
		errs:       make(chan error, errorBacklog),
	}, nil
}

// Start requests recording and spawns the capture worker, blocking until the
// device is capturing. If a worker is already running it logs a warning and
// returns ErrAlreadyRunning without spawning a duplicate.
func (c *Controller) Start() error {
	c.requested.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workerRunningLocked() {
		c.log.Warn().Msg("Capture worker running when start requested")
		return ErrAlreadyRunning
	}

	sessionID := uuid.NewString()

	src, err := c.newSource(c.cfg)
	if err != nil {
		c.requested.Store(false)
		return fmt.Errorf("failed to open capture source: %w", err)
	}

	w := newWorker(sessionID, src, &c.requested, c.errs, c.log)
	c.worker = w
	go w.run()

	// Build the encoder session while the device spins up; the prepared
	// fence keeps the feed loop from outrunning construction.
	session, err := c.newSession(c.cfg)
	if err != nil {
		c.requested.Store(false)
		w.prepared.fire() // worker sees no session and tears down
		w.ready.wait()
		return fmt.Errorf("failed to create encoder session: %w", err)
	}
	w.session = session
	w.prepared.fire()

	w.ready.wait()

	c.log.Info().
		Str("session_id", sessionID).
		Int("sample_rate", c.cfg.SampleRate).
		Int("channels", c.cfg.ChannelCount).
		Int("bitrate", c.cfg.Bitrate).
		Msg("Capture started")
	return nil
}

// Stop requests the worker to finish. It does not block; the returned channel
// closes once the worker has drained the encoder and released all resources.
func (c *Controller) Stop() <-chan struct{} {
	c.requested.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.worker == nil {
		done := make(chan struct{})
		close(done)
		return done
	}

	c.log.Info().Msg("Capture stop requested")
	return c.worker.done
}

// Reset installs a new session config for subsequent sessions. The previous
// worker must have fully exited; otherwise it logs a warning and returns
// ErrStillRunning without touching the config.
func (c *Controller) Reset(cfg SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.workerRunningLocked() {
		c.log.Warn().Msg("Reset called before stop completed")
		return ErrStillRunning
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	c.cfg = cfg
	c.worker = nil
	return nil
}

// IsRecording reports the requested state, not whether the worker has exited:
// device resources may still be held briefly after this flips false.
func (c *Controller) IsRecording() bool {
	return c.requested.Load()
}

// Errors exposes feed-loop failures that the worker logged and continued
// past. The channel is bounded; further failures are dropped while it is full.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

func (c *Controller) workerRunningLocked() bool {
	if c.worker == nil {
		return false
	}
	select {
	case <-c.worker.done:
		return false
	default:
		return true
	}
}
