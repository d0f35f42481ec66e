package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ErrReleased is returned when input is enqueued after the session has been
// torn down.
var ErrReleased = errors.New("encoder session released")

// FFmpegSession encodes 16-bit little-endian PCM to AAC (ADTS) through an
// ffmpeg subprocess. Raw samples go in on stdin; a background reader
// accumulates encoded output, which Drain forwards to the sink.
type FFmpegSession struct {
	sampleRate int
	channels   int
	bitrate    int
	sink       io.Writer
	log        zerolog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu          sync.Mutex
	pending     bytes.Buffer
	stdinClosed bool
	released    bool

	readerDone chan struct{}
	readErr    error // set by the reader goroutine before readerDone closes

	waitOnce sync.Once
	waitErr  error

	releaseOnce sync.Once
}

// NewFFmpegSession starts an ffmpeg encode process for the given stream
// parameters. Encoded output is buffered until drained to sink.
func NewFFmpegSession(channels, bitrate, sampleRate int, sink io.Writer, log zerolog.Logger) (*FFmpegSession, error) {
	if channels <= 0 || bitrate <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid encoder parameters: channels=%d bitrate=%d sampleRate=%d", channels, bitrate, sampleRate)
	}
	if sink == nil {
		return nil, errors.New("nil encoder sink")
	}

	cmd := exec.Command("ffmpeg", encodeArgs(channels, bitrate, sampleRate)...)
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &FFmpegSession{
		sampleRate: sampleRate,
		channels:   channels,
		bitrate:    bitrate,
		sink:       sink,
		log:        log,
		cmd:        cmd,
		stdin:      stdin,
		readerDone: make(chan struct{}),
	}

	go s.readOutput(stdout)

	log.Debug().
		Int("sample_rate", sampleRate).
		Int("channels", channels).
		Int("bitrate", bitrate).
		Msg("Encoder session started")

	return s, nil
}

// encodeArgs builds the ffmpeg argument list: s16le PCM on stdin, AAC in an
// ADTS stream on stdout.
func encodeArgs(channels, bitrate, sampleRate int) []string {
	return ffmpeg.Input("pipe:0", ffmpeg.KwArgs{
		"f":  "s16le",
		"ar": sampleRate,
		"ac": channels,
	}).Output("pipe:1", ffmpeg.KwArgs{
		"c:a": "aac",
		"b:a": bitrate,
		"f":   "adts",
	}).GetArgs()
}

// readOutput pulls encoded bytes off the subprocess until EOF.
func (s *FFmpegSession) readOutput(stdout io.Reader) {
	defer close(s.readerDone)

	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.pending.Write(chunk[:n])
			s.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				s.readErr = err
			}
			return
		}
	}
}

func (s *FFmpegSession) Input() (InputQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	return s, nil
}

// Enqueue writes one PCM frame to the encoder. The presentation timestamp is
// recorded for diagnostics only: timing of a raw PCM pipe is implied by
// sample position. An end-of-stream enqueue closes the encoder's input.
func (s *FFmpegSession) Enqueue(pcm []byte, ptsMicros int64, endOfStream bool) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.stdinClosed {
		s.mu.Unlock()
		return errors.New("input enqueued after end of stream")
	}
	s.mu.Unlock()

	if len(pcm) > 0 {
		if _, err := s.stdin.Write(pcm); err != nil {
			return fmt.Errorf("failed to write %d bytes to encoder: %w", len(pcm), err)
		}
	}

	s.log.Trace().
		Int("bytes", len(pcm)).
		Int64("pts_us", ptsMicros).
		Bool("eos", endOfStream).
		Msg("Queued audio frame")

	if endOfStream {
		return s.closeInput()
	}
	return nil
}

func (s *FFmpegSession) closeInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdinClosed {
		return nil
	}
	s.stdinClosed = true
	return s.stdin.Close()
}

// Drain forwards buffered encoded output to the sink. A final drain first
// closes the input, waits for the encoder to emit everything, and reaps the
// subprocess.
func (s *FFmpegSession) Drain(finalFlush bool) error {
	if finalFlush {
		if err := s.closeInput(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close encoder input before final drain")
		}
		<-s.readerDone
		s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() > 0 {
		if _, err := s.sink.Write(s.pending.Bytes()); err != nil {
			return fmt.Errorf("failed to forward encoded output: %w", err)
		}
		s.pending.Reset()
	}

	if finalFlush {
		if s.readErr != nil {
			return fmt.Errorf("encoder output read failed: %w", s.readErr)
		}
		if s.waitErr != nil {
			return fmt.Errorf("ffmpeg exited with error: %w", s.waitErr)
		}
	}
	return nil
}

// Release tears down the subprocess. Safe to call more than once.
func (s *FFmpegSession) Release() error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()

		if err := s.closeInput(); err != nil {
			s.log.Debug().Err(err).Msg("Encoder input already closed")
		}

		// Reap the process if the final drain never ran.
		s.waitOnce.Do(func() {
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			s.waitErr = s.cmd.Wait()
		})

		s.log.Debug().Msg("Encoder session released")
	})
	return nil
}

func (s *FFmpegSession) SampleRate() int {
	return s.sampleRate
}

func (s *FFmpegSession) ChannelCount() int {
	return s.channels
}
