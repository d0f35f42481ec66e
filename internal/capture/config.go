package capture

import (
	"errors"
	"fmt"
	"io"
)

// SessionConfig holds the immutable parameters of one capture session. The
// sink receives encoded output drained from the encoder session.
type SessionConfig struct {
	ChannelCount int
	Bitrate      int
	SampleRate   int
	Sink         io.Writer
}

// Validate reports the first invalid parameter, if any.
func (c SessionConfig) Validate() error {
	if c.ChannelCount <= 0 {
		return fmt.Errorf("invalid channel count: %d", c.ChannelCount)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("invalid bitrate: %d", c.Bitrate)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.SampleRate)
	}
	if c.Sink == nil {
		return errors.New("nil sink")
	}
	return nil
}
