package audio

// FrameQuantum is the fixed number of samples per capture read. Encoder input
// size is a multiple of this (AAC frame size).
const FrameQuantum = 1024

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Source defines the interface for a PCM capture device
type Source interface {
	Start() error
	// Read blocks until one frame quantum of interleaved 16-bit
	// little-endian PCM is available and copies it into dst, returning the
	// number of bytes written.
	Read(dst []byte) (int, error)
	Stop() error
	Close() error
}

// Device represents an audio input device
type Device struct {
	ID      string
	Name    string
	Default bool
}

// FrameBytes returns the size in bytes of one frame quantum of interleaved
// 16-bit PCM for the given channel count.
func FrameBytes(channels int) int {
	return FrameQuantum * BytesPerSample * channels
}
