package encoder

// Session owns one codec instance and forwards encoded output to a sink.
// Drain retrieves whatever encoded output is ready; a final drain blocks
// until everything pending has been flushed. Release is idempotent.
type Session interface {
	Drain(finalFlush bool) error
	// Input returns the session's input queue. It is stable for the
	// session's lifetime; callers fetch it once and cache it.
	Input() (InputQueue, error)
	Release() error
	SampleRate() int
	ChannelCount() int
}

// InputQueue accepts raw PCM frames for encoding. Exactly one enqueue per
// session may carry the end-of-stream marker, after which no further input
// is accepted.
type InputQueue interface {
	Enqueue(pcm []byte, ptsMicros int64, endOfStream bool) error
}
