package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

type portAudioSource struct {
	stream   *portaudio.Stream
	buf      []int16 // interleaved scratch filled by each stream read
	channels int
}

// NewSource opens a PortAudio input stream on the named device (empty means
// the default input device) at the given sample rate and channel count.
func NewSource(deviceID string, sampleRate, channels int) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	// Find device
	var device *portaudio.DeviceInfo
	if deviceID == "" {
		var err error
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
	} else {
		devices, err := portaudio.Devices()
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for _, d := range devices {
			if d.Name == deviceID {
				device = d
				break
			}
		}
	}

	if device == nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("device not found: %s", deviceID)
	}

	// Open stream: interleaved int16, one frame quantum per read
	buf := make([]int16, FrameQuantum*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: FrameQuantum,
	}, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	return &portAudioSource{stream: stream, buf: buf, channels: channels}, nil
}

func (p *portAudioSource) Start() error {
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	return nil
}

func (p *portAudioSource) Read(dst []byte) (int, error) {
	if err := p.stream.Read(); err != nil {
		return 0, fmt.Errorf("audio read error: %w", err)
	}
	return pcmBytes(p.buf, dst), nil
}

func (p *portAudioSource) Stop() error {
	return p.stream.Stop()
}

func (p *portAudioSource) Close() error {
	p.stream.Close()
	portaudio.Terminate()
	return nil
}

// pcmBytes encodes interleaved int16 samples as little-endian bytes into dst,
// returning the number of bytes written. Truncates to whole samples if dst is
// too small.
func pcmBytes(src []int16, dst []byte) int {
	n := len(src)
	if max := len(dst) / BytesPerSample; n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(src[i]))
	}
	return n * BytesPerSample
}

// ListDevices enumerates available capture devices
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, Device{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}
