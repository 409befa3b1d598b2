package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// DeviceConfig selects and parameterises the input device.
type DeviceConfig struct {
	SampleRate      int
	FramesPerBlock  int
	PreferredDevice string   // substring of the device name, case-insensitive
	ExcludedDevices []string // substrings never to pick
}

// DeviceSource opens PortAudio input streams.
type DeviceSource struct {
	cfg DeviceConfig
}

type deviceStream struct {
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewDeviceSource initialises PortAudio. Call Close when done.
func NewDeviceSource(cfg DeviceConfig) (*DeviceSource, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FramesPerBlock <= 0 {
		cfg.FramesPerBlock = DefaultFramesPerBlock
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	return &DeviceSource{cfg: cfg}, nil
}

// Close releases PortAudio.
func (s *DeviceSource) Close() error {
	return portaudio.Terminate()
}

// Open starts a mono float32 input stream and delivers one Block per buffer.
func (s *DeviceSource) Open(ctx context.Context, deliver func(Block)) (Stream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	dev := pickDevice(devices, s.cfg.PreferredDevice, s.cfg.ExcludedDevices)
	if dev == nil {
		if dev, err = portaudio.DefaultInputDevice(); err != nil {
			return nil, fmt.Errorf("no usable input device: %w", err)
		}
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: CaptureChannels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.cfg.SampleRate),
		FramesPerBuffer: s.cfg.FramesPerBlock,
	}

	buf := make([]float32, s.cfg.FramesPerBlock*CaptureChannels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ds := &deviceStream{stream: stream, cancel: cancel, done: make(chan struct{})}

	slog.Info("started audio capture", "device", dev.Name, "rate", s.cfg.SampleRate, "frames", s.cfg.FramesPerBlock)

	go func() {
		defer close(ds.done)
		for {
			select {
			case <-streamCtx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				// Input overflow loses samples inside PortAudio but the
				// buffer we got is still valid audio.
				if err != portaudio.InputOverflowed {
					slog.Debug("audio read error", "device", dev.Name, "error", err)
					return
				}
				slog.Debug("audio input overflowed", "device", dev.Name)
			}

			deliver(Block{
				Samples:   append([]float32(nil), buf...),
				Timestamp: time.Now(),
			})
		}
	}()

	return ds, nil
}

// Stop cancels the read loop, waits for it to exit, then closes the stream.
func (d *deviceStream) Stop() error {
	d.stopOnce.Do(func() {
		d.cancel()
		<-d.done
		if err := d.stream.Stop(); err != nil {
			d.stopErr = err
		}
		if err := d.stream.Close(); err != nil && d.stopErr == nil {
			d.stopErr = err
		}
	})
	return d.stopErr
}

// pickDevice returns the first input device matching preferred, skipping
// excluded names. With no preference, built-in microphones win. Returns nil
// when nothing qualifies so the caller can use the host default.
func pickDevice(devices []*portaudio.DeviceInfo, preferred string, excluded []string) *portaudio.DeviceInfo {
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev == nil || dev.MaxInputChannels < CaptureChannels || isExcluded(dev.Name, excluded) {
			continue
		}
		if preferred != "" {
			if containsIgnoreCase(dev.Name, preferred) {
				return dev
			}
			continue
		}
		if best == nil || (isBuiltIn(dev.Name) && !isBuiltIn(best.Name)) {
			best = dev
		}
	}
	return best
}

func isExcluded(name string, excluded []string) bool {
	for _, ex := range excluded {
		if containsIgnoreCase(name, ex) {
			return true
		}
	}
	return false
}

func isBuiltIn(name string) bool {
	for _, kw := range []string{"built-in", "macbook", "internal"} {
		if containsIgnoreCase(name, kw) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
