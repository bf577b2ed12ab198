package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Driver is the out-of-scope "opaque driver with a (ring, ringBuf,
// ringMaxSize) init and a (deviceName) start" described in §6. It is a
// thin wrapper over gordonklaus/portaudio (grounded on the pack's own
// portaudio-driven audio component, doismellburning/samoyed) — the driver
// calls Callback.Fill on its own schedule, exactly as §6 specifies.
type Driver struct {
	cb       *Callback
	channels int
	ioRate   int

	stream *portaudio.Stream
}

// NewDriver constructs a Driver that will pull from cb when started.
func NewDriver(cb *Callback, channels, ioSampleRate int) *Driver {
	return &Driver{cb: cb, channels: channels, ioRate: ioSampleRate}
}

// Start opens and starts the named output device. An empty deviceName uses
// the host API's default output device.
func (d *Driver) Start(deviceName string) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}

	dev, err := findOutputDevice(deviceName)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: d.channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(d.ioRate),
		FramesPerBuffer: portaudio.FramesPerBufferUnspecified,
	}

	stream, err := portaudio.OpenStream(params, d.fillCallback)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("audio: open stream: %w", err)
	}
	d.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("audio: start stream: %w", err)
	}
	return nil
}

// Stop closes the stream and terminates the portaudio host API.
func (d *Driver) Stop() error {
	if d.stream == nil {
		return nil
	}
	err := d.stream.Stop()
	d.stream.Close()
	portaudio.Terminate()
	return err
}

// fillCallback is portaudio's realtime callback. It must not block,
// allocate, or take a non-realtime lock (§4.H) — it simply forwards to
// Callback.Fill, which honors that contract.
func (d *Driver) fillCallback(out []float32) {
	d.cb.Fill(out)
}

func findOutputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxOutputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("audio: no output device named %q", name)
}
