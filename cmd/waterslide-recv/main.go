// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/elimau/waterslide-recv/internal/audio"
	"github.com/elimau/waterslide-recv/internal/channel"
	"github.com/elimau/waterslide-recv/internal/codec"
	"github.com/elimau/waterslide-recv/internal/config"
	"github.com/elimau/waterslide-recv/internal/demux"
	"github.com/elimau/waterslide-recv/internal/ingress"
	"github.com/elimau/waterslide-recv/internal/ring"
	"github.com/elimau/waterslide-recv/internal/stats"
	"github.com/elimau/waterslide-recv/internal/syncer"
	"github.com/elimau/waterslide-recv/internal/tunnel"
)

// VERSION is injected by buildflags, same convention as the original
// kcptun binaries this tool descends from.
var VERSION = "SELFBUILD"

// audioChannelID is the transport header's channel id for the (sole)
// audio substream (§3 "Channel... audio = channel 1").
const audioChannelID = 1

// threadsRunning records whether the pipeline is running; the SIGUSR1
// handler reports it. It does not gate any loop: each component's loops
// stop through that component's own Stop method.
var threadsRunning atomic.Bool

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "waterslide-recv"
	app.Usage = "receive-only endpoint of a multi-homed, FEC-protected, WireGuard-tunneled audio link"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the JSON configuration file",
			EnvVar: "WATERSLIDE_CONFIG",
		},
		cli.StringFlag{
			Name:   "device",
			Usage:  "output audio device name, overriding audio.deviceName",
			EnvVar: "WATERSLIDE_DEVICE",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "enable net/http/pprof on localhost:6060",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	if c.String("config") == "" {
		return errors.New("waterslide-recv: -config is required")
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if dev := c.String("device"); dev != "" {
		cfg.Audio.DeviceName = dev
	}
	if c.Bool("pprof") {
		startPprof()
	}

	color.Green("waterslide-recv %s — %d endpoint(s), %s", VERSION, len(cfg.Endpoints), cfg.Audio.Encoding)
	if cfg.MonitorWsPort == 0 {
		color.Red("WARNING: monitor.wsPort is not set, the stats websocket will not be served.")
	}

	registry := stats.NewRegistry(len(cfg.Endpoints))

	engine, err := tunnel.NewAEADEngine(tunnel.EngineConfig{
		PrivateKeyBase64:    cfg.PrivateKey,
		PeerPublicKeyBase64: cfg.PeerPublicKey,
		PresharedKeyBase64:  cfg.PresharedKey,
		Initiator:           cfg.Initiator,
		KeepaliveInterval:   cfg.KeepaliveInterval(),
	})
	if err != nil {
		return errors.Wrap(err, "waterslide-recv: tunnel engine")
	}

	dmx := demux.New()
	endpointStats := make([]*stats.Endpoint, len(registry.Endpoints))
	for i := range registry.Endpoints {
		endpointStats[i] = &registry.Endpoints[i]
	}
	dmx.SetEndpointStats(endpointStats)

	decodeRingMaxSize := cfg.DecodeRingLength() * cfg.Audio.NetworkChannelCount
	decodeRing := ring.NewSPSC(decodeRingMaxSize)

	sy := syncer.New(decodeRing, cfg.Audio.NetworkChannelCount, cfg.EncodedSampleRate(), cfg.Audio.IOSampleRate, decodeRingMaxSize, &registry.Audio)

	dec, err := newDecoder(cfg, &registry.Channel1)
	if err != nil {
		return errors.Wrap(err, "waterslide-recv: codec init")
	}

	frames := &frameDecoder{
		dec:       dec,
		sync:      sy,
		frameSize: cfg.FrameSize(),
		channels:  cfg.Audio.NetworkChannelCount,
	}
	ch1 := channel.New(audioChannelID, cfg.MaxEncodedPacketSize(), frames, &registry.Channel1)

	if err := dmx.RegisterChannel(audioChannelID, cfg.FEC.SourceSymbolsPerBlock, cfg.FEC.SymbolLen, cfg.FEC.SourceSymbolsPerBlock, ch1); err != nil {
		return errors.Wrap(err, "waterslide-recv: register channel")
	}

	ingressConfigs := make([]ingress.Config, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		ingressConfigs[i] = ingress.Config{Interface: ep.Interface, Addr: ep.Addr, Port: ep.Port}
	}

	mgr := ingress.New(ingressConfigs, nil, registry) // decrypt wired below, after tun exists
	tun := tunnel.New(engine, mgr, dmx)
	mgr.SetDecrypter(tun)

	cb := audio.NewCallback(decodeRing, cfg.Audio.NetworkChannelCount, &registry.Audio)
	driver := audio.NewDriver(cb, cfg.Audio.NetworkChannelCount, cfg.Audio.IOSampleRate)

	threadsRunning.Store(true)

	if err := mgr.Start(); err != nil {
		return errors.Wrap(err, "waterslide-recv: ingress start")
	}
	tun.StartTick()

	if err := driver.Start(cfg.Audio.DeviceName); err != nil {
		mgr.Stop()
		tun.Stop()
		return errors.Wrap(err, "waterslide-recv: audio driver start")
	}

	if cfg.MonitorWsPort != 0 {
		monitor := stats.NewMonitor(registry)
		go func() {
			if err := monitor.Serve(cfg.MonitorWsPort); err != nil {
				log.Printf("waterslide-recv: monitor: %v", err)
			}
		}()
	}

	waitForShutdown()

	threadsRunning.Store(false)
	driver.Stop()
	tun.Stop()
	mgr.Stop()
	return nil
}

// frameDecoder adapts a codec.Decoder into channel.FrameSink, pushing
// decoded samples into the syncer (§4.F -> §4.G handoff).
type frameDecoder struct {
	dec       codec.Decoder
	sync      *syncer.Syncer
	frameSize int
	channels  int
}

func (f *frameDecoder) OnFrame(frame []byte) {
	samples, ok := f.dec.Decode(frame)
	if !ok {
		return
	}
	f.sync.EnqueueBuf(samples, f.frameSize, f.channels)
}

func newDecoder(cfg *config.Config, st *stats.Channel) (codec.Decoder, error) {
	switch cfg.Audio.Encoding {
	case config.EncodingOpus:
		return codec.NewOpusDecoder(cfg.EncodedSampleRate(), cfg.Audio.NetworkChannelCount, cfg.Opus.FrameSize, st)
	case config.EncodingPCM:
		return codec.NewPCMDecoder(cfg.Audio.NetworkChannelCount, cfg.PCM.FrameSize, st), nil
	default:
		return nil, fmt.Errorf("waterslide-recv: unknown audio.encoding %q", cfg.Audio.Encoding)
	}
}
