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

// Package config loads the receiver's configuration, replacing the original
// process-wide globals registry (§6, §9 "Shared mutable registry") with a
// single struct decoded from JSON and threaded explicitly through the
// pipeline, in the teacher's parseJSONConfig style (server/config.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Encoding string

const (
	EncodingOpus Encoding = "OPUS"
	EncodingPCM  Encoding = "PCM"
)

// Endpoint is one entry of the endpoints.* config block (§6).
type Endpoint struct {
	Interface string `json:"interface"`
	Port      int    `json:"port"`
	Addr      string `json:"addr"`
}

// Opus holds the opus.* config block.
type Opus struct {
	FrameSize        int `json:"frameSize"`
	MaxPacketSize    int `json:"maxPacketSize"`
	DecodeRingLength int `json:"decodeRingLength"`
}

// PCM holds the pcm.* config block.
type PCM struct {
	SampleRate       int `json:"sampleRate"`
	FrameSize        int `json:"frameSize"`
	DecodeRingLength int `json:"decodeRingLength"`
}

// FEC holds the fec.* config block (§3 "Channel").
type FEC struct {
	SourceSymbolsPerBlock int `json:"sourceSymbolsPerBlock"`
	SymbolLen             int `json:"symbolLen"`
}

// Audio holds the audio.* config block.
type Audio struct {
	Encoding            Encoding `json:"encoding"`
	NetworkChannelCount int      `json:"networkChannelCount"`
	IOSampleRate        int      `json:"ioSampleRate"`
	DeviceName          string   `json:"deviceName"`
}

// Config holds root.* and monitor.* config, plus the nested blocks.
type Config struct {
	PrivateKey        string `json:"privateKey"`
	PeerPublicKey     string `json:"peerPublicKey"`
	PresharedKey      string `json:"presharedKey"`
	Initiator         bool   `json:"initiator"`
	KeepaliveSeconds  int    `json:"keepaliveSeconds"`

	Endpoints []Endpoint `json:"endpoints"`
	Audio     Audio      `json:"audio"`
	Opus      Opus       `json:"opus"`
	PCM       PCM        `json:"pcm"`
	FEC       FEC        `json:"fec"`

	MonitorWsPort int `json:"monitorWsPort"`
}

// Load reads and validates a JSON config file from path. Validation errors
// are tagged with a distinct cause so callers can map them to the negative
// init error codes in §7.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var c Config
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the constraints documented in §6/§7 (missing/invalid
// keys abort init with a distinct cause).
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config: endpoints.endpointCount must be > 0")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("config: root.privateKey is required")
	}
	if c.PeerPublicKey == "" {
		return fmt.Errorf("config: root.peerPublicKey is required")
	}
	switch c.Audio.Encoding {
	case EncodingOpus, EncodingPCM:
	default:
		return fmt.Errorf("config: audio.encoding must be OPUS or PCM, got %q", c.Audio.Encoding)
	}
	if c.Audio.NetworkChannelCount <= 0 {
		return fmt.Errorf("config: audio.networkChannelCount must be > 0")
	}
	if c.FEC.SourceSymbolsPerBlock <= 0 || c.FEC.SymbolLen <= 0 {
		return fmt.Errorf("config: fec.sourceSymbolsPerBlock and fec.symbolLen must be > 0")
	}
	return nil
}

// DecodeRingLength returns the configured decode ring length for whichever
// codec is active.
func (c *Config) DecodeRingLength() int {
	if c.Audio.Encoding == EncodingOpus {
		return c.Opus.DecodeRingLength
	}
	return c.PCM.DecodeRingLength
}

// FrameSize returns the codec frame size (in samples per channel) for
// whichever codec is active.
func (c *Config) FrameSize() int {
	if c.Audio.Encoding == EncodingOpus {
		return c.Opus.FrameSize
	}
	return c.PCM.FrameSize
}

// EncodedSampleRate returns the sample rate the codec operates at, which
// the syncer resamples from (§4.G): fixed 48kHz for Opus, configured for PCM.
func (c *Config) EncodedSampleRate() int {
	if c.Audio.Encoding == EncodingOpus {
		return 48000
	}
	return c.PCM.SampleRate
}

// KeepaliveInterval returns the configured tunnel keepalive interval,
// defaulting to 25 seconds (WireGuard's own conventional default) when unset.
func (c *Config) KeepaliveInterval() time.Duration {
	if c.KeepaliveSeconds <= 0 {
		return 25 * time.Second
	}
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

// MaxEncodedPacketSize returns the destuffer's scratch buffer bound (§4.E).
func (c *Config) MaxEncodedPacketSize() int {
	if c.Audio.Encoding == EncodingOpus {
		return c.Opus.MaxPacketSize
	}
	// PCM frames are fixed size: 3 bytes/sample * channels * frameSize + 2-byte CRC.
	return 3*c.Audio.NetworkChannelCount*c.PCM.FrameSize + 2
}
