// Package config holds the CLI configuration: defaults, an optional YAML
// file, and command-line flags, applied in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config stores all parameters for the relay server and the call peer.
type Config struct {
	// Relay server.
	ListenAddr string `yaml:"listen"`

	// Peer.
	SignalURL string `yaml:"url"`      // WebSocket URL of the relay
	RoomID    string `yaml:"room"`     // room to join
	Identity  string `yaml:"identity"` // local identity, unique within the room
	Callee    string `yaml:"call"`     // identity to dial once joined (empty: wait for a call)

	ICEServers         []string      `yaml:"iceServers"`
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"` // OfferSent → Closed if no answer
	Audio              bool          `yaml:"audio"`
	Video              bool          `yaml:"video"`

	StatsInterval time.Duration `yaml:"statsInterval"`
	Debug         bool          `yaml:"debug"`
}

// Default returns the configuration used when nothing else is specified.
// STUN only, no TURN: the call is meant to be a direct peer-to-peer path.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		SignalURL:  "ws://127.0.0.1:8080/ws",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		NegotiationTimeout: 30 * time.Second,
		Audio:              true,
		Video:              true,
		StatsInterval:      10 * time.Second,
	}
}

// Load reads a YAML file on top of the defaults. Keys absent from the file
// keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers command-line flags that override the fields of c.
// The current values of c become the flag defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "relay listen address (serve)")
	fs.StringVar(&c.SignalURL, "url", c.SignalURL, "relay WebSocket URL (join)")
	fs.StringVar(&c.RoomID, "room", c.RoomID, "room to join")
	fs.StringVar(&c.Identity, "identity", c.Identity, "local identity, e.g. an email")
	fs.StringVar(&c.Callee, "call", c.Callee, "identity to call once joined")
	fs.StringSliceVar(&c.ICEServers, "stun", c.ICEServers, "STUN server URLs")
	fs.DurationVar(&c.NegotiationTimeout, "timeout", c.NegotiationTimeout, "how long to wait for an answer")
	fs.BoolVar(&c.Audio, "audio", c.Audio, "send an audio track")
	fs.BoolVar(&c.Video, "video", c.Video, "send a video track")
	fs.DurationVar(&c.StatsInterval, "stats", c.StatsInterval, "stats report interval")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
}

// Overlay copies the flags explicitly set on fs onto c. It lets a file
// loaded after flag parsing still lose to the command line.
func (c *Config) Overlay(fs *pflag.FlagSet) error {
	target := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	c.BindFlags(target)

	var err error
	fs.Visit(func(f *pflag.Flag) {
		dst := target.Lookup(f.Name)
		if err != nil || dst == nil {
			return
		}
		// Slice values print as "[a,b]", which Set would not parse back.
		if src, ok := f.Value.(pflag.SliceValue); ok {
			if dstSlice, ok := dst.Value.(pflag.SliceValue); ok {
				err = dstSlice.Replace(src.GetSlice())
				return
			}
		}
		if setErr := target.Set(f.Name, f.Value.String()); setErr != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, setErr)
		}
	})
	return err
}

// Validate checks the peer settings and normalizes SignalURL.
func (c *Config) Validate() error {
	if c.RoomID == "" {
		return errors.New("missing room")
	}
	if c.Identity == "" {
		return errors.New("missing identity")
	}
	if c.Callee == c.Identity {
		return errors.New("cannot call yourself")
	}
	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("invalid negotiation timeout: %s", c.NegotiationTimeout)
	}

	wsURL, err := NormalizeWSURL(c.SignalURL)
	if err != nil {
		return err
	}
	c.SignalURL = wsURL
	return nil
}

// NormalizeWSURL validates a raw WebSocket URL or bare host and returns it
// with a ws/wss scheme and the /ws path. Bare hosts default to wss.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
