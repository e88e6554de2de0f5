// Package config holds the tunnel configuration: defaults, the optional TOML
// file overlay and validation. CLI flags are applied on top by cmd/ctunnel.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// Role represents which end of the tunnel this process is.
type Role string

const (
	RoleController Role = "controller"
	RoleControlled Role = "controlled"
)

// LinkKind selects the transport carrying the framed messages.
type LinkKind string

const (
	LinkTCP    LinkKind = "tcp"    // raw byte stream, stream decoders
	LinkWS     LinkKind = "ws"     // one WebSocket binary message per frame
	LinkWebRTC LinkKind = "webrtc" // one DataChannel message per frame, WS signaling
)

// BackoffConfig defines controller redial behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config stores everything needed to run one end of the tunnel.
type Config struct {
	Role Role
	ID   string // endpoint name, padded to 10 bytes on the wire
	Link LinkKind

	// Controlled: address the link listener binds. Controller: local address
	// accepting the TCP connections to forward.
	Listen string
	// Controller: address (tcp) or URL (ws, webrtc) of the controlled end.
	Connect string
	// Controller: destination the controlled end should dial for each session.
	Target string
	// Controlled: allowed session destinations. Empty allows any.
	AllowTargets []string

	// Pinned runs one session at a time over raw Data frames. Both ends must
	// agree; the controlled end dials PinnedTarget.
	Pinned       bool
	PinnedTarget string

	PIN  string   // ws / webrtc listener access PIN
	STUN []string // webrtc ICE servers, empty uses the built-in list

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	RetryAttempts    int
	Backoff          BackoffConfig
	StatsInterval    time.Duration
	Debug            bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Link:             LinkTCP,
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      5 * time.Second,
		RetryAttempts:    5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		StatsInterval: 10 * time.Second,
	}
}

type fileConfig struct {
	Role             string   `toml:"role"`
	ID               string   `toml:"id"`
	Link             string   `toml:"link"`
	Listen           string   `toml:"listen"`
	Connect          string   `toml:"connect"`
	Target           string   `toml:"target"`
	AllowTargets     []string `toml:"allow_targets"`
	Pinned           bool     `toml:"pinned"`
	PinnedTarget     string   `toml:"pinned_target"`
	PIN              string   `toml:"pin"`
	STUN             []string `toml:"stun"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	DialTimeout      string   `toml:"dial_timeout"`
	RetryAttempts    int      `toml:"retry_attempts"`
	BackoffInitial   string   `toml:"backoff_initial"`
	BackoffMax       string   `toml:"backoff_max"`
	StatsInterval    string   `toml:"stats_interval"`
	Debug            bool     `toml:"debug"`
}

// LoadFile overlays the keys defined in a TOML file onto DefaultConfig.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	str := func(key, v string, dst *string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key, v string, dst *time.Duration) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	if meta.IsDefined("role") {
		cfg.Role = Role(strings.ToLower(strings.TrimSpace(raw.Role)))
	}
	if meta.IsDefined("link") {
		cfg.Link = LinkKind(strings.ToLower(strings.TrimSpace(raw.Link)))
	}
	str("id", raw.ID, &cfg.ID)
	str("listen", raw.Listen, &cfg.Listen)
	str("connect", raw.Connect, &cfg.Connect)
	str("target", raw.Target, &cfg.Target)
	str("pinned_target", raw.PinnedTarget, &cfg.PinnedTarget)
	str("pin", raw.PIN, &cfg.PIN)
	if meta.IsDefined("allow_targets") {
		cfg.AllowTargets = normalizeList(raw.AllowTargets)
	}
	if meta.IsDefined("stun") {
		cfg.STUN = normalizeList(raw.STUN)
	}
	if meta.IsDefined("pinned") {
		cfg.Pinned = raw.Pinned
	}
	if meta.IsDefined("retry_attempts") {
		cfg.RetryAttempts = raw.RetryAttempts
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	for _, err := range []error{
		dur("handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout),
		dur("dial_timeout", raw.DialTimeout, &cfg.DialTimeout),
		dur("backoff_initial", raw.BackoffInitial, &cfg.Backoff.InitialDelay),
		dur("backoff_max", raw.BackoffMax, &cfg.Backoff.MaxDelay),
		dur("stats_interval", raw.StatsInterval, &cfg.StatsInterval),
	} {
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate reports the first inconsistency in cfg.
func (c Config) Validate() error {
	switch c.Role {
	case RoleController, RoleControlled:
	case "":
		return errors.New("config: missing role")
	default:
		return fmt.Errorf("config: invalid role %q", c.Role)
	}

	switch c.Link {
	case LinkTCP, LinkWS, LinkWebRTC:
	default:
		return fmt.Errorf("config: invalid link %q", c.Link)
	}

	if len(c.ID) > protocol.IDSize {
		return fmt.Errorf("config: id %q exceeds %d bytes", c.ID, protocol.IDSize)
	}
	if c.Pinned && c.Link == LinkTCP {
		return errors.New("config: pinned mode requires a ws or webrtc link")
	}
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config: missing listen address")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("config: handshake timeout must be positive")
	}

	if c.Role == RoleController {
		if strings.TrimSpace(c.Connect) == "" {
			return errors.New("config: controller requires connect")
		}
		if !c.Pinned {
			if _, err := protocol.ParseTargetAddr(c.Target); err != nil {
				return fmt.Errorf("config: target: %w", err)
			}
		}
		return nil
	}

	if c.Pinned {
		if _, err := protocol.ParseTargetAddr(c.PinnedTarget); err != nil {
			return fmt.Errorf("config: pinned_target: %w", err)
		}
	}
	for _, allowed := range c.AllowTargets {
		if _, err := netip.ParseAddrPort(allowed); err != nil {
			return fmt.Errorf("config: allow_targets entry %q: %w", allowed, err)
		}
	}
	return nil
}

// EndpointID returns the wire id for c.ID, generating a name when empty.
// The generated name is stored back so repeated calls agree.
func (c *Config) EndpointID() protocol.EndpointID {
	if c.ID == "" {
		c.ID = util.GenerateEndpointName()
	}
	return protocol.EndpointIDFromString(c.ID)
}

// DataShape returns how Data frames are encoded on the link.
func (c Config) DataShape() protocol.DataShape {
	if c.Pinned {
		return protocol.DataRaw
	}
	return protocol.DataHeadered
}

// Allowed reports whether the controlled end may dial target.
func (c Config) Allowed(target netip.AddrPort) bool {
	if len(c.AllowTargets) == 0 {
		return true
	}
	for _, allowed := range c.AllowTargets {
		if ap, err := netip.ParseAddrPort(allowed); err == nil && ap == target {
			return true
		}
	}
	return false
}
