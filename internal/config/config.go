// Package config loads and validates CensorLab's TOML configuration file
// (SPEC_FULL.md §6). Loading is an external, already-validated input in the
// distilled spec's framing; this package is the concrete implementation of
// that contract.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
)

// Action is a policy-layer decision, drawn from the closed set in
// SPEC_FULL.md §4.4.
type Action string

const (
	ActionNone   Action = "None"
	ActionIgnore Action = "Ignore"
	ActionDrop   Action = "Drop"
	ActionReset  Action = "Reset"
)

// Valid reports whether a is one of the four recognized actions or empty
// (unset).
func (a Action) Valid() bool {
	switch a {
	case ActionNone, ActionIgnore, ActionDrop, ActionReset, "":
		return true
	default:
		return false
	}
}

// ExecutionMode selects which per-flow program backend is used.
type ExecutionMode string

const (
	ModePython     ExecutionMode = "Python"
	ModeCensorLang ExecutionMode = "CensorLang"
)

// ListAction pairs a match list with the action taken on a hit, mirroring
// the `[section.allowlist]`/`[section.blocklist]` shape in SPEC_FULL.md §6.
type ListAction struct {
	List   []string `toml:"list"`
	Action Action   `toml:"action"`
}

// Execution configures which scripting backend drives per-flow decisions.
type Execution struct {
	Mode   ExecutionMode `toml:"mode"`
	Script string        `toml:"script"`

	// EnableRegex and EnableDNS gate the optional host capabilities
	// described in SPEC_FULL.md §4.5 ("injectable, off by default").
	EnableRegex bool `toml:"enable_regex"`
	EnableDNS   bool `toml:"enable_dns"`
}

// Ethernet configures the link-layer policy layer.
type Ethernet struct {
	Unknown   Action     `toml:"unknown"`
	Allowlist ListAction `toml:"allowlist"`
	Blocklist ListAction `toml:"blocklist"`
}

// ARP configures the single ARP policy action.
type ARP struct {
	Action Action `toml:"action"`
}

// IP configures the network-layer policy layer.
type IP struct {
	Unknown   Action     `toml:"unknown"`
	Allowlist ListAction `toml:"allowlist"`
	Blocklist ListAction `toml:"blocklist"`
}

// ICMP configures the single ICMP policy action.
type ICMP struct {
	Action Action `toml:"action"`
}

// Transport configures a TCP or UDP policy layer's four independent lists.
type Transport struct {
	PortAllowlist   ListAction `toml:"port_allowlist"`
	PortBlocklist   ListAction `toml:"port_blocklist"`
	IPPortAllowlist ListAction `toml:"ip_port_allowlist"`
	IPPortBlocklist ListAction `toml:"ip_port_blocklist"`
}

// Model names one ONNX classifier to preload (SPEC_FULL.md §4.7).
type Model struct {
	Path string `toml:"path"`
}

// Syslog configures forwarding of CensorLab's own logs.
type Syslog struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Protocol string `toml:"protocol"`
	Tag      string `toml:"tag"`
	Facility int    `toml:"facility"`
}

// Logging configures CensorLab's own log output.
type Logging struct {
	Level  string  `toml:"level"`
	Syslog *Syslog `toml:"syslog"`
}

// Flow configures flow-table lifecycle and error-handling defaults
// (SPEC_FULL.md §4.3, §7).
type Flow struct {
	IdleTTL              string `toml:"idle_ttl"`
	ScriptErrorDefault   Action `toml:"script_error_default"`
	ScriptErrorThreshold int    `toml:"script_error_threshold"`
}

// API configures the optional debug HTTP surface.
type API struct {
	Listen string `toml:"listen"`
}

// Config is the root of a CensorLab TOML configuration file.
type Config struct {
	Execution Execution         `toml:"execution"`
	Ethernet  Ethernet          `toml:"ethernet"`
	ARP       ARP               `toml:"arp"`
	IP        IP                `toml:"ip"`
	ICMP      ICMP              `toml:"icmp"`
	TCP       Transport         `toml:"tcp"`
	UDP       Transport         `toml:"udp"`
	Models    map[string]Model  `toml:"models"`
	Logging   Logging           `toml:"logging"`
	Flow      Flow              `toml:"flow"`
	API       API               `toml:"api"`

	// dir is the directory the config file was loaded from; relative
	// paths (script, model files) are resolved against it.
	dir string
}

// Dir returns the directory the config was loaded from, for resolving
// relative paths.
func (c *Config) Dir() string { return c.dir }

// IdleTTLDuration parses Flow.IdleTTL, defaulting to 5 minutes per the
// open question recorded in SPEC_FULL.md §9.
func (c *Config) IdleTTLDuration() time.Duration {
	if c.Flow.IdleTTL == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.Flow.IdleTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ScriptErrorThreshold returns the configured consecutive-error threshold,
// defaulting to 16 per SPEC_FULL.md §7.
func (c *Config) ScriptErrorThreshold() int {
	if c.Flow.ScriptErrorThreshold <= 0 {
		return 16
	}
	return c.Flow.ScriptErrorThreshold
}

// ScriptErrorDefaultAction returns the configured fallback action for
// per-packet script errors, defaulting to Allow (represented as
// ActionNone, i.e. "pass unchanged") per SPEC_FULL.md §7.
func (c *Config) ScriptErrorDefaultAction() Action {
	if c.Flow.ScriptErrorDefault == "" {
		return ActionNone
	}
	return c.Flow.ScriptErrorDefault
}

// ScriptPath resolves Execution.Script against the config file's directory.
func (c *Config) ScriptPath() string {
	if c.Execution.Script == "" {
		return ""
	}
	if filepath.IsAbs(c.Execution.Script) {
		return c.Execution.Script
	}
	return filepath.Join(c.dir, c.Execution.Script)
}

// ModelPath resolves a model's configured path against the config file's
// directory.
func (c *Config) ModelPath(m Model) string {
	if filepath.IsAbs(m.Path) {
		return m.Path
	}
	return filepath.Join(c.dir, m.Path)
}

// Load reads and decodes a TOML config file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindConfig, "failed to read config file")
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindConfig, "failed to decode TOML config")
	}
	cfg.dir = filepath.Dir(path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants that can be verified without
// opening a packet source, per SPEC_FULL.md §7's "configuration error"
// category.
func (c *Config) Validate() error {
	switch c.Execution.Mode {
	case ModePython, ModeCensorLang:
	default:
		return cerrors.Errorf(cerrors.KindConfig, "execution.mode must be %q or %q, got %q", ModePython, ModeCensorLang, c.Execution.Mode)
	}
	if c.Execution.Script == "" {
		return cerrors.New(cerrors.KindConfig, "execution.script is required")
	}

	actions := []struct {
		name string
		a    Action
	}{
		{"ethernet.unknown", c.Ethernet.Unknown},
		{"ethernet.allowlist.action", c.Ethernet.Allowlist.Action},
		{"ethernet.blocklist.action", c.Ethernet.Blocklist.Action},
		{"arp.action", c.ARP.Action},
		{"ip.unknown", c.IP.Unknown},
		{"ip.allowlist.action", c.IP.Allowlist.Action},
		{"ip.blocklist.action", c.IP.Blocklist.Action},
		{"icmp.action", c.ICMP.Action},
		{"tcp.port_allowlist.action", c.TCP.PortAllowlist.Action},
		{"tcp.port_blocklist.action", c.TCP.PortBlocklist.Action},
		{"tcp.ip_port_allowlist.action", c.TCP.IPPortAllowlist.Action},
		{"tcp.ip_port_blocklist.action", c.TCP.IPPortBlocklist.Action},
		{"udp.port_allowlist.action", c.UDP.PortAllowlist.Action},
		{"udp.port_blocklist.action", c.UDP.PortBlocklist.Action},
		{"udp.ip_port_allowlist.action", c.UDP.IPPortAllowlist.Action},
		{"udp.ip_port_blocklist.action", c.UDP.IPPortBlocklist.Action},
	}
	for _, a := range actions {
		if !a.a.Valid() {
			return cerrors.Errorf(cerrors.KindConfig, "%s: invalid action %q", a.name, a.a)
		}
	}

	for name, m := range c.Models {
		if m.Path == "" {
			return cerrors.Errorf(cerrors.KindConfig, "models.%s.path is required", name)
		}
	}

	if c.Logging.Syslog != nil && c.Logging.Syslog.Enabled && c.Logging.Syslog.Host == "" {
		return cerrors.New(cerrors.KindConfig, "logging.syslog.host is required when syslog is enabled")
	}

	return nil
}

// ValidateForSink checks sink-specific constraints that distinguish the
// queue and tap backends, per SPEC_FULL.md §4.4/§4.8: Drop is only valid
// with the Queue sink ("Drop is a lie in tap mode").
func (c *Config) ValidateForSink(queueSink bool, log *logging.Logger) error {
	if queueSink {
		return nil
	}

	dropUsers := []struct {
		name string
		a    Action
	}{
		{"ethernet.unknown", c.Ethernet.Unknown},
		{"ethernet.blocklist.action", c.Ethernet.Blocklist.Action},
		{"ip.unknown", c.IP.Unknown},
		{"ip.blocklist.action", c.IP.Blocklist.Action},
		{"icmp.action", c.ICMP.Action},
		{"tcp.port_blocklist.action", c.TCP.PortBlocklist.Action},
		{"tcp.ip_port_blocklist.action", c.TCP.IPPortBlocklist.Action},
		{"udp.port_blocklist.action", c.UDP.PortBlocklist.Action},
		{"udp.ip_port_blocklist.action", c.UDP.IPPortBlocklist.Action},
	}
	for _, d := range dropUsers {
		if d.a == ActionDrop && log != nil {
			log.Warn(fmt.Sprintf("%s is configured as Drop, but the tap sink cannot drop packets; it will be promoted to None", d.name))
		}
	}
	return nil
}
