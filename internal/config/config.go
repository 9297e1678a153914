// Package config loads and validates the router's YAML configuration
// (spec §6 "external collaborator" contract, generalized in SPEC_FULL.md
// §6 into a typed internal loader). Shape is grounded on the teacher's
// pkg/config.Config (a single struct, a Load(path) function, a
// DefaultConfig constructor) carried over verbatim in structure and
// widened from {gnmi_port, mock_installer} to the full interface/
// protocol/shaping/impairment surface this module needs, and switched
// from encoding/json to gopkg.in/yaml.v3 per SPEC_FULL.md §0.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError names one field-level validation failure (spec §7: surfaces
// at load time, aborts only the affected component).
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

// InterfaceConfig describes one virtual NIC (spec §3).
type InterfaceConfig struct {
	Name         string `yaml:"name"`
	Addr         string `yaml:"addr"`
	Mask         int    `yaml:"mask"`
	MTU          int    `yaml:"mtu"`
	BandwidthBps uint64 `yaml:"bandwidth_bps"`
}

// StaticRouteConfig describes one operator-entered static route (spec §3).
type StaticRouteConfig struct {
	Dest      string `yaml:"dest"`
	NextHop   string `yaml:"next_hop"`
	OutIface  string `yaml:"out_iface"`
	AdminDist uint32 `yaml:"admin_distance"`
}

// BGPNeighborConfig describes one configured BGP peer (spec §4.3.1).
type BGPNeighborConfig struct {
	Addr      string `yaml:"addr"`
	RemoteASN uint32 `yaml:"remote_asn"`
	HoldTimeS int    `yaml:"hold_time_s"`
}

// BGPConfig is the local BGP speaker's configuration.
type BGPConfig struct {
	Enabled   bool                `yaml:"enabled"`
	ASN       uint32              `yaml:"asn"`
	RouterID  string              `yaml:"router_id"`
	Neighbors []BGPNeighborConfig `yaml:"neighbors"`
}

// OSPFAreaConfig assigns interfaces to an OSPF area (spec §4.3.2).
type OSPFAreaConfig struct {
	AreaID     uint32   `yaml:"area_id"`
	Interfaces []string `yaml:"interfaces"`
}

// OSPFConfig is the local OSPFv2 process's configuration.
type OSPFConfig struct {
	Enabled  bool             `yaml:"enabled"`
	RouterID string           `yaml:"router_id"`
	Areas    []OSPFAreaConfig `yaml:"areas"`
}

// ISISConfig is the local IS-IS process's configuration.
type ISISConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SystemID   string   `yaml:"system_id"`
	Level      int      `yaml:"level"` // 1, 2, or 3 (level-1-2)
	Interfaces []string `yaml:"interfaces"`
}

// ProtocolsConfig groups the three protocol FSMs' configuration (spec C5).
type ProtocolsConfig struct {
	BGP  BGPConfig  `yaml:"bgp"`
	OSPF OSPFConfig `yaml:"ospf"`
	ISIS ISISConfig `yaml:"isis"`
}

// REDConfig mirrors shaper.RED in YAML-friendly form.
type REDConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MinThreshold   float64 `yaml:"min_threshold"`
	MaxThreshold   float64 `yaml:"max_threshold"`
	MaxProbability float64 `yaml:"max_probability"`
}

// ShapingConfig mirrors shaper.Config (spec §4.4) per named interface.
type ShapingConfig struct {
	Algorithm  string    `yaml:"algorithm"` // token_bucket | wfq | strict_priority
	RateBps    uint64    `yaml:"rate_bps"`
	BurstBytes uint64    `yaml:"burst_bytes"`
	QueueLimit int       `yaml:"queue_limit"`
	Weights    [8]float64 `yaml:"weights"`
	RED        REDConfig `yaml:"red"`
}

// ImpairmentConfig mirrors impair.Config (spec §4.5) per named interface.
type ImpairmentConfig struct {
	LossPct       float64 `yaml:"loss_pct"`
	Correlation   float64 `yaml:"correlation"`
	CorruptPct    float64 `yaml:"corrupt_pct"`
	DupPct        float64 `yaml:"dup_pct"`
	DelayMs       float64 `yaml:"delay_ms"`
	JitterMs      float64 `yaml:"jitter_ms"`
	Distribution  string  `yaml:"distribution"` // uniform | normal | pareto
	ReorderPct    float64 `yaml:"reorder_pct"`
	ReorderGap    int     `yaml:"gap"`
	BandwidthKbps uint64  `yaml:"bandwidth_kbps"`
}

// RouterConfig is the full configuration document (SPEC_FULL.md §6).
type RouterConfig struct {
	GNMIPort     int                         `yaml:"gnmi_port"`
	Interfaces   []InterfaceConfig           `yaml:"interfaces"`
	StaticRoutes []StaticRouteConfig         `yaml:"static_routes"`
	Protocols    ProtocolsConfig             `yaml:"protocols"`
	Shaping      map[string]ShapingConfig    `yaml:"shaping"`
	Impairments  map[string]ImpairmentConfig `yaml:"impairments"`
}

// Default returns a minimal, valid configuration: one loopback-style
// interface, no protocols enabled, no shaping or impairment overrides.
func Default() *RouterConfig {
	return &RouterConfig{
		GNMIPort: 50099,
		Interfaces: []InterfaceConfig{
			{Name: "eth0", Addr: "10.0.0.1", Mask: 24, MTU: 1500, BandwidthBps: 1_000_000_000},
		},
	}
}

// Load reads and parses a YAML configuration file. Parse failures are
// returned as the error; semantic failures are returned separately by
// Validate so that callers can report every violation at once rather than
// failing on the first.
func Load(path string) (*RouterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg RouterConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate applies spec §6's semantic rules and returns every violation
// found (empty slice means the configuration is usable).
func (c *RouterConfig) Validate() []ConfigError {
	var errsOut []ConfigError

	seen := make(map[string]bool)
	for i, ifc := range c.Interfaces {
		field := fmt.Sprintf("interfaces[%d]", i)
		if ifc.Name == "" {
			errsOut = append(errsOut, ConfigError{field + ".name", "must not be empty"})
		} else if seen[ifc.Name] {
			errsOut = append(errsOut, ConfigError{field + ".name", "duplicate interface name " + ifc.Name})
		}
		seen[ifc.Name] = true
		if ifc.Mask < 0 || ifc.Mask > 32 {
			errsOut = append(errsOut, ConfigError{field + ".mask", "must be 0..32"})
		}
		if ifc.MTU <= 0 {
			errsOut = append(errsOut, ConfigError{field + ".mtu", "must be > 0"})
		}
	}

	for name, sh := range c.Shaping {
		field := fmt.Sprintf("shaping[%s]", name)
		if !seen[name] {
			errsOut = append(errsOut, ConfigError{field, "references undefined interface"})
		}
		switch sh.Algorithm {
		case "token_bucket", "wfq", "strict_priority", "":
		default:
			errsOut = append(errsOut, ConfigError{field + ".algorithm", "must be one of token_bucket, wfq, strict_priority"})
		}
		if sh.QueueLimit < 0 {
			errsOut = append(errsOut, ConfigError{field + ".queue_limit", "must be >= 0"})
		}
	}

	for name, im := range c.Impairments {
		field := fmt.Sprintf("impairments[%s]", name)
		if !seen[name] {
			errsOut = append(errsOut, ConfigError{field, "references undefined interface"})
		}
		for _, pct := range []struct {
			name string
			v    float64
		}{{"loss_pct", im.LossPct}, {"corrupt_pct", im.CorruptPct}, {"dup_pct", im.DupPct}, {"reorder_pct", im.ReorderPct}} {
			if pct.v < 0 || pct.v > 100 {
				errsOut = append(errsOut, ConfigError{field + "." + pct.name, "must be in [0, 100]"})
			}
		}
		if im.Correlation < 0 || im.Correlation > 1 {
			errsOut = append(errsOut, ConfigError{field + ".correlation", "must be in [0, 1]"})
		}
		switch im.Distribution {
		case "uniform", "normal", "pareto", "":
		default:
			errsOut = append(errsOut, ConfigError{field + ".distribution", "must be one of uniform, normal, pareto"})
		}
	}

	if bgp := c.Protocols.BGP; bgp.Enabled {
		if bgp.ASN == 0 {
			errsOut = append(errsOut, ConfigError{"protocols.bgp.asn", "must be nonzero when bgp is enabled"})
		}
		for i, n := range bgp.Neighbors {
			if n.Addr == "" {
				errsOut = append(errsOut, ConfigError{fmt.Sprintf("protocols.bgp.neighbors[%d].addr", i), "must not be empty"})
			}
		}
	}
	if ospf := c.Protocols.OSPF; ospf.Enabled && ospf.RouterID == "" {
		errsOut = append(errsOut, ConfigError{"protocols.ospf.router_id", "must not be empty when ospf is enabled"})
	}
	if isis := c.Protocols.ISIS; isis.Enabled {
		if isis.SystemID == "" {
			errsOut = append(errsOut, ConfigError{"protocols.isis.system_id", "must not be empty when isis is enabled"})
		}
		if isis.Level != 1 && isis.Level != 2 && isis.Level != 3 {
			errsOut = append(errsOut, ConfigError{"protocols.isis.level", "must be 1, 2, or 3"})
		}
	}

	return errsOut
}
