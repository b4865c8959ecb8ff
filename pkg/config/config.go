// Package config loads the server configuration and compiles it into an
// immutable plan. The plan is built once in the master with privileges;
// each worker instantiates its own handler tree from the plan after
// privileges are dropped.
package config

import (
	"fmt"
	"net/netip"
	"time"
)

type Config struct {
	Logging   Logging       `yaml:"logging"`
	Server    Server        `yaml:"server"`
	Listeners []Listener    `yaml:"listeners"`
	Handlers  []HandlerSpec `yaml:"handlers"`
	LeaseDB   LeaseDB       `yaml:"leasequery_db,omitempty"`
	Exporter  Exporter      `yaml:"exporter,omitempty"`
}

type Logging struct {
	Format     string            `yaml:"format"`
	Level      string            `yaml:"level"`
	Components map[string]string `yaml:"components,omitempty"`
}

type Server struct {
	DUID                  DUIDSpec      `yaml:"duid,omitempty"`
	User                  string        `yaml:"user,omitempty"`
	Group                 string        `yaml:"group,omitempty"`
	Workers               int           `yaml:"workers,omitempty"`
	QueueSize             int           `yaml:"queue_size,omitempty"`
	PIDFile               string        `yaml:"pid_file,omitempty"`
	ControlSocket         string        `yaml:"control_socket,omitempty"`
	AllowRapidCommit      bool          `yaml:"allow_rapid_commit,omitempty"`
	RapidCommitRejections bool          `yaml:"rapid_commit_rejections,omitempty"`
	Authoritative         bool          `yaml:"authoritative,omitempty"`
	BundleDeadline        time.Duration `yaml:"bundle_deadline,omitempty"`
	DrainDeadline         time.Duration `yaml:"drain_deadline,omitempty"`
	RelayHopLimit         int           `yaml:"relay_hop_limit,omitempty"`
}

// DUIDSpec describes the server DUID. With an empty Type a DUID-UUID is
// generated at load time.
type DUIDSpec struct {
	Type         string `yaml:"type,omitempty"` // ll, llt, en, uuid
	HardwareType uint16 `yaml:"hardware_type,omitempty"`
	Address      string `yaml:"address,omitempty"` // link-layer address
	Time         uint32 `yaml:"time,omitempty"`
	Enterprise   uint32 `yaml:"enterprise,omitempty"`
	Identifier   string `yaml:"identifier,omitempty"` // hex
	UUID         string `yaml:"uuid,omitempty"`
}

// Listener is a tagged variant over the three listener kinds.
type Listener struct {
	Type string `yaml:"type"` // multicast, unicast, tcp

	// multicast
	Interface    string `yaml:"interface,omitempty"`
	ReplyFrom    string `yaml:"reply_from,omitempty"`
	LinkAddress  string `yaml:"link_address,omitempty"`
	ListenToSelf bool   `yaml:"listen_to_self,omitempty"`

	// unicast and tcp
	Address string `yaml:"address,omitempty"`

	// tcp
	MaxConnections int      `yaml:"max_connections,omitempty"`
	AllowFrom      []string `yaml:"allow_from,omitempty"`

	Marks []string `yaml:"marks,omitempty"`
}

// HandlerSpec is one node of the configured pipeline: a handler, or a
// filter with a nested pipeline. The params are interpreted by the factory
// registered for the type.
type HandlerSpec struct {
	Type     string         `yaml:"type"`
	Params   map[string]any `yaml:"params,omitempty"`
	Handlers []HandlerSpec  `yaml:"handlers,omitempty"`
}

type LeaseDB struct {
	Path string `yaml:"path,omitempty"`
}

type Exporter struct {
	Address string `yaml:"address,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 0 // resolved to CPU count by the master
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 100
	}
	if c.Server.PIDFile == "" {
		c.Server.PIDFile = "/var/run/ipv6-dhcpd.pid"
	}
	if c.Server.ControlSocket == "" {
		c.Server.ControlSocket = "/var/run/ipv6-dhcpd.sock"
	}
	if c.Server.BundleDeadline == 0 {
		c.Server.BundleDeadline = 5 * time.Second
	}
	if c.Server.DrainDeadline == 0 {
		c.Server.DrainDeadline = 10 * time.Second
	}
	if c.Server.RelayHopLimit == 0 {
		c.Server.RelayHopLimit = 32
	}
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.Type == "tcp" && l.MaxConnections == 0 {
			l.MaxConnections = 10
		}
	}
}

func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	for i, l := range c.Listeners {
		switch l.Type {
		case "multicast":
			if l.Interface == "" {
				return fmt.Errorf("listeners[%d]: multicast listener needs an interface", i)
			}
		case "unicast":
			if _, err := netip.ParseAddr(l.Address); err != nil {
				return fmt.Errorf("listeners[%d]: unicast address: %w", i, err)
			}
		case "tcp":
			if _, err := netip.ParseAddrPort(l.Address); err != nil {
				if _, err2 := netip.ParseAddr(l.Address); err2 != nil {
					return fmt.Errorf("listeners[%d]: tcp address: %w", i, err)
				}
			}
			for j, prefix := range l.AllowFrom {
				if _, err := netip.ParsePrefix(prefix); err != nil {
					return fmt.Errorf("listeners[%d].allow_from[%d]: %w", i, j, err)
				}
			}
		default:
			return fmt.Errorf("listeners[%d]: unknown listener type %q", i, l.Type)
		}
	}

	return validateHandlerSpecs(c.Handlers, "handlers")
}

func validateHandlerSpecs(specs []HandlerSpec, path string) error {
	for i, spec := range specs {
		p := fmt.Sprintf("%s[%d]", path, i)
		if spec.Type == "" {
			return fmt.Errorf("%s: handler type is required", p)
		}
		if _, ok := GetFactory(spec.Type); !ok {
			return fmt.Errorf("%s: references unknown handler type %q", p, spec.Type)
		}
		if err := validateHandlerSpecs(spec.Handlers, p+".handlers"); err != nil {
			return err
		}
	}
	return nil
}
