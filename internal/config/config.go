package config

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config carries one node's settings. It is built once at startup from
// defaults, an optional YAML file and command-line overrides, and is
// read-only afterwards.
type Config struct {
	// Hostname is this node's identity within the cluster. It names the
	// queue consumer channel and is stamped into sender.hostname on every
	// published message, so it must be unique per node.
	Hostname string `yaml:"hostname"`

	// Port is the IRC listener TCP port.
	Port int `yaml:"port"`

	// Network is the display name used in the welcome reply. Defaults to
	// Hostname when empty.
	Network string `yaml:"network"`

	// Store connection.
	DB      string `yaml:"db"`
	RDBHost string `yaml:"rdb_host"`
	RDBPort int    `yaml:"rdb_port"`

	// Queue fabric: writer destinations and reader discovery.
	NSQDTCPAddresses     []string `yaml:"nsqd_tcp_address"`
	LookupdHTTPAddresses []string `yaml:"lookupd_http_address"`

	// Realm policies.
	UserOnRequest  bool `yaml:"user_on_request"`
	GroupOnRequest bool `yaml:"group_on_request"`

	// TLS for the IRC listener.
	SSL     bool   `yaml:"ssl"`
	SSLCert string `yaml:"ssl_cert"`
	SSLKey  string `yaml:"ssl_key"`

	// WSPort serves IRC over WebSocket when > 0.
	WSPort int `yaml:"ws_port"`

	// MOTD is an optional path to a message-of-the-day file, reloaded on
	// change. Relative paths are resolved against the config file's dir.
	MOTD string `yaml:"motd"`

	Verbose bool `yaml:"verbose"`
}

// fileDoc is the on-disk YAML layout: settings nest under a "config" key.
type fileDoc struct {
	Config Config `yaml:"config"`
}

func Default() Config {
	return Config{
		Hostname:             "localhost",
		Port:                 5799,
		DB:                   "ircmesh",
		RDBHost:              "localhost",
		RDBPort:              28015,
		NSQDTCPAddresses:     []string{"127.0.0.1:4150"},
		LookupdHTTPAddresses: []string{"127.0.0.1:4161"},
		UserOnRequest:        true,
		GroupOnRequest:       false,
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be 1..65535")
	}
	if strings.TrimSpace(c.DB) == "" {
		return errors.New("db is required")
	}
	if strings.TrimSpace(c.RDBHost) == "" {
		return errors.New("rdb_host is required")
	}
	if c.RDBPort < 1 || c.RDBPort > 65535 {
		return errors.New("rdb_port must be 1..65535")
	}
	if len(c.NSQDTCPAddresses) == 0 {
		return errors.New("at least one nsqd_tcp_address is required")
	}
	if len(c.LookupdHTTPAddresses) == 0 {
		return errors.New("at least one lookupd_http_address is required")
	}
	if c.SSL {
		if strings.TrimSpace(c.SSLCert) == "" || strings.TrimSpace(c.SSLKey) == "" {
			return errors.New("ssl requires ssl_cert and ssl_key")
		}
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		return errors.New("ws_port must be 0..65535")
	}
	if c.WSPort != 0 && c.WSPort == c.Port {
		return errors.New("ws_port must differ from port")
	}
	return nil
}

// NetworkName returns the display name for welcome replies.
func (c *Config) NetworkName() string {
	if strings.TrimSpace(c.Network) != "" {
		return c.Network
	}
	return c.Hostname
}

// RDBAddr returns the store address as host:port.
func (c *Config) RDBAddr() string {
	return net.JoinHostPort(c.RDBHost, strconv.Itoa(c.RDBPort))
}

// Load reads a YAML config file, layered over defaults. Missing fields
// keep their default values.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	doc := fileDoc{Config: Default()}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Config{}, err
	}

	if err := doc.Config.Validate(); err != nil {
		return Config{}, err
	}

	return doc.Config, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
