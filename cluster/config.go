package cluster

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
)

// Config holds the per-node cluster settings. Durations come from the config
// file as integer seconds; defaults match the original deployment values.
type Config struct {
	ID      string
	Host    string
	Port    int // cluster/gossip port
	APIPort int

	Seeds          []string
	VirtualNodes   int
	GossipInterval time.Duration
	NodeTimeout    time.Duration

	// TombstoneAfter removes Dead nodes from the membership table once they
	// have been unresponsive for this long. Zero retains them forever.
	TombstoneAfter time.Duration
}

// Default returns the settings a node runs with when the config file omits a
// key.
func Default() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           7946,
		APIPort:        3031,
		VirtualNodes:   10,
		GossipInterval: 1 * time.Second,
		NodeTimeout:    10 * time.Second,
	}
}

// EnsureID assigns a stable ID when the config leaves one out: the 16-hex
// digest of the cluster address.
func (c *Config) EnsureID() {
	if c.ID != "" {
		return
	}
	sum := xxhash.Sum64String(c.BindAddr())
	c.ID = fmt.Sprintf("%016x", sum)
}

// BindAddr is the cluster-port listen address.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Self builds this node's membership entry.
func (c Config) Self() NodeInfo {
	return NodeInfo{
		ID:      c.ID,
		Host:    c.Host,
		Port:    c.Port,
		APIPort: c.APIPort,
		State:   StateAlive,
	}
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid cluster port %d", c.Port)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api port %d", c.APIPort)
	}
	if c.VirtualNodes <= 0 {
		return fmt.Errorf("virtual_nodes must be positive, got %d", c.VirtualNodes)
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("gossip_interval must be positive")
	}
	if c.NodeTimeout <= 0 {
		return fmt.Errorf("node_timeout must be positive")
	}
	for _, s := range c.Seeds {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("invalid seed %q: %w", s, err)
		}
	}
	return nil
}

// fileConfig mirrors the [node]/[cluster] layout of the TOML config file.
type fileConfig struct {
	Node struct {
		ID      string `toml:"id"`
		Host    string `toml:"host"`
		Port    int    `toml:"port"`
		APIPort int    `toml:"api_port"`
	} `toml:"node"`
	Cluster struct {
		Seeds          []string `toml:"seeds"`
		VirtualNodes   int      `toml:"virtual_nodes"`
		GossipInterval int      `toml:"gossip_interval"`
		NodeTimeout    int      `toml:"node_timeout"`
		TombstoneAfter int      `toml:"tombstone_after"`
	} `toml:"cluster"`
}

// LoadConfig reads a TOML cluster config, layering it over Default().
func LoadConfig(path string) (Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, fmt.Errorf("load cluster config %s: %w", path, err)
	}

	cfg := Default()
	if fc.Node.ID != "" {
		cfg.ID = fc.Node.ID
	}
	if fc.Node.Host != "" {
		cfg.Host = fc.Node.Host
	}
	if fc.Node.Port != 0 {
		cfg.Port = fc.Node.Port
	}
	if fc.Node.APIPort != 0 {
		cfg.APIPort = fc.Node.APIPort
	}
	cfg.Seeds = fc.Cluster.Seeds
	if fc.Cluster.VirtualNodes != 0 {
		cfg.VirtualNodes = fc.Cluster.VirtualNodes
	}
	if fc.Cluster.GossipInterval != 0 {
		cfg.GossipInterval = time.Duration(fc.Cluster.GossipInterval) * time.Second
	}
	if fc.Cluster.NodeTimeout != 0 {
		cfg.NodeTimeout = time.Duration(fc.Cluster.NodeTimeout) * time.Second
	}
	if fc.Cluster.TombstoneAfter != 0 {
		cfg.TombstoneAfter = time.Duration(fc.Cluster.TombstoneAfter) * time.Second
	}

	cfg.EnsureID()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("cluster config %s: %w", path, err)
	}
	return cfg, nil
}
