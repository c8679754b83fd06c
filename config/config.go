// Package config holds the TOML configuration for the chainqueue CLI and
// maps it onto the core queue config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/chainqueue/chainqueue/txqueue"
)

// Duration is a time.Duration that (un)marshals as a TOML string like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

type TOMLConfig struct {
	Debug           *bool
	PollInterval    *Duration
	Timeout         *Duration
	MaxRetries      *uint32
	RetentionPeriod *Duration
	ReapInterval    *Duration
	ChainIDFilter   *uint64
	MetricsAddr     *string

	Store StoreConfig
	Nodes []NodeConfig
}

type StoreConfig struct {
	// Backend selects the persistence medium: "file" or "leveldb".
	Backend   *string
	Path      *string
	Namespace *string
}

type NodeConfig struct {
	Name    *string
	ChainID *uint64
	URL     *string
}

func (n *NodeConfig) ValidateConfig() error {
	var err error
	if n.Name == nil || *n.Name == "" {
		err = errors.Join(err, errors.New("Name: required for all nodes"))
	}
	if n.ChainID == nil || *n.ChainID == 0 {
		err = errors.Join(err, errors.New("ChainID: required for all nodes"))
	}
	if n.URL == nil || *n.URL == "" {
		err = errors.Join(err, errors.New("URL: required for all nodes"))
	}
	return err
}

func Defaults() TOMLConfig {
	debug := false
	poll := Duration(txqueue.DefaultPollInterval)
	timeout := Duration(txqueue.DefaultTimeout)
	reap := Duration(txqueue.DefaultReapInterval)
	backend := "file"
	path := ".chainqueue"
	namespace := "default"
	return TOMLConfig{
		Debug:        &debug,
		PollInterval: &poll,
		Timeout:      &timeout,
		ReapInterval: &reap,
		Store: StoreConfig{
			Backend:   &backend,
			Path:      &path,
			Namespace: &namespace,
		},
	}
}

// SetFrom overlays non-nil fields of other onto c.
func (c *TOMLConfig) SetFrom(other *TOMLConfig) {
	if other.Debug != nil {
		c.Debug = other.Debug
	}
	if other.PollInterval != nil {
		c.PollInterval = other.PollInterval
	}
	if other.Timeout != nil {
		c.Timeout = other.Timeout
	}
	if other.MaxRetries != nil {
		c.MaxRetries = other.MaxRetries
	}
	if other.RetentionPeriod != nil {
		c.RetentionPeriod = other.RetentionPeriod
	}
	if other.ReapInterval != nil {
		c.ReapInterval = other.ReapInterval
	}
	if other.ChainIDFilter != nil {
		c.ChainIDFilter = other.ChainIDFilter
	}
	if other.MetricsAddr != nil {
		c.MetricsAddr = other.MetricsAddr
	}
	if other.Store.Backend != nil {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.Path != nil {
		c.Store.Path = other.Store.Path
	}
	if other.Store.Namespace != nil {
		c.Store.Namespace = other.Store.Namespace
	}
	if len(other.Nodes) > 0 {
		c.Nodes = other.Nodes
	}
}

func (c *TOMLConfig) ValidateConfig() error {
	var err error
	if c.Store.Backend != nil {
		switch *c.Store.Backend {
		case "file", "leveldb":
		default:
			err = errors.Join(err, fmt.Errorf("Store.Backend: unknown backend %q", *c.Store.Backend))
		}
	}
	if len(c.Nodes) == 0 {
		err = errors.Join(err, errors.New("Nodes: at least one node is required"))
	}
	seen := map[uint64]string{}
	for i := range c.Nodes {
		node := &c.Nodes[i]
		if nodeErr := node.ValidateConfig(); nodeErr != nil {
			err = errors.Join(err, nodeErr)
			continue
		}
		if prev, dup := seen[*node.ChainID]; dup {
			err = errors.Join(err, fmt.Errorf("Nodes: chain id %d configured by both %q and %q", *node.ChainID, prev, *node.Name))
			continue
		}
		seen[*node.ChainID] = *node.Name
	}
	return err
}

// QueueConfig maps the TOML fields onto the core queue configuration.
func (c *TOMLConfig) QueueConfig() txqueue.Config {
	cfg := txqueue.Config{
		PollInterval:    c.PollInterval.Duration(),
		Timeout:         c.Timeout.Duration(),
		RetentionPeriod: c.RetentionPeriod.Duration(),
		ReapInterval:    c.ReapInterval.Duration(),
	}
	if c.Debug != nil {
		cfg.Debug = *c.Debug
	}
	if c.MaxRetries != nil {
		cfg.MaxRetries = *c.MaxRetries
	}
	if c.ChainIDFilter != nil {
		cfg.ChainIDFilter = *c.ChainIDFilter
	}
	return cfg
}

// NodeURLs returns the configured RPC endpoint per chain id.
func (c *TOMLConfig) NodeURLs() map[uint64]string {
	urls := map[uint64]string{}
	for i := range c.Nodes {
		node := &c.Nodes[i]
		if node.ChainID != nil && node.URL != nil {
			urls[*node.ChainID] = *node.URL
		}
	}
	return urls
}

// Load reads a TOML file, overlays it onto the defaults and validates the
// result. Unknown fields are rejected.
func Load(path string) (*TOMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(string(data))
}

func Parse(raw string) (*TOMLConfig, error) {
	d := toml.NewDecoder(strings.NewReader(raw))
	d.DisallowUnknownFields()

	var fileCfg TOMLConfig
	if err := d.Decode(&fileCfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg := Defaults()
	cfg.SetFrom(&fileCfg)
	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
