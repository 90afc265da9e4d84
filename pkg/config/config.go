package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canopydb/canopy/pkg/types"
)

const (
	DefaultListen  = ":7130"
	DefaultMetrics = ":9130"
	DefaultEtcdTTL = 10 * time.Second
)

type Peer struct {
	Addr  string          `yaml:"addr"`
	Index types.PeerIndex `yaml:"index"`
}

type Etcd struct {
	Endpoints []string      `yaml:"endpoints,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

func (e Etcd) LeaseTTL() time.Duration {
	if e.TTL == 0 {
		return DefaultEtcdTTL
	}
	return e.TTL
}

type Config struct {
	Listen  string `yaml:"listen,omitempty"`
	Metrics string `yaml:"metrics,omitempty"`
	// Advertise is the address peers should use to reach this process;
	// defaults to Listen.
	Advertise string `yaml:"advertise,omitempty"`
	LogLevel  string `yaml:"logLevel,omitempty"`
	Peers     []Peer `yaml:"peers,omitempty"`
	Etcd      Etcd   `yaml:"etcd,omitempty"`
	// ReadDeadline bounds a blocking read; zero waits indefinitely.
	ReadDeadline time.Duration   `yaml:"readDeadline,omitempty"`
	PeerIndex    types.PeerIndex `yaml:"peerIndex"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Metrics == "" {
		c.Metrics = DefaultMetrics
	}
	if c.Advertise == "" {
		c.Advertise = c.Listen
	}
}

func (c *Config) validate() error {
	if c.PeerIndex < 0 {
		return fmt.Errorf("peerIndex must be non-negative, got %d", c.PeerIndex)
	}
	if c.ReadDeadline < 0 {
		return fmt.Errorf("readDeadline must be non-negative, got %s", c.ReadDeadline)
	}

	seen := make(map[types.PeerIndex]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.Index < 0 {
			return fmt.Errorf("peer index must be non-negative, got %d", p.Index)
		}
		if p.Addr == "" {
			return fmt.Errorf("peer %d: addr required", p.Index)
		}
		if _, ok := seen[p.Index]; ok {
			return fmt.Errorf("duplicate peer index %d", p.Index)
		}
		seen[p.Index] = struct{}{}
	}
	return nil
}
