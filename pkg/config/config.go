package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/decibel/bdr/pkg/origin"
)

var validate = validator.New()

// PeerConfig identifies one remote node and how to reach its message bus.
type PeerConfig struct {
	Name    string        `yaml:"name" validate:"required"`
	Origin  origin.Origin `yaml:"origin"`
	BusAddr string        `yaml:"bus_addr" validate:"required"`

	// ForwardChangesets opts the apply worker for this peer into
	// cascading topologies: it also replays transactions the peer
	// forwarded from third nodes.
	ForwardChangesets bool `yaml:"forward_changesets"`
}

// SequencerConfig tunes the per-sequence chunk elections.
type SequencerConfig struct {
	ChunkSize       int64         `yaml:"chunk_size" validate:"min=1"`
	LowWaterMark    int64         `yaml:"low_water_mark" validate:"min=0"`
	ElectionTimeout time.Duration `yaml:"election_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// LockConfig tunes the global DDL lock protocol.
type LockConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// ConflictLogConfig controls durable conflict history.
type ConflictLogConfig struct {
	LogToTable    bool `yaml:"log_to_table"`
	IncludeTuples bool `yaml:"include_tuples"`
}

// NodeConfig is the full configuration for one replication node.
type NodeConfig struct {
	NodeName    string        `yaml:"node_name" validate:"required"`
	LocalOrigin origin.Origin `yaml:"local_origin"`

	Peers []PeerConfig `yaml:"peers"`

	BusListenAddr string `yaml:"bus_listen_addr"`
	DatabaseURL   string `yaml:"database_url"`

	// MaxWorkers sizes the worker registry slot array.
	MaxWorkers int `yaml:"max_workers" validate:"min=1"`

	// ReplicationSets this node participates in, in configured order.
	ReplicationSets []string `yaml:"replication_sets"`

	Sequencer   SequencerConfig   `yaml:"sequencer"`
	Lock        LockConfig        `yaml:"lock"`
	ConflictLog ConflictLogConfig `yaml:"conflict_log"`
}

// DefaultNodeConfig returns a configuration with safe defaults; identity,
// peers and the store URL must still be filled in.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		MaxWorkers:      8,
		ReplicationSets: []string{"default"},
		Sequencer: SequencerConfig{
			ChunkSize:       10000,
			LowWaterMark:    1000,
			ElectionTimeout: 5 * time.Second,
			RetryBackoff:    1 * time.Second,
		},
		Lock: LockConfig{
			AckTimeout: 10 * time.Second,
		},
		ConflictLog: ConflictLogConfig{
			LogToTable:    true,
			IncludeTuples: false,
		},
	}
}

// Load reads and validates a node configuration from a YAML file.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultNodeConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags plus the cross-field rules the tags can't express.
func (c *NodeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.LocalOrigin.IsZero() {
		return ErrNoLocalOrigin
	}
	if len(c.Peers) == 0 {
		return ErrNoPeers
	}
	if c.BusListenAddr == "" {
		return ErrNoBusListenAddr
	}
	if c.DatabaseURL == "" {
		return ErrNoDatabaseURL
	}

	seen := make(map[origin.Origin]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Origin == c.LocalOrigin {
			return ErrSelfPeer
		}
		if seen[p.Origin] {
			return ErrDuplicatePeer
		}
		seen[p.Origin] = true
	}

	if c.Sequencer.ChunkSize <= c.Sequencer.LowWaterMark {
		return ErrChunkTooSmall
	}
	if c.Sequencer.ElectionTimeout <= c.Sequencer.RetryBackoff {
		return ErrTimeoutTooSmall
	}

	// One apply worker per peer plus the per-database coordinator.
	if c.MaxWorkers < len(c.Peers)+1 {
		return ErrTooFewWorkerSlots
	}

	return nil
}

// NodeCount returns the number of configured nodes including the local one.
func (c *NodeConfig) NodeCount() int {
	return len(c.Peers) + 1
}

// Quorum returns the strict majority of configured nodes.
func (c *NodeConfig) Quorum() int {
	return c.NodeCount()/2 + 1
}
