// Package config loads node and simulation settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/user/blemesh/aead"
	"github.com/user/blemesh/logger"
	"github.com/user/blemesh/mesh"
	"github.com/user/blemesh/transfer"
	"github.com/user/blemesh/trunk"
	"github.com/user/blemesh/util"
	"github.com/user/blemesh/wire"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved configuration of a node or simulation.
type Config struct {
	SourceID              uint64
	Session               uint64
	MTU                   int
	RetryBackoff          time.Duration
	MaxRetries            int
	AdvertisePredecessors bool
	EncryptionKey         []byte
	DataDir               string
	LogLevel              logger.LogLevel
	Simulation            wire.SimulationConfig
}

// Default returns the configuration used when no file is given.
func Default() Config {
	meshCfg := mesh.DefaultConfig()
	return Config{
		Session:               1,
		MTU:                   185,
		RetryBackoff:          meshCfg.RetryBackoff,
		MaxRetries:            meshCfg.MaxRetries,
		AdvertisePredecessors: meshCfg.AdvertisePredecessors,
		DataDir:               util.GetDataDir(),
		LogLevel:              logger.INFO,
		Simulation:            *wire.PerfectSimulationConfig(),
	}
}

type fileConfig struct {
	SourceID              string         `toml:"source_id"`
	Session               string         `toml:"session"`
	MTU                   int            `toml:"mtu"`
	RetryBackoff          string         `toml:"retry_backoff"`
	MaxRetries            int            `toml:"max_retries"`
	AdvertisePredecessors bool           `toml:"advertise_predecessors"`
	EncryptionKey         string         `toml:"encryption_key"`
	DataDir               string         `toml:"data_dir"`
	LogLevel              string         `toml:"log_level"`
	Simulation            fileSimulation `toml:"simulation"`
}

type fileSimulation struct {
	PacketLossRate        float64 `toml:"packet_loss_rate"`
	ConnectionFailureRate float64 `toml:"connection_failure_rate"`
	FramesPerSecond       float64 `toml:"frames_per_second"`
	QueueDepth            int     `toml:"queue_depth"`
	Deterministic         bool    `toml:"deterministic"`
	Seed                  int64   `toml:"seed"`
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logger.Warn("config", "ignoring unknown keys in %s: %v", path, undecoded)
	}

	if meta.IsDefined("source_id") {
		id, err := parseID(raw.SourceID)
		if err != nil {
			return Config{}, fmt.Errorf("parse source_id: %w", err)
		}
		cfg.SourceID = id
	}

	if meta.IsDefined("session") {
		id, err := parseID(raw.Session)
		if err != nil {
			return Config{}, fmt.Errorf("parse session: %w", err)
		}
		cfg.Session = id
	}

	if meta.IsDefined("mtu") {
		cfg.MTU = raw.MTU
	}

	if meta.IsDefined("retry_backoff") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryBackoff))
		if err != nil {
			return Config{}, fmt.Errorf("parse retry_backoff: %w", err)
		}
		cfg.RetryBackoff = d
	}

	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}

	if meta.IsDefined("advertise_predecessors") {
		cfg.AdvertisePredecessors = raw.AdvertisePredecessors
	}

	if meta.IsDefined("encryption_key") {
		key, err := aead.ParseKey(raw.EncryptionKey)
		if err != nil {
			return Config{}, fmt.Errorf("parse encryption_key: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = logger.ParseLevel(strings.TrimSpace(raw.LogLevel))
	}

	sim := &cfg.Simulation
	if meta.IsDefined("simulation", "packet_loss_rate") {
		sim.PacketLossRate = raw.Simulation.PacketLossRate
	}
	if meta.IsDefined("simulation", "connection_failure_rate") {
		sim.ConnectionFailureRate = raw.Simulation.ConnectionFailureRate
	}
	if meta.IsDefined("simulation", "frames_per_second") {
		sim.FramesPerSecond = raw.Simulation.FramesPerSecond
	}
	if meta.IsDefined("simulation", "queue_depth") {
		sim.QueueDepth = raw.Simulation.QueueDepth
	}
	if meta.IsDefined("simulation", "deterministic") {
		sim.Deterministic = raw.Simulation.Deterministic
	}
	if meta.IsDefined("simulation", "seed") {
		sim.Seed = raw.Simulation.Seed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseID accepts decimal or 0x-prefixed hexadecimal. TOML integers are
// signed, so 64-bit identifiers are written as strings.
func parseID(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// MinMTU returns the smallest MTU that carries the largest slice message
// within the frame limit.
func MinMTU(encrypted bool) int {
	size := transfer.MaxSliceMessageSize
	if encrypted {
		size += aead.Overhead
	}
	return (size+trunk.MaxFrames-1)/trunk.MaxFrames + trunk.HeaderLength
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if lowest := MinMTU(len(c.EncryptionKey) > 0); c.MTU < lowest || c.MTU > wire.MaxMTU {
		return fmt.Errorf("%w: mtu %d outside [%d, %d]", ErrInvalid, c.MTU, lowest, wire.MaxMTU)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: negative retry_backoff %s", ErrInvalid, c.RetryBackoff)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries %d", ErrInvalid, c.MaxRetries)
	}
	if len(c.EncryptionKey) > 0 && len(c.EncryptionKey) != aead.KeySize {
		return fmt.Errorf("%w: encryption_key must be %d bytes", ErrInvalid, aead.KeySize)
	}
	if r := c.Simulation.PacketLossRate; r < 0 || r >= 1 {
		return fmt.Errorf("%w: packet_loss_rate %v outside [0, 1)", ErrInvalid, r)
	}
	if r := c.Simulation.ConnectionFailureRate; r < 0 || r >= 1 {
		return fmt.Errorf("%w: connection_failure_rate %v outside [0, 1)", ErrInvalid, r)
	}
	if c.Simulation.FramesPerSecond < 0 {
		return fmt.Errorf("%w: negative frames_per_second", ErrInvalid)
	}
	return nil
}

// Mesh returns the manager settings.
func (c Config) Mesh() mesh.Config {
	return mesh.Config{
		AdvertisePredecessors: c.AdvertisePredecessors,
		RetryBackoff:          c.RetryBackoff,
		MaxRetries:            c.MaxRetries,
	}
}

// Cipher returns the message cipher, or nil when no key is configured.
func (c Config) Cipher() (trunk.Cipher, error) {
	if len(c.EncryptionKey) == 0 {
		return nil, nil
	}
	cipher, err := aead.New(c.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher, nil
}

// Wire returns a copy of the simulation settings with the device MTU
// applied.
func (c Config) Wire() *wire.SimulationConfig {
	sim := c.Simulation
	sim.DefaultMTU = c.MTU
	if sim.MinMTU > c.MTU {
		sim.MinMTU = c.MTU
	}
	return &sim
}
