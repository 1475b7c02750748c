package wire

import (
	"math/rand"
	"sync"
	"time"
)

// SimulationConfig controls the realism of the simulated radio.
// Default: ~98.5% of frames delivered on the first try
type SimulationConfig struct {
	// MTU (Maximum Transmission Unit) - BLE packet size limits
	MinMTU     int // Default: 23 bytes (BLE 4.0 minimum)
	MaxMTU     int // Default: 512 bytes (BLE 5.0+ maximum)
	DefaultMTU int // Default: 185 bytes (common negotiated value)

	// Connection timing (in milliseconds)
	MinConnectionDelay    int     // Default: 30ms
	MaxConnectionDelay    int     // Default: 100ms
	ConnectionFailureRate float64 // Default: 0.016 (1.6% failure rate)

	// Packet loss and throughput
	PacketLossRate  float64 // Default: 0.015 (1.5% packet loss)
	FramesPerSecond float64 // Default: 0 (unlimited)
	QueueDepth      int     // Default: 32 frames buffered per direction

	// Deterministic mode for testing
	Deterministic bool  // Default: false (use for reproducible scenarios)
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultSimulationConfig returns realistic BLE simulation parameters
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinMTU:     23,
		MaxMTU:     512,
		DefaultMTU: 185,

		MinConnectionDelay:    30,
		MaxConnectionDelay:    100,
		ConnectionFailureRate: 0.016, // 1.6% connection failures

		PacketLossRate:  0.015, // 1.5% packet loss
		FramesPerSecond: 0,
		QueueDepth:      32,

		Deterministic: false,
		Seed:          0,
	}
}

// PerfectSimulationConfig returns 100% reliable config for testing
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.PacketLossRate = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator handles realistic BLE behavior simulation. It is safe for
// concurrent use.
type Simulator struct {
	config *SimulationConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a new BLE simulator
func NewSimulator(config *SimulationConfig) *Simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

// Config returns the parameters the simulator was created with.
func (s *Simulator) Config() *SimulationConfig {
	return s.config
}

func (s *Simulator) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// ShouldConnectionSucceed returns true if connection should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	return s.float64() >= s.config.ConnectionFailureRate
}

// ConnectionDelay returns realistic connection delay
func (s *Simulator) ConnectionDelay() time.Duration {
	if s.config.MinConnectionDelay >= s.config.MaxConnectionDelay {
		return time.Duration(s.config.MinConnectionDelay) * time.Millisecond
	}
	s.mu.Lock()
	delay := s.config.MinConnectionDelay +
		s.rng.Intn(s.config.MaxConnectionDelay-s.config.MinConnectionDelay)
	s.mu.Unlock()
	return time.Duration(delay) * time.Millisecond
}

// ShouldPacketSucceed returns true if packet transmission should succeed
func (s *Simulator) ShouldPacketSucceed() bool {
	return s.float64() >= s.config.PacketLossRate
}

// NegotiatedMTU returns the MTU after negotiation
// Both devices propose their max MTU, the minimum is selected
func (s *Simulator) NegotiatedMTU(device1MTU, device2MTU int) int {
	mtu := device1MTU
	if device2MTU < mtu {
		mtu = device2MTU
	}

	// Clamp to valid range
	if mtu < s.config.MinMTU {
		mtu = s.config.MinMTU
	} else if mtu > s.config.MaxMTU {
		mtu = s.config.MaxMTU
	}

	return mtu
}

// ConnectionState represents BLE connection states
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
