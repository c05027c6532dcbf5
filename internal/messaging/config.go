package messaging

import "time"

// Config holds the environment-tunable protocol options of spec §6.1.
type Config struct {
	MessageTimeout       time.Duration
	MaxRetries           int
	CompressionThreshold int
	EnableCompression    bool
	BatchSize            int
	BatchInterval        time.Duration
	DedupWindowSize      int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MessageTimeout:       30 * time.Second,
		MaxRetries:           3,
		CompressionThreshold: 1024,
		EnableCompression:    true,
		BatchSize:            10,
		BatchInterval:        100 * time.Millisecond,
		DedupWindowSize:      10000,
	}
}
