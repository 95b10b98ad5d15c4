package biaslock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the engine tunables, loadable from a biaslock.toml file.
// The thresholds are tunables, not part of the protocol's correctness: any
// values yield a correct engine, they only move the point where per-object
// revocation escalates to the bulk paths.
type Config struct {
	// EnableBiasing makes new klasses start their instances anonymously
	// biased. Disabling it turns the engine into a plain CAS/monitor
	// synchronizer.
	EnableBiasing bool `toml:"enable-biasing"`

	// BulkRebiasThreshold is the number of revocations of a type's
	// instances after which the type's epoch is incremented instead of
	// revoking one more object.
	BulkRebiasThreshold uint32 `toml:"bulk-rebias-threshold"`

	// BulkRevokeThreshold is the revocation count after which biasing is
	// disabled for the type entirely.
	BulkRevokeThreshold uint32 `toml:"bulk-revoke-threshold"`

	// DecayMS is the quiet period after a bulk operation that resets the
	// type's revocation count.
	DecayMS int64 `toml:"decay-ms"`
}

// DefaultConfig returns the stock tunables: biasing on, bulk rebias after
// 20 revocations, bulk revoke after 40, 25s decay.
func DefaultConfig() Config {
	return Config{
		EnableBiasing:       true,
		BulkRebiasThreshold: 20,
		BulkRevokeThreshold: 40,
		DecayMS:             25000,
	}
}

// HeuristicsDecay returns DecayMS as a duration.
func (c *Config) HeuristicsDecay() time.Duration {
	return time.Duration(c.DecayMS) * time.Millisecond
}

// normalize fills unset fields with their defaults and keeps the thresholds
// ordered.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.BulkRebiasThreshold == 0 {
		c.BulkRebiasThreshold = def.BulkRebiasThreshold
	}
	if c.BulkRevokeThreshold == 0 {
		c.BulkRevokeThreshold = def.BulkRevokeThreshold
	}
	if c.BulkRevokeThreshold < c.BulkRebiasThreshold {
		c.BulkRevokeThreshold = c.BulkRebiasThreshold
	}
	if c.DecayMS <= 0 {
		c.DecayMS = def.DecayMS
	}
}

// LoadConfig parses a biaslock.toml file from the given directory.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, "biaslock.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}
