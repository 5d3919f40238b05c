// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the primary's tunable parameters.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrZeroGCDepth        = errors.New("gc_depth must be positive")
	ErrNoLeaders          = errors.New("leaders_per_round must be at least 1")
	ErrNoChannelCapacity  = errors.New("channel_capacity must be positive")
	ErrNonPositiveTimeout = errors.New("delays must be positive")
)

// Parameters contains the primary's configuration.
type Parameters struct {
	// GCDepth is how many rounds below the current round are kept before
	// per-round state is collected.
	GCDepth uint64 `yaml:"gc_depth"`

	// LeadersPerRound is the number of designated leaders each round.
	LeadersPerRound int `yaml:"leaders_per_round"`

	// ChannelCapacity bounds every internal task channel.
	ChannelCapacity int `yaml:"channel_capacity"`

	// MaxHeaderDelay is how long the proposer waits for payload before
	// proposing an empty header.
	MaxHeaderDelay time.Duration `yaml:"max_header_delay"`

	// TimeoutDelay is how long the core waits on a stalled round before
	// broadcasting a timeout.
	TimeoutDelay time.Duration `yaml:"timeout_delay"`
}

// Default returns the default parameters.
func Default() Parameters {
	return Parameters{
		GCDepth:         50,
		LeadersPerRound: 1,
		ChannelCapacity: 1_000,
		MaxHeaderDelay:  100 * time.Millisecond,
		TimeoutDelay:    5 * time.Second,
	}
}

// Mainnet returns mainnet parameters.
func Mainnet() Parameters {
	return Parameters{
		GCDepth:         50,
		LeadersPerRound: 1,
		ChannelCapacity: 1_000,
		MaxHeaderDelay:  100 * time.Millisecond,
		TimeoutDelay:    5 * time.Second,
	}
}

// Testnet returns testnet parameters.
func Testnet() Parameters {
	return Parameters{
		GCDepth:         50,
		LeadersPerRound: 2,
		ChannelCapacity: 1_000,
		MaxHeaderDelay:  200 * time.Millisecond,
		TimeoutDelay:    10 * time.Second,
	}
}

// Local returns local development parameters.
func Local() Parameters {
	return Parameters{
		GCDepth:         10,
		LeadersPerRound: 1,
		ChannelCapacity: 256,
		MaxHeaderDelay:  20 * time.Millisecond,
		TimeoutDelay:    time.Second,
	}
}

// Validate checks the parameters for consistency.
func (p Parameters) Validate() error {
	switch {
	case p.GCDepth == 0:
		return ErrZeroGCDepth
	case p.LeadersPerRound < 1:
		return ErrNoLeaders
	case p.ChannelCapacity <= 0:
		return ErrNoChannelCapacity
	case p.MaxHeaderDelay <= 0 || p.TimeoutDelay <= 0:
		return ErrNonPositiveTimeout
	}
	return nil
}

// Import loads parameters from a YAML file.
func Import(path string) (Parameters, error) {
	p := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read parameters: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("failed to parse parameters: %w", err)
	}
	return p, p.Validate()
}

// Export writes parameters to a YAML file.
func (p Parameters) Export(path string) error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
