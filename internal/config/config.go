// Package config loads the candidate-target configuration file. Candidate
// URLs are environment-specific, so they live in a YAML file rather than in
// code; everything else about a measurement is a compile-time constant.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Candidate is one discovery candidate: a URL plus optional classification
// metadata carried through to the target descriptor.
type Candidate struct {
	URL string `yaml:"url"`
	// Edge optionally identifies the CDN edge or POP this URL maps to.
	Edge string `yaml:"edge,omitempty"`
	// Class optionally classifies the candidate, e.g. "near-cache" or
	// "distant".
	Class string `yaml:"class,omitempty"`
}

// TargetSet is the ordered candidate list for one engine.
type TargetSet struct {
	Engine     string      `yaml:"engine"`
	Candidates []Candidate `yaml:"candidates"`
}

// Config is the full target configuration.
type Config struct {
	Targets []TargetSet `yaml:"targets"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	for _, ts := range c.Targets {
		if ts.Engine == "" {
			return fmt.Errorf("target set without engine name")
		}
		if len(ts.Candidates) == 0 {
			return fmt.Errorf("engine %q has no candidates", ts.Engine)
		}
		for _, cand := range ts.Candidates {
			u, err := url.Parse(cand.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("engine %q: invalid candidate URL %q", ts.Engine, cand.URL)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("engine %q: unsupported scheme %q", ts.Engine, u.Scheme)
			}
		}
	}
	return nil
}

// CandidatesFor returns the ordered candidate list for the named engine, or
// nil if the engine has none configured.
func (c *Config) CandidatesFor(engine string) []Candidate {
	for _, ts := range c.Targets {
		if ts.Engine == engine {
			return ts.Candidates
		}
	}
	return nil
}
