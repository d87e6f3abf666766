package autotrade

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pair is one scheduled (account, strategy, symbol) entry in YAML.
type Pair struct {
	Account       string  `yaml:"account"`
	Strategy      string  `yaml:"strategy"`
	Symbol        string  `yaml:"symbol"`
	Size          float64 `yaml:"size"`
	MinConfidence float64 `yaml:"min_confidence"`
	Enabled       bool    `yaml:"enabled"`

	// Optional gates. Zero values leave the gate off.
	WindowStart string  `yaml:"window_start,omitempty"` // HH:MM in the reference timezone
	WindowEnd   string  `yaml:"window_end,omitempty"`
	MaxSpread   float64 `yaml:"max_spread,omitempty"` // price units
}

// ConfigFile is the top-level YAML structure.
type ConfigFile struct {
	Pairs []Pair `yaml:"pairs"`
}

// LoadConfig reads scheduled pairs from a YAML file. Disabled entries are
// dropped here so the scheduler only ever sees live pairs.
func LoadConfig(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	var pairs []Pair
	for i, p := range file.Pairs {
		if !p.Enabled {
			continue
		}
		if p.Account == "" || p.Strategy == "" || p.Symbol == "" {
			return nil, fmt.Errorf("pair %d: account, strategy and symbol are required", i)
		}
		if p.Size <= 0 {
			return nil, fmt.Errorf("pair %d (%s/%s): size must be positive", i, p.Account, p.Symbol)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}
