package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Genesis is the replica-set / genesis file loaded at startup: the fixed
// validator set a consensus.Engine is built from, mirroring CometBFT's own
// genesis.json convention of naming the validator set out of band rather
// than discovering it at runtime.
type Genesis struct {
	ChainID    string             `yaml:"chain_id"`
	Validators []GenesisValidator `yaml:"validators"`
}

// GenesisValidator names one replica in the fixed set: its id (used as the
// consensus.Config.ReplicaIDs entry) and the routing code of the
// intermediary it is operated by, if any.
type GenesisValidator struct {
	ID          string `yaml:"id"`
	RoutingCode string `yaml:"routing_code,omitempty"`
}

// LoadGenesis reads and validates a genesis file from path. The validator
// count must be of the form 3f+1 so that a consensus.Engine built from it
// has a well-defined quorum.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read genesis file: %w", err)
	}

	var g Genesis
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: parse genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks that the genesis file describes a usable replica set.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("config: genesis chain_id must not be empty")
	}
	n := len(g.Validators)
	if n < 4 {
		return fmt.Errorf("config: genesis must name at least 4 validators, got %d", n)
	}
	if (n-1)%3 != 0 {
		return fmt.Errorf("config: genesis validator count %d is not of the form 3f+1", n)
	}

	seen := make(map[string]bool, n)
	for _, v := range g.Validators {
		if v.ID == "" {
			return fmt.Errorf("config: genesis validator entry missing id")
		}
		if seen[v.ID] {
			return fmt.Errorf("config: genesis lists duplicate validator id %q", v.ID)
		}
		seen[v.ID] = true
	}
	return nil
}

// ReplicaIDs returns the validator ids in file order, suitable for
// consensus.Config.ReplicaIDs.
func (g *Genesis) ReplicaIDs() []string {
	ids := make([]string, len(g.Validators))
	for i, v := range g.Validators {
		ids[i] = v.ID
	}
	return ids
}
