package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkKind selects the read-side client used for a network.
type NetworkKind string

const (
	KindHedera   NetworkKind = "hedera"
	KindXRPL     NetworkKind = "xrpl"
	KindAlgorand NetworkKind = "algorand"
)

// NetworkConfig describes one ledger the orchestrator talks to.
type NetworkConfig struct {
	Name    string      `yaml:"name" json:"name"`
	Kind    NetworkKind `yaml:"kind" json:"kind"`
	Enabled *bool       `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// RelayURL is the signing relay; empty means an in-process ledger.
	RelayURL  string        `yaml:"relay_url,omitempty" json:"relay_url,omitempty"`
	MirrorURL string        `yaml:"mirror_url,omitempty" json:"mirror_url,omitempty"`
	RPCURL    string        `yaml:"rpc_url,omitempty" json:"rpc_url,omitempty"`
	RateLimit float64       `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"` // requests per second
	Burst     int           `yaml:"burst,omitempty" json:"burst,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// IsEnabled defaults to true when the profile does not say otherwise.
func (n NetworkConfig) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// InstitutionSeed is an institution declared in the profile.
type InstitutionSeed struct {
	ID                string   `yaml:"id" json:"id"`
	Name              string   `yaml:"name" json:"name"`
	DID               string   `yaml:"did,omitempty" json:"did,omitempty"`
	SettlementAccount string   `yaml:"settlement_account" json:"settlement_account"`
	Active            *bool    `yaml:"active,omitempty" json:"active,omitempty"`
	Assets            []string `yaml:"assets" json:"assets"`
}

// AllocationConfig is one destination of the payment distributor.
type AllocationConfig struct {
	Name        string `yaml:"name" json:"name"`
	Network     string `yaml:"network" json:"network"`
	Account     string `yaml:"account" json:"account"`
	BasisPoints int64  `yaml:"basis_points" json:"basis_points"`
}

// ChainProfile is the YAML document named by CHAIN_PROFILE.
type ChainProfile struct {
	Primary      NetworkConfig      `yaml:"primary" json:"primary"`
	Secondaries  []NetworkConfig    `yaml:"secondaries" json:"secondaries"`
	Institutions []InstitutionSeed  `yaml:"institutions" json:"institutions"`
	Distribution []AllocationConfig `yaml:"distribution" json:"distribution"`
}

// DefaultProfile is used when no profile file exists: an in-process primary
// ledger and two in-process secondaries.
func DefaultProfile() *ChainProfile {
	return &ChainProfile{
		Primary: NetworkConfig{Name: "hedera", Kind: KindHedera},
		Secondaries: []NetworkConfig{
			{Name: "xrpl", Kind: KindXRPL},
			{Name: "algorand", Kind: KindAlgorand},
		},
		Distribution: []AllocationConfig{
			{Name: "reserve", Network: "hedera", Account: "0.0.9001", BasisPoints: 8000},
			{Name: "gas_refill", Network: "hedera", Account: "0.0.9002", BasisPoints: 1500},
			{Name: "audit", Network: "algorand", Account: "AUDITLOG", BasisPoints: 500},
		},
	}
}

// LoadChainProfile reads the profile at path. A missing file yields
// DefaultProfile; a malformed one is an error.
func LoadChainProfile(path string) (*ChainProfile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultProfile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain profile %q: %w", path, err)
	}

	var profile ChainProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse chain profile %q: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("chain profile %q: %w", path, err)
	}
	return &profile, nil
}

// Validate checks network names are present and unique.
func (p *ChainProfile) Validate() error {
	if p.Primary.Name == "" {
		return errors.New("primary network name is required")
	}
	seen := map[string]bool{p.Primary.Name: true}
	for _, s := range p.Secondaries {
		if s.Name == "" {
			return errors.New("secondary network name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate network %q", s.Name)
		}
		seen[s.Name] = true
	}
	for _, a := range p.Distribution {
		if !seen[a.Network] {
			return fmt.Errorf("allocation %q references unknown network %q", a.Name, a.Network)
		}
		if a.BasisPoints < 0 {
			return fmt.Errorf("allocation %q has negative basis points", a.Name)
		}
	}
	return nil
}
