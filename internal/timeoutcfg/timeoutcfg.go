// Package timeoutcfg computes per-chain and whole-flow timeouts, spec.md
// §4.7. Per-chain timeouts come from YAML config (falling back to a
// default); the global timeout sums the per-chain timeouts for a flow's
// chain order, applies a safety multiplier, and clamps to optional bounds.
package timeoutcfg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
)

// defaultChainTimeout is used whenever config is absent or non-positive,
// per spec.md §4.7.
const defaultChainTimeout = 20 * time.Minute

// defaultGlobalMultiplier is applied to the summed per-chain timeouts.
const defaultGlobalMultiplier = 1.5

// Duration wraps time.Duration for YAML unmarshaling (e.g. "20m", "90s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("timeoutcfg: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ChainTimeouts holds the deposit- and payment-direction timeouts for one
// chain leg.
type ChainTimeouts struct {
	Deposit Duration `yaml:"deposit"`
	Payment Duration `yaml:"payment"`
}

// Config is the per-chain timeout table, keyed by chain.
type Config struct {
	Chains map[flowstate.ChainKey]ChainTimeouts `yaml:"chains"`
}

// Load reads a per-chain timeout table from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("timeoutcfg: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("timeoutcfg: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// GetChainTimeout returns the configured timeout for chain/flowType, or the
// 20-minute default when config is absent, the chain is unconfigured, or
// the configured value is non-positive, per spec.md §4.7.
func GetChainTimeout(cfg *Config, chain flowstate.ChainKey, flowType flowstate.FlowType) time.Duration {
	if cfg == nil || cfg.Chains == nil {
		return defaultChainTimeout
	}
	ct, ok := cfg.Chains[chain]
	if !ok {
		return defaultChainTimeout
	}
	var d Duration
	if flowType == flowstate.FlowTypePayment {
		d = ct.Payment
	} else {
		d = ct.Deposit
	}
	if d <= 0 {
		return defaultChainTimeout
	}
	return time.Duration(d)
}

// GlobalTimeoutOptions tunes CalculateGlobalTimeout. A zero Multiplier
// defaults to 1.5; nil bounds are not enforced.
type GlobalTimeoutOptions struct {
	Multiplier   float64
	MinTimeoutMs *int64
	MaxTimeoutMs *int64
}

// CalculateGlobalTimeout sums the per-chain timeouts for chainOrder,
// multiplies by opts.Multiplier (default 1.5), then clamps to the optional
// bounds, per spec.md §4.7.
func CalculateGlobalTimeout(cfg *Config, chainOrder []flowstate.ChainKey, flowType flowstate.FlowType, opts GlobalTimeoutOptions) time.Duration {
	var sum time.Duration
	for _, chain := range chainOrder {
		sum += GetChainTimeout(cfg, chain, flowType)
	}

	multiplier := opts.Multiplier
	if multiplier <= 0 {
		multiplier = defaultGlobalMultiplier
	}
	total := time.Duration(float64(sum) * multiplier)

	if opts.MinTimeoutMs != nil {
		min := time.Duration(*opts.MinTimeoutMs) * time.Millisecond
		if total < min {
			total = min
		}
	}
	if opts.MaxTimeoutMs != nil {
		max := time.Duration(*opts.MaxTimeoutMs) * time.Millisecond
		if total > max {
			total = max
		}
	}
	return total
}
