// Package config loads the flow tracker service's configuration from
// environment variables, following the teacher's Load/Validate/getEnv*
// pattern (pkg/config/config.go) generalized to this service's chain
// transports, contract addresses, and storage backing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ChainRPC holds one EVM chain's RPC endpoint and CCTP contract addresses,
// keyed by the flow's evmChainKey (e.g. "ethereum", "sepolia").
type ChainRPC struct {
	RPCURL                    string
	USDCAddress               string
	MessageTransmitterAddress string
	SourceDomain              uint32
}

// Config holds all configuration for the flow tracker service.
type Config struct {
	// Server configuration.
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string
	LogLevel    string

	// Storage.
	DataDir   string
	KVBackend string // "memory" | "goleveldb"
	KVName    string

	// Noble (CCTP mint/burn + IBC forwarding).
	NobleRPCURL              string // CometBFT RPC, for tx_search/block_results/status
	NobleLCDURL              string // REST LCD, for broadcast + balance queries
	NobleForwardingChannelID string

	// Namada (IBC anchor).
	NamadaRPCURL     string // CometBFT RPC
	NamadaIndexerURL string // block/timestamp/<epochSeconds> lookups

	// EVM chains this service tracks, keyed by evmChainKey.
	EVMChains map[string]ChainRPC

	// Poller tuning.
	MaxBlockRange       uint64
	BlockWindowBackscan map[string]int64 // per chain key, default applies to "default"

	// Timeout config (per-chain/per-direction table), consumed by
	// internal/timeoutcfg.
	TimeoutConfigPath string

	// Registration defaults, loaded from the environment. No code path copies
	// them into a flow's metadata; the Noble poller reads minBalanceUusdc,
	// gasLimit and feeUusdc only from the flow's own metadata.
	RegistrationMinBalanceUusdc string
	RegistrationGasLimit        uint64
	RegistrationFeeUusdc        string
}

// Load reads configuration from environment variables. Call Validate after
// Load to confirm the minimum required fields are present before serving.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DataDir:   getEnv("DATA_DIR", "./data"),
		KVBackend: getEnv("KV_BACKEND", "goleveldb"),
		KVName:    getEnv("KV_NAME", "flowtracker"),

		NobleRPCURL:              getEnv("NOBLE_RPC_URL", ""),
		NobleLCDURL:              getEnv("NOBLE_LCD_URL", ""),
		NobleForwardingChannelID: getEnv("NOBLE_FORWARDING_CHANNEL_ID", ""),

		NamadaRPCURL:     getEnv("NAMADA_RPC_URL", ""),
		NamadaIndexerURL: getEnv("NAMADA_INDEXER_URL", ""),

		MaxBlockRange: getEnvUint64("EVM_MAX_BLOCK_RANGE", 2000),

		BlockWindowBackscan: map[string]int64{
			"default": getEnvInt64("BLOCK_WINDOW_BACKSCAN_DEFAULT", 50),
			"namada":  getEnvInt64("BLOCK_WINDOW_BACKSCAN_NAMADA", 20),
		},

		TimeoutConfigPath: getEnv("TIMEOUT_CONFIG_PATH", ""),

		RegistrationMinBalanceUusdc: getEnv("REGISTRATION_MIN_BALANCE_UUSDC", "0"),
		RegistrationGasLimit:        getEnvUint64("REGISTRATION_GAS_LIMIT", 200000),
		RegistrationFeeUusdc:        getEnv("REGISTRATION_FEE_UUSDC", "0"),
	}

	cfg.EVMChains = loadEVMChains()

	return cfg, nil
}

// loadEVMChains parses EVM_CHAINS (comma-separated chain keys) and, for
// each key K, reads EVM_<K>_RPC_URL, EVM_<K>_USDC_ADDRESS,
// EVM_<K>_MESSAGE_TRANSMITTER_ADDRESS, and EVM_<K>_SOURCE_DOMAIN.
func loadEVMChains() map[string]ChainRPC {
	chains := make(map[string]ChainRPC)
	keys := splitNonEmpty(getEnv("EVM_CHAINS", ""))
	for _, key := range keys {
		prefix := "EVM_" + strings.ToUpper(key) + "_"
		chains[key] = ChainRPC{
			RPCURL:                    getEnv(prefix+"RPC_URL", ""),
			USDCAddress:               getEnv(prefix+"USDC_ADDRESS", ""),
			MessageTransmitterAddress: getEnv(prefix+"MESSAGE_TRANSMITTER_ADDRESS", ""),
			SourceDomain:              uint32(getEnvUint64(prefix+"SOURCE_DOMAIN", 0)),
		}
	}
	return chains
}

// Validate checks that the fields needed to actually track flows are
// present: the Noble RPC and LCD URLs, the Namada RPC URL, at least one EVM
// chain, and each EVM chain's RPC URL, USDC address and MessageTransmitter
// address. Every missing field is reported in one error.
func (c *Config) Validate() error {
	var problems []string

	if c.NobleRPCURL == "" {
		problems = append(problems, "NOBLE_RPC_URL is required")
	}
	if c.NobleLCDURL == "" {
		problems = append(problems, "NOBLE_LCD_URL is required")
	}
	if c.NamadaRPCURL == "" {
		problems = append(problems, "NAMADA_RPC_URL is required")
	}
	if len(c.EVMChains) == 0 {
		problems = append(problems, "EVM_CHAINS must list at least one chain key")
	}
	for key, chain := range c.EVMChains {
		if chain.RPCURL == "" {
			problems = append(problems, fmt.Sprintf("EVM_%s_RPC_URL is required", strings.ToUpper(key)))
		}
		if chain.USDCAddress == "" {
			problems = append(problems, fmt.Sprintf("EVM_%s_USDC_ADDRESS is required", strings.ToUpper(key)))
		}
		if chain.MessageTransmitterAddress == "" {
			problems = append(problems, fmt.Sprintf("EVM_%s_MESSAGE_TRANSMITTER_ADDRESS is required", strings.ToUpper(key)))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// BackscanFor returns the configured block-window backscan for chain,
// falling back to the default when chain has no specific entry.
func (c *Config) BackscanFor(chain string) int64 {
	if v, ok := c.BlockWindowBackscan[chain]; ok {
		return v
	}
	return c.BlockWindowBackscan["default"]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
