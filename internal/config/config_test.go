package config

import (
	"os"
	"strings"
	"testing"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_DefaultsAndEVMChains(t *testing.T) {
	setEnv(t, map[string]string{
		"EVM_CHAINS":                               "ethereum, sepolia",
		"EVM_ETHEREUM_RPC_URL":                     "https://eth.example.com",
		"EVM_ETHEREUM_USDC_ADDRESS":                "0xUSDC",
		"EVM_ETHEREUM_MESSAGE_TRANSMITTER_ADDRESS": "0xMT",
		"EVM_ETHEREUM_SOURCE_DOMAIN":               "0",
		"EVM_SEPOLIA_RPC_URL":                      "https://sepolia.example.com",
		"EVM_SEPOLIA_USDC_ADDRESS":                 "0xUSDCtest",
		"EVM_SEPOLIA_MESSAGE_TRANSMITTER_ADDRESS":  "0xMTtest",
		"EVM_SEPOLIA_SOURCE_DOMAIN":                "0",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("want default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.KVBackend != "goleveldb" {
		t.Errorf("want default goleveldb backend, got %s", cfg.KVBackend)
	}
	if len(cfg.EVMChains) != 2 {
		t.Fatalf("want 2 EVM chains, got %d", len(cfg.EVMChains))
	}
	eth, ok := cfg.EVMChains["ethereum"]
	if !ok {
		t.Fatal("missing ethereum chain")
	}
	if eth.RPCURL != "https://eth.example.com" || eth.USDCAddress != "0xUSDC" {
		t.Errorf("unexpected ethereum chain config: %+v", eth)
	}
}

func TestValidate_ReportsAllMissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("want error for empty config, got nil")
	}
	for _, want := range []string{"NOBLE_RPC_URL", "NOBLE_LCD_URL", "NAMADA_RPC_URL", "EVM_CHAINS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("want error to mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_PerChainRequiredFields(t *testing.T) {
	cfg := &Config{
		NobleRPCURL:  "x",
		NobleLCDURL:  "x",
		NamadaRPCURL: "x",
		EVMChains: map[string]ChainRPC{
			"ethereum": {RPCURL: "https://eth.example.com"},
		},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("want error for incomplete chain config, got nil")
	}
	if !strings.Contains(err.Error(), "EVM_ETHEREUM_USDC_ADDRESS") {
		t.Errorf("want error to mention missing USDC address, got: %v", err)
	}
	if !strings.Contains(err.Error(), "EVM_ETHEREUM_MESSAGE_TRANSMITTER_ADDRESS") {
		t.Errorf("want error to mention missing message transmitter address, got: %v", err)
	}
}

func TestValidate_PassesWithCompleteConfig(t *testing.T) {
	cfg := &Config{
		NobleRPCURL:  "x",
		NobleLCDURL:  "x",
		NamadaRPCURL: "x",
		EVMChains: map[string]ChainRPC{
			"ethereum": {
				RPCURL:                    "https://eth.example.com",
				USDCAddress:               "0xUSDC",
				MessageTransmitterAddress: "0xMT",
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("want no error, got %v", err)
	}
}

func TestBackscanFor_DefaultsWhenUnconfigured(t *testing.T) {
	cfg := &Config{BlockWindowBackscan: map[string]int64{
		"default": 50,
		"namada":  20,
	}}
	if got := cfg.BackscanFor("namada"); got != 20 {
		t.Errorf("want 20, got %d", got)
	}
	if got := cfg.BackscanFor("ethereum"); got != 50 {
		t.Errorf("want default 50, got %d", got)
	}
}

func TestGetEnvUint64_FallsBackOnUnparsable(t *testing.T) {
	os.Setenv("TEST_UINT64_FIELD", "not-a-number")
	defer os.Unsetenv("TEST_UINT64_FIELD")
	if got := getEnvUint64("TEST_UINT64_FIELD", 42); got != 42 {
		t.Errorf("want fallback 42, got %d", got)
	}
}

func TestSplitNonEmpty_TrimsAndDropsBlanks(t *testing.T) {
	got := splitNonEmpty(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}
