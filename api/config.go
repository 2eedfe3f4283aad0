package api

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agentic-research/reseller/internal/kimap"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Store kinds accepted in StoreConfig.Kind.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
	StoreFile   = "file"
	StoreArena  = "arena"
	StoreMemory = "memory"
)

// Config is the indexer configuration, read from a YAML (or JSON) file and
// overridden by command-line flags.
type Config struct {
	// RPCURL is the websocket endpoint of the chain node. Required by run.
	RPCURL string `yaml:"rpc_url" json:"rpc_url"`
	// Chain locates the namespace contract.
	Chain ChainConfig `yaml:"chain" json:"chain"`
	// RetryDelay is the fixed pause between failed history fetches.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// Store selects where snapshots go.
	Store StoreConfig `yaml:"store" json:"store"`
	// Listen is the query API address. Empty disables the API.
	Listen   string `yaml:"listen" json:"listen"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// ChainConfig identifies the contract and where its history begins.
type ChainConfig struct {
	Address    string `yaml:"address" json:"address"`
	FirstBlock uint64 `yaml:"first_block" json:"first_block"`
	RootHash   string `yaml:"root_hash" json:"root_hash"`
}

// StoreConfig selects and parameterizes the snapshot store.
type StoreConfig struct {
	Kind     string `yaml:"kind" json:"kind"`
	Path     string `yaml:"path" json:"path"`
	Compress bool   `yaml:"compress" json:"compress"`
	// ArenaSize is the total arena file size: a 4096-byte header and two
	// equal buffers. Each buffer holds one whole snapshot of at most
	// (ArenaSize-4096)/2 - 8 bytes; saves fail once the index outgrows it.
	// An existing arena file keeps the size it was created with.
	ArenaSize int64 `yaml:"arena_size" json:"arena_size"`
	// ControlPath, if set, is the mmap'd control block the arena store
	// bumps after each snapshot.
	ControlPath string `yaml:"control_path" json:"control_path"`
}

// DefaultConfig targets the production contract with a SQLite store.
func DefaultConfig() Config {
	return Config{
		Chain: ChainConfig{
			Address:    kimap.DefaultAddress,
			FirstBlock: kimap.DefaultFirstBlock,
			RootHash:   kimap.RootHash.Hex(),
		},
		RetryDelay: 5 * time.Second,
		Store: StoreConfig{
			Kind:      StoreSQLite,
			Path:      "reseller.db",
			ArenaSize: 64 << 20,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults; RESELLER_RPC_URL overrides rpc_url.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if v := os.Getenv("RESELLER_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	return cfg, cfg.Validate()
}

// Validate checks field formats. It does not require RPCURL, which only the
// run command needs.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.Chain.Address) {
		return fmt.Errorf("chain.address %q is not a hex address", c.Chain.Address)
	}
	if len(common.FromHex(c.Chain.RootHash)) != common.HashLength {
		return fmt.Errorf("chain.root_hash %q is not a 32-byte hex string", c.Chain.RootHash)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreSQLite, StoreBadger, StoreFile, StoreArena:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for %s", c.Store.Kind)
		}
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}
	return nil
}

// ContractAddress returns the parsed contract address.
func (c ChainConfig) ContractAddress() common.Address {
	return common.HexToAddress(c.Address)
}

// Root returns the parsed root namehash.
func (c ChainConfig) Root() common.Hash {
	return common.HexToHash(c.RootHash)
}
