// Package config loads and validates the node configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Error marks a configuration fault; the process maps it to exit code 1.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Errorf builds a configuration error. Startup faults that must exit with
// the configuration code (an unreachable RPC, a malformed key) use this.
func Errorf(format string, args ...any) error {
	return errf(format, args...)
}

// IsConfigError reports whether err is a configuration fault.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Config is the full node configuration.
type Config struct {
	RPCURL          string
	ContractAddress common.Address
	OracleAddress   common.Address
	PrivateKeyHex   string
	SubgraphURL     string
	SubgraphAPIKey  string

	StartBlock        *uint64
	PollInterval      time.Duration
	BroadcastInterval time.Duration
	Port              int
	SuppressionPct    int64
	CORSOrigin        string
	MinGasReserveWei  *big.Int
	LogLevel          string
}

// Load reads .env (when present) and the environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment defaults")
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("POLL_INTERVAL_SECONDS", 5)
	v.SetDefault("BROADCAST_INTERVAL_MINUTES", 10)
	v.SetDefault("PORT", 3001)
	v.SetDefault("SUPPRESSION_THRESHOLD_PERCENT", 1)
	v.SetDefault("CORS_ORIGIN", "*")
	v.SetDefault("LOG_LEVEL", "info")

	for _, key := range []string{
		"RPC_URL", "DOMALEND_CONTRACT_ADDRESS", "ORACLE_CONTRACT_ADDRESS",
		"PRIVATE_KEY", "SUBGRAPH_URL", "SUBGRAPH_API_KEY",
		"START_BLOCK", "MIN_GAS_RESERVE_WEI",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errf("failed to bind %s: %v", key, err)
		}
	}

	cfg := &Config{
		RPCURL:            v.GetString("RPC_URL"),
		PrivateKeyHex:     v.GetString("PRIVATE_KEY"),
		SubgraphURL:       v.GetString("SUBGRAPH_URL"),
		SubgraphAPIKey:    v.GetString("SUBGRAPH_API_KEY"),
		PollInterval:      time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
		BroadcastInterval: time.Duration(v.GetInt("BROADCAST_INTERVAL_MINUTES")) * time.Minute,
		Port:              v.GetInt("PORT"),
		SuppressionPct:    v.GetInt64("SUPPRESSION_THRESHOLD_PERCENT"),
		CORSOrigin:        v.GetString("CORS_ORIGIN"),
		LogLevel:          v.GetString("LOG_LEVEL"),
	}

	if cfg.RPCURL == "" {
		return nil, errf("RPC_URL is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, errf("PRIVATE_KEY is required")
	}
	if cfg.SubgraphURL == "" {
		return nil, errf("SUBGRAPH_URL is required")
	}
	if cfg.SubgraphAPIKey == "" {
		return nil, errf("SUBGRAPH_API_KEY is required")
	}

	contract := v.GetString("DOMALEND_CONTRACT_ADDRESS")
	if !common.IsHexAddress(contract) {
		return nil, errf("DOMALEND_CONTRACT_ADDRESS %q is not a valid address", contract)
	}
	cfg.ContractAddress = common.HexToAddress(contract)

	oracle := v.GetString("ORACLE_CONTRACT_ADDRESS")
	if !common.IsHexAddress(oracle) {
		return nil, errf("ORACLE_CONTRACT_ADDRESS %q is not a valid address", oracle)
	}
	cfg.OracleAddress = common.HexToAddress(oracle)

	if raw := v.GetString("START_BLOCK"); raw != "" {
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok || n.Sign() < 0 || !n.IsUint64() {
			return nil, errf("START_BLOCK %q is not a valid block number", raw)
		}
		start := n.Uint64()
		cfg.StartBlock = &start
	}

	if raw := v.GetString("MIN_GAS_RESERVE_WEI"); raw != "" {
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok || n.Sign() < 0 {
			return nil, errf("MIN_GAS_RESERVE_WEI %q is not a valid wei amount", raw)
		}
		cfg.MinGasReserveWei = n
	}

	if cfg.PollInterval <= 0 || cfg.BroadcastInterval <= 0 {
		return nil, errf("poll and broadcast intervals must be positive")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errf("PORT %d is out of range", cfg.Port)
	}
	if cfg.SuppressionPct <= 0 {
		return nil, errf("SUPPRESSION_THRESHOLD_PERCENT must be positive")
	}

	return cfg, nil
}
