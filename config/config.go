// Package config loads the marketplace server configuration from YAML with
// SOUL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	x402 "github.com/soulmarket/soul-x402"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreREST     = "rest"
	StorePostgres = "postgres"
)

// Config is the server configuration. It is built once at startup.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	Payment   PaymentConfig   `yaml:"payment"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	MCP     bool   `yaml:"mcp"`
}

// ChainConfig names the deployment. Empty RPCURL takes the chain preset.
type ChainConfig struct {
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Facilitator string `yaml:"facilitator_address"`
	Sale        string `yaml:"sale_address"`
	SoulNFT     string `yaml:"soul_nft_address"`
	Token       string `yaml:"token_address"`

	// TokenDecimals defaults to the chain preset.
	TokenDecimals int `yaml:"token_decimals"`

	// OperatorKey signs settlement transactions. Without it the server
	// still issues requirements but every settlement fails.
	OperatorKey string `yaml:"operator_key"`
}

type PaymentConfig struct {
	Validity        time.Duration `yaml:"validity"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	FinalityTimeout time.Duration `yaml:"finality_timeout"`

	// RequestTimeout bounds calls to FacilitatorURL and must cover
	// read_timeout plus finality_timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// NonceFallback issues a time-derived nonce when the contract cannot be
	// read. Such payloads are rejected at settlement unless they happen to
	// match the on-chain nonce.
	NonceFallback bool `yaml:"nonce_fallback"`

	// FacilitatorURL delegates verification and settlement to another
	// marketplace's POST /payment instead of the local operator key.
	FacilitatorURL   string `yaml:"facilitator_url"`
	FacilitatorToken string `yaml:"facilitator_token"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	RESTURL     string `yaml:"rest_url"`
	RESTKey     string `yaml:"rest_key"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RateLimitConfig applies per agent. Rate 0 disables limiting.
type RateLimitConfig struct {
	Rate          float64 `yaml:"rate"`
	Burst         int     `yaml:"burst"`
	RedisAddr     string  `yaml:"redis_addr"`
	RedisPassword string  `yaml:"redis_password"`
	RedisDB       int     `yaml:"redis_db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration for a local Anvil node with the in-memory
// catalog.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", Metrics: true},
		Chain:  ChainConfig{ChainID: x402.ChainIDAnvil},
		Payment: PaymentConfig{
			Validity:        time.Hour,
			ReadTimeout:     x402.DefaultTimeouts.ReadTimeout,
			FinalityTimeout: x402.DefaultTimeouts.FinalityTimeout,
			RequestTimeout:  x402.DefaultTimeouts.RequestTimeout,
		},
		Store:     StoreConfig{Driver: StoreMemory},
		RateLimit: RateLimitConfig{Rate: 2, Burst: 10},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (optional) over the defaults, then applies the
// environment, fills chain presets and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.fillPresets(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) fillPresets() error {
	preset, err := x402.GetChainConfig(c.Chain.ChainID)
	if err != nil {
		// Unknown chains are allowed when fully specified.
		if c.Chain.RPCURL == "" || c.Chain.TokenDecimals == 0 {
			return fmt.Errorf("chain %d has no preset; set rpc_url and token_decimals: %w", c.Chain.ChainID, err)
		}
		return nil
	}
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = preset.RPCURL
	}
	if c.Chain.TokenDecimals == 0 {
		c.Chain.TokenDecimals = preset.TokenDecimals
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from SOUL_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("SOUL_ADDR", &c.Server.Addr)
	flag("SOUL_METRICS", &c.Server.Metrics)
	flag("SOUL_MCP", &c.Server.MCP)

	if v, ok := lookup("SOUL_CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOUL_CHAIN_ID: %w", err))
		} else {
			c.Chain.ChainID = id
		}
	}
	str("SOUL_RPC_URL", &c.Chain.RPCURL)
	str("SOUL_FACILITATOR_ADDRESS", &c.Chain.Facilitator)
	str("SOUL_SALE_ADDRESS", &c.Chain.Sale)
	str("SOUL_NFT_ADDRESS", &c.Chain.SoulNFT)
	str("SOUL_TOKEN_ADDRESS", &c.Chain.Token)
	num("SOUL_TOKEN_DECIMALS", &c.Chain.TokenDecimals)
	str("SOUL_OPERATOR_KEY", &c.Chain.OperatorKey)

	dur("SOUL_PAYMENT_VALIDITY", &c.Payment.Validity)
	dur("SOUL_READ_TIMEOUT", &c.Payment.ReadTimeout)
	dur("SOUL_FINALITY_TIMEOUT", &c.Payment.FinalityTimeout)
	dur("SOUL_REQUEST_TIMEOUT", &c.Payment.RequestTimeout)
	flag("SOUL_NONCE_FALLBACK", &c.Payment.NonceFallback)
	str("SOUL_FACILITATOR_URL", &c.Payment.FacilitatorURL)
	str("SOUL_FACILITATOR_TOKEN", &c.Payment.FacilitatorToken)

	str("SOUL_STORE", &c.Store.Driver)
	str("SOUL_REST_URL", &c.Store.RESTURL)
	str("SOUL_REST_KEY", &c.Store.RESTKey)
	str("SOUL_DATABASE_URL", &c.Store.PostgresDSN)

	if v, ok := lookup("SOUL_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SOUL_RATE_LIMIT: %w", err))
		} else {
			c.RateLimit.Rate = f
		}
	}
	num("SOUL_RATE_BURST", &c.RateLimit.Burst)
	str("SOUL_REDIS_ADDR", &c.RateLimit.RedisAddr)
	str("SOUL_REDIS_PASSWORD", &c.RateLimit.RedisPassword)
	num("SOUL_REDIS_DB", &c.RateLimit.RedisDB)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Chain.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("chain.chain_id must be positive"))
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, fmt.Errorf("chain.rpc_url is required"))
	}
	for name, addr := range map[string]string{
		"chain.facilitator_address": c.Chain.Facilitator,
		"chain.sale_address":        c.Chain.Sale,
		"chain.token_address":       c.Chain.Token,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s %q is not an address", name, addr))
		}
	}
	if c.Chain.SoulNFT != "" && !common.IsHexAddress(c.Chain.SoulNFT) {
		errs = append(errs, fmt.Errorf("chain.soul_nft_address %q is not an address", c.Chain.SoulNFT))
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		errs = append(errs, fmt.Errorf("chain.token_decimals %d out of range", c.Chain.TokenDecimals))
	}

	if c.Payment.Validity <= 0 {
		errs = append(errs, fmt.Errorf("payment.validity must be positive"))
	}
	if err := c.Timeouts().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("payment: %w", err))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreREST:
		if c.Store.RESTURL == "" || c.Store.RESTKey == "" {
			errs = append(errs, fmt.Errorf("store.rest_url and store.rest_key are required for the rest store"))
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("store.postgres_dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, rest, postgres", c.Store.Driver))
	}

	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Timeouts returns the configured payment timeouts.
func (c Config) Timeouts() x402.TimeoutConfig {
	return x402.DefaultTimeouts.
		WithReadTimeout(c.Payment.ReadTimeout).
		WithFinalityTimeout(c.Payment.FinalityTimeout).
		WithRequestTimeout(c.Payment.RequestTimeout)
}

// Domain returns the EIP-712 domain payments are signed under.
func (c Config) Domain() x402.Domain {
	return x402.NewDomain(c.Chain.ChainID, common.HexToAddress(c.Chain.Facilitator))
}

// Address helpers for already-validated configs.
func (c Config) SaleAddress() common.Address  { return common.HexToAddress(c.Chain.Sale) }
func (c Config) TokenAddress() common.Address { return common.HexToAddress(c.Chain.Token) }
func (c Config) SoulNFTAddress() common.Address {
	return common.HexToAddress(c.Chain.SoulNFT)
}
