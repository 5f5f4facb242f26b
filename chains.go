package x402

import "fmt"

// Chain ids of supported deployments.
const (
	ChainIDMonad        int64 = 143
	ChainIDMonadTestnet int64 = 10143
	ChainIDAnvil        int64 = 31337
)

// ChainConfig holds defaults for a chain the marketplace is deployed on.
type ChainConfig struct {
	// ChainID is the EIP-155 chain id.
	ChainID int64

	// Name is a human-readable chain name.
	Name string

	// RPCURL is the default JSON-RPC endpoint.
	RPCURL string

	// NativeSymbol is the gas token symbol, used in logs only.
	NativeSymbol string

	// TokenDecimals is the default payment token precision.
	TokenDecimals int
}

// Predefined chain configurations.
var (
	// Monad is the Monad mainnet configuration.
	Monad = ChainConfig{
		ChainID:       ChainIDMonad,
		Name:          "Monad",
		RPCURL:        "https://rpc.monad.xyz",
		NativeSymbol:  "MON",
		TokenDecimals: 18,
	}

	// MonadTestnet is the Monad testnet configuration.
	MonadTestnet = ChainConfig{
		ChainID:       ChainIDMonadTestnet,
		Name:          "Monad Testnet",
		RPCURL:        "https://testnet-rpc.monad.xyz",
		NativeSymbol:  "MON",
		TokenDecimals: 18,
	}

	// Anvil is a local development node.
	Anvil = ChainConfig{
		ChainID:       ChainIDAnvil,
		Name:          "Anvil",
		RPCURL:        "http://localhost:8545",
		NativeSymbol:  "ETH",
		TokenDecimals: 18,
	}
)

var chainConfigByID = map[int64]ChainConfig{
	ChainIDMonad:        Monad,
	ChainIDMonadTestnet: MonadTestnet,
	ChainIDAnvil:        Anvil,
}

// GetChainConfig returns the preset for a chain id.
// Returns an error if the chain is not recognized.
func GetChainConfig(chainID int64) (ChainConfig, error) {
	config, ok := chainConfigByID[chainID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %d", ErrInvalidNetwork, chainID)
	}
	return config, nil
}

// GetChainConfigByNetwork is GetChainConfig for a requirements network string.
func GetChainConfigByNetwork(network string) (ChainConfig, error) {
	id, err := ParseNetwork(network)
	if err != nil {
		return ChainConfig{}, fmt.Errorf("%w: %s", err, network)
	}
	return GetChainConfig(id)
}
