// Package chains holds chain identifiers for the networks KhipuVault is
// deployed on.
package chains

// Chain IDs.
const (
	// MezoTestnet is the Mezo matsnet test network.
	MezoTestnet uint64 = 31611

	// Mezo is the Mezo mainnet.
	Mezo uint64 = 31612
)

// DefaultRPCURL returns the canonical public RPC endpoint for a chain, or
// empty if the chain is unknown.
func DefaultRPCURL(chainID uint64) string {
	switch chainID {
	case MezoTestnet:
		return "https://testnet-rpc.mezo.org"
	case Mezo:
		return "https://rpc.mezo.org"
	default:
		return ""
	}
}

// Name returns a human-readable network name.
func Name(chainID uint64) string {
	switch chainID {
	case MezoTestnet:
		return "Mezo Testnet"
	case Mezo:
		return "Mezo"
	default:
		return "Unknown"
	}
}
