package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
)

// Well known chain identifiers.
const (
	SoneiumChainID       uint64 = 1868
	SoneiumMinatoChainID uint64 = 1946
)

// MinatoRPCURL is the public endpoint of the Soneium Minato testnet. It
// doubles as the read-only fallback endpoint.
const MinatoRPCURL = "https://rpc.minato.soneium.org"

// NativeCurrency describes the gas token of a chain as wallets expect it.
type NativeCurrency struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// ChainSpec carries the metadata needed to register a chain with a wallet
// and to label it for the user.
type ChainSpec struct {
	ID                uint64
	Name              string
	Currency          NativeCurrency
	RPCURLs           []string
	BlockExplorerURLs []string
}

// HexID returns the chain id in the 0x-prefixed form used by wallet RPCs.
func (c ChainSpec) HexID() string {
	return HexChainID(c.ID)
}

// SoneiumMinato is the canonical target chain the wallet is switched to.
var SoneiumMinato = ChainSpec{
	ID:   SoneiumMinatoChainID,
	Name: "Soneium Testnet Minato",
	Currency: NativeCurrency{
		Name:     "Minato",
		Symbol:   "ETH",
		Decimals: 18,
	},
	RPCURLs: []string{MinatoRPCURL},
}

// Soneium is the production network.
var Soneium = ChainSpec{
	ID:   SoneiumChainID,
	Name: "Soneium",
	Currency: NativeCurrency{
		Name:     "Ether",
		Symbol:   "ETH",
		Decimals: 18,
	},
	RPCURLs:           []string{"https://rpc.soneium.org"},
	BlockExplorerURLs: []string{"https://soneium.blockscout.com"},
}

// SupportedChainSet is an immutable set of accepted chain ids.
type SupportedChainSet struct {
	ids map[uint64]struct{}
}

// NewSupportedChainSet builds a set from the given ids.
func NewSupportedChainSet(ids ...uint64) SupportedChainSet {
	set := SupportedChainSet{ids: make(map[uint64]struct{}, len(ids))}
	for _, id := range ids {
		set.ids[id] = struct{}{}
	}
	return set
}

// DefaultSupportedChains accepts Soneium and the Minato testnet.
func DefaultSupportedChains() SupportedChainSet {
	return NewSupportedChainSet(SoneiumChainID, SoneiumMinatoChainID)
}

// Contains reports whether id is accepted.
func (s SupportedChainSet) Contains(id uint64) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of accepted chains.
func (s SupportedChainSet) Len() int {
	return len(s.ids)
}

// HexChainID encodes a chain id as 0x-prefixed hex.
func HexChainID(id uint64) string {
	return hexutil.EncodeUint64(id)
}

// ParseChainID accepts hex (0x-prefixed) and decimal chain ids. Wallets are
// not consistent about leading zeros, so parsing is lenient.
func ParseChainID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("empty chain id")
	}
	id, ok := gethmath.ParseUint64(trimmed)
	if !ok {
		return 0, fmt.Errorf("invalid chain id %q", raw)
	}
	return id, nil
}

// Provider is the RPC client handle published with a connection. It is
// satisfied by *ethclient.Client.
type Provider interface {
	gethcore.ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Profile is the shape of an on-chain profile handed to the onboarding
// flow. Field contents are opaque at this layer.
type Profile struct {
	Username  string   `json:"username"`
	Web2Items []string `json:"web2_items,omitempty"`
	Web3Items []string `json:"web3_items,omitempty"`
}

// Empty reports whether no profile is registered.
func (p Profile) Empty() bool {
	return strings.TrimSpace(p.Username) == ""
}
