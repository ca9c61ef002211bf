package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"soneium-onboard/internal/web3"
)

// EIP-1193 provider error codes the connection flow reacts to.
const (
	CodeUserRejectedRequest = 4001
	CodeUnrecognizedChain   = 4902
)

// ChainRequestKind selects between the two chain negotiation requests.
type ChainRequestKind int

const (
	// SwitchChain asks the agent to move onto an already registered chain.
	SwitchChain ChainRequestKind = iota
	// AddChain asks the agent to register a chain's metadata.
	AddChain
)

func (k ChainRequestKind) String() string {
	switch k {
	case SwitchChain:
		return "wallet_switchEthereumChain"
	case AddChain:
		return "wallet_addEthereumChain"
	default:
		return "unknown"
	}
}

// ChainRequest is a switch or add request for Chain.
type ChainRequest struct {
	Kind  ChainRequestKind
	Chain web3.ChainSpec
}

// Agent is the injected wallet agent: a browser-resident service exposing
// account access and chain negotiation. Only the operations the connection
// flow consumes are part of the contract.
type Agent interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	RequestChainID(ctx context.Context) (uint64, error)
	RequestChainSwitchOrAdd(ctx context.Context, req ChainRequest) error
}

// RPCBacked is implemented by agents that can also carry ordinary
// Ethereum JSON-RPC traffic, so a provider can be built on top of them.
type RPCBacked interface {
	RPCClient() *gethrpc.Client
}

// ErrorCode extracts the provider error code carried by err.
func ErrorCode(err error) (int, bool) {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode(), true
	}
	return 0, false
}

// IsUserRejected reports whether the user declined the request at the agent.
// Some agents only signal it through the message text.
func IsUserRejected(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := ErrorCode(err); ok && code == CodeUserRejectedRequest {
		return true
	}
	return strings.Contains(err.Error(), "User rejected the request")
}

// IsUnrecognizedChain reports whether a switch failed because the agent does
// not know the chain.
func IsUnrecognizedChain(err error) bool {
	code, ok := ErrorCode(err)
	return ok && code == CodeUnrecognizedChain
}
