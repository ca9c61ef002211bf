package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"soneium-onboard/internal/web3"
)

// RPCAgent speaks EIP-1193 over JSON-RPC, e.g. to a desktop wallet that
// exposes its injected provider on a local endpoint.
type RPCAgent struct {
	client *gethrpc.Client
	owned  bool
}

// DialAgent connects to a wallet bridge endpoint.
func DialAgent(ctx context.Context, endpoint string) (*RPCAgent, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("wallet bridge endpoint is empty")
	}
	client, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial wallet bridge: %w", err)
	}
	return &RPCAgent{client: client, owned: true}, nil
}

// NewRPCAgent uses an existing connection. Close leaves it open.
func NewRPCAgent(client *gethrpc.Client) *RPCAgent {
	return &RPCAgent{client: client}
}

type switchChainPayload struct {
	ChainID string `json:"chainId"`
}

type addChainPayload struct {
	ChainID           string              `json:"chainId"`
	ChainName         string              `json:"chainName"`
	NativeCurrency    web3.NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string            `json:"rpcUrls"`
	BlockExplorerURLs []string            `json:"blockExplorerUrls"`
}

// RequestAccounts asks the user to authorise accounts (eth_requestAccounts).
func (a *RPCAgent) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := a.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// RequestChainID reads the chain the agent is currently on.
func (a *RPCAgent) RequestChainID(ctx context.Context) (uint64, error) {
	var raw string
	if err := a.client.CallContext(ctx, &raw, "eth_chainId"); err != nil {
		return 0, err
	}
	return web3.ParseChainID(raw)
}

// RequestChainSwitchOrAdd issues a single switch or add request.
func (a *RPCAgent) RequestChainSwitchOrAdd(ctx context.Context, req ChainRequest) error {
	switch req.Kind {
	case SwitchChain:
		return a.client.CallContext(ctx, nil, req.Kind.String(), switchChainPayload{ChainID: req.Chain.HexID()})
	case AddChain:
		explorers := req.Chain.BlockExplorerURLs
		if explorers == nil {
			explorers = []string{}
		}
		return a.client.CallContext(ctx, nil, req.Kind.String(), addChainPayload{
			ChainID:           req.Chain.HexID(),
			ChainName:         req.Chain.Name,
			NativeCurrency:    req.Chain.Currency,
			RPCURLs:           req.Chain.RPCURLs,
			BlockExplorerURLs: explorers,
		})
	default:
		return fmt.Errorf("unsupported chain request kind %d", req.Kind)
	}
}

// RPCClient exposes the connection for ordinary Ethereum calls.
func (a *RPCAgent) RPCClient() *gethrpc.Client {
	return a.client
}

// Close releases the connection when the agent dialed it.
func (a *RPCAgent) Close() {
	if a != nil && a.owned && a.client != nil {
		a.client.Close()
	}
}

var (
	_ Agent     = (*RPCAgent)(nil)
	_ RPCBacked = (*RPCAgent)(nil)
)
