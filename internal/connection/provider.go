package connection

import (
	"context"
	"errors"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
	"soneium-onboard/internal/web3/ethereum"
)

// Dialer builds the read-only provider for the fallback endpoint.
type Dialer func(ctx context.Context, rpcURL string) (web3.Provider, error)

// AgentProviderFunc builds the provider that routes through the agent.
type AgentProviderFunc func(agent wallet.Agent) (web3.Provider, error)

// ErrUnsupported is returned by providers that cannot serve a call.
var ErrUnsupported = errors.New("operation not supported by provider")

// DialFallback dials rpcURL with go-ethereum's client.
func DialFallback(ctx context.Context, rpcURL string) (web3.Provider, error) {
	return ethereum.Dial(ctx, ethereum.Config{Name: "fallback", RPCURL: rpcURL})
}

// ProviderForAgent reuses the agent's RPC connection when it has one and
// otherwise falls back to a provider that can only read the chain id.
func ProviderForAgent(agent wallet.Agent) (web3.Provider, error) {
	if agent == nil {
		return nil, errors.New("no wallet agent")
	}
	if backed, ok := agent.(wallet.RPCBacked); ok && backed.RPCClient() != nil {
		return ethereum.Wrap("agent", backed.RPCClient()), nil
	}
	return agentProvider{agent: agent}, nil
}

type agentProvider struct {
	agent wallet.Agent
}

func (p agentProvider) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := p.agent.RequestChainID(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(id), nil
}

func (p agentProvider) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, ErrUnsupported
}

func (p agentProvider) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, ErrUnsupported
}

// closeProvider releases providers that hold resources.
func closeProvider(p web3.Provider) {
	if closer, ok := p.(interface{ Close() }); ok {
		closer.Close()
	}
}
