// Package rpctest provides an in-process JSON-RPC node that answers the
// handful of Ethereum and EIP-1193 wallet methods the onboarding flow uses.
// It plays both the remote read-only endpoint and the wallet bridge in tests.
package rpctest

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"soneium-onboard/internal/web3"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnrecognizedChain = 4902
)

// CodedError is returned to RPC clients with its code preserved.
type CodedError struct {
	Code int
	Msg  string
}

func (e *CodedError) Error() string  { return e.Msg }
func (e *CodedError) ErrorCode() int { return e.Code }

// Node is a scriptable chain and wallet double.
type Node struct {
	mu sync.Mutex

	chainID     uint64
	known       map[uint64]bool
	accounts    []common.Address
	balances    map[common.Address]*big.Int
	callResult  []byte
	rejectAuth  bool
	switchErr   error
	addErr      error
	switchOnAdd bool
	added       []AddChainParams
	calls       []string

	server *gethrpc.Server
}

// AddChainParams mirrors the wallet_addEthereumChain payload.
type AddChainParams struct {
	ChainID        string              `json:"chainId"`
	ChainName      string              `json:"chainName"`
	NativeCurrency web3.NativeCurrency `json:"nativeCurrency"`
	RPCURLs        []string            `json:"rpcUrls"`
	ExplorerURLs   []string            `json:"blockExplorerUrls"`
}

// NewNode starts a node reporting chainID. The current chain is always known.
func NewNode(chainID uint64) *Node {
	n := &Node{
		chainID:  chainID,
		known:    map[uint64]bool{chainID: true},
		balances: make(map[common.Address]*big.Int),
		server:   gethrpc.NewServer(),
	}
	if err := n.server.RegisterName("eth", &ethService{n: n}); err != nil {
		panic(err)
	}
	if err := n.server.RegisterName("wallet", &walletService{n: n}); err != nil {
		panic(err)
	}
	return n
}

// Server exposes the underlying RPC server, e.g. for httptest.
func (n *Node) Server() *gethrpc.Server { return n.server }

// Client dials the node in-process.
func (n *Node) Client() *gethrpc.Client { return gethrpc.DialInProc(n.server) }

// Close stops the server.
func (n *Node) Close() { n.server.Stop() }

// SetAccounts sets the accounts returned by eth_requestAccounts.
func (n *Node) SetAccounts(accounts ...common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append([]common.Address(nil), accounts...)
}

// RejectAccounts makes eth_requestAccounts fail with code 4001.
func (n *Node) RejectAccounts() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectAuth = true
}

// KnowChain marks id as registered in the wallet.
func (n *Node) KnowChain(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.known[id] = true
}

// FailSwitch makes every wallet_switchEthereumChain fail with err.
func (n *Node) FailSwitch(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.switchErr = err
}

// FailAdd makes wallet_addEthereumChain fail with err.
func (n *Node) FailAdd(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addErr = err
}

// SwitchOnAdd moves the wallet onto a chain right after it is added.
func (n *Node) SwitchOnAdd() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.switchOnAdd = true
}

// SetBalance sets the eth_getBalance answer for account.
func (n *Node) SetBalance(account common.Address, wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[account] = new(big.Int).Set(wei)
}

// SetCallResult sets the raw eth_call answer.
func (n *Node) SetCallResult(out []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callResult = append([]byte(nil), out...)
}

// ChainID returns the chain the node currently reports.
func (n *Node) ChainID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chainID
}

// Calls returns the RPC methods served so far, in order.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// Count returns how many times method was served.
func (n *Node) Count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, call := range n.calls {
		if call == method {
			count++
		}
	}
	return count
}

// Added returns the add-chain payloads received.
func (n *Node) Added() []AddChainParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AddChainParams(nil), n.added...)
}

func (n *Node) record(method string) {
	n.calls = append(n.calls, method)
}

type ethService struct{ n *Node }

func (s *ethService) ChainId() *hexutil.Big {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.record("eth_chainId")
	return (*hexutil.Big)(new(big.Int).SetUint64(s.n.chainID))
}

func (s *ethService) RequestAccounts() ([]common.Address, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.record("eth_requestAccounts")
	if s.n.rejectAuth {
		return nil, &CodedError{Code: CodeUserRejected, Msg: "User rejected the request."}
	}
	return append([]common.Address(nil), s.n.accounts...), nil
}

func (s *ethService) GetBalance(account common.Address, _ string) (*hexutil.Big, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.record("eth_getBalance")
	balance, ok := s.n.balances[account]
	if !ok {
		balance = new(big.Int)
	}
	return (*hexutil.Big)(new(big.Int).Set(balance)), nil
}

func (s *ethService) Call(_ map[string]any, _ string) (hexutil.Bytes, error) {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.record("eth_call")
	return append(hexutil.Bytes(nil), s.n.callResult...), nil
}

type walletService struct{ n *Node }

// SwitchChainParams mirrors the wallet_switchEthereumChain payload.
type SwitchChainParams struct {
	ChainID string `json:"chainId"`
}

func (s *walletService) SwitchEthereumChain(params SwitchChainParams) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.record("wallet_switchEthereumChain")
	if s.n.switchErr != nil {
		return s.n.switchErr
	}
	id, err := web3.ParseChainID(params.ChainID)
	if err != nil {
		return &CodedError{Code: -32602, Msg: err.Error()}
	}
	if !s.n.known[id] {
		return &CodedError{Code: CodeUnrecognizedChain, Msg: "Unrecognized chain ID"}
	}
	s.n.chainID = id
	return nil
}

func (s *walletService) AddEthereumChain(params AddChainParams) error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	s.n.record("wallet_addEthereumChain")
	s.n.added = append(s.n.added, params)
	if s.n.addErr != nil {
		return s.n.addErr
	}
	id, err := web3.ParseChainID(params.ChainID)
	if err != nil {
		return &CodedError{Code: -32602, Msg: err.Error()}
	}
	if params.ChainName == "" || len(params.RPCURLs) == 0 {
		return errors.New("chainName and rpcUrls are required")
	}
	s.n.known[id] = true
	if s.n.switchOnAdd {
		s.n.chainID = id
	}
	return nil
}
