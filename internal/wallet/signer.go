package wallet

import (
	"github.com/ethereum/go-ethereum/common"
)

// Signer is a handle bound to one account. Read-only signers carry the
// shape of a signer without any key behind them.
type Signer interface {
	Address() common.Address
	ReadOnly() bool
}

// AgentSigner is bound to an account authorised by the wallet agent.
// Signing requests go through the agent that authorised it.
type AgentSigner struct {
	address common.Address
	agent   Agent
}

// NewAgentSigner binds account to agent.
func NewAgentSigner(account common.Address, agent Agent) *AgentSigner {
	return &AgentSigner{address: account, agent: agent}
}

// Address returns the bound account.
func (s *AgentSigner) Address() common.Address { return s.address }

// ReadOnly is false; the agent holds the key.
func (s *AgentSigner) ReadOnly() bool { return false }

// Agent returns the agent the account was authorised by.
func (s *AgentSigner) Agent() Agent { return s.agent }

// VoidSigner is a read-only identity with no key and no balance.
type VoidSigner struct {
	address common.Address
}

// NewVoidSigner returns a read-only signer for address.
func NewVoidSigner(address common.Address) *VoidSigner {
	return &VoidSigner{address: address}
}

// ZeroSigner returns the read-only signer bound to the zero address.
func ZeroSigner() *VoidSigner {
	return NewVoidSigner(common.Address{})
}

// Address returns the bound address.
func (s *VoidSigner) Address() common.Address { return s.address }

// ReadOnly is always true.
func (s *VoidSigner) ReadOnly() bool { return true }

// IsZeroAccount reports whether signer is missing or bound to the zero
// address. Such a connection must be treated as invalid by callers.
func IsZeroAccount(signer Signer) bool {
	if signer == nil {
		return true
	}
	return signer.Address() == (common.Address{})
}
