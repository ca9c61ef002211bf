package connection

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
)

// Mode names the path a connect attempt took.
type Mode string

const (
	ModeAgent    Mode = "agent"
	ModeFallback Mode = "fallback"
)

// State is a snapshot of the connection. Connected and Connecting are
// never both true in a snapshot. Version increases with every change so
// consumers can discard notifications that arrive out of order.
type State struct {
	Connected   bool
	Connecting  bool
	ChainID     uint64
	NetworkName string
	Provider    web3.Provider
	Signer      wallet.Signer
	Version     uint64
}

// Account returns the bound account, or the zero address when none.
func (s State) Account() common.Address {
	if s.Signer == nil {
		return common.Address{}
	}
	return s.Signer.Address()
}

// ReadOnly reports whether the bound signer cannot sign.
func (s State) ReadOnly() bool {
	return s.Signer == nil || s.Signer.ReadOnly()
}

// Attempt describes one connect attempt that was actually started.
type Attempt struct {
	ID        string
	Mode      Mode
	StartedAt time.Time
	Duration  time.Duration
	ChainID   uint64
	Account   common.Address
	Err       error
}

// Succeeded reports whether the attempt published a connection.
func (a Attempt) Succeeded() bool {
	return a.Err == nil
}

// Observer is told about every finished attempt.
type Observer interface {
	ObserveAttempt(ctx context.Context, attempt Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, attempt Attempt)

// ObserveAttempt calls f.
func (f ObserverFunc) ObserveAttempt(ctx context.Context, attempt Attempt) {
	f(ctx, attempt)
}
