package onboarding

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/params"

	"soneium-onboard/internal/connection"
	xerrors "soneium-onboard/internal/errors"
	"soneium-onboard/internal/steps"
	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
	"soneium-onboard/pkg/logger"
)

// Connection is the part of the orchestrator a session consumes.
type Connection interface {
	State() connection.State
	Subscribe(ch chan<- connection.State) event.Subscription
	Disconnect()
}

// ProfileReader looks up the profile owned by a wallet.
type ProfileReader interface {
	ProfileByWallet(ctx context.Context, caller gethcore.ContractCaller, owner common.Address) (web3.Profile, error)
}

// View is what the wizard renders next to the active step.
type View struct {
	Connected   bool          `json:"connected"`
	Connecting  bool          `json:"connecting"`
	Account     string        `json:"account,omitempty"`
	ReadOnly    bool          `json:"read_only"`
	ChainID     uint64        `json:"chain_id,omitempty"`
	NetworkName string        `json:"network_name,omitempty"`
	BalanceWei  string        `json:"balance_wei,omitempty"`
	BalanceETH  string        `json:"balance_eth,omitempty"`
	LowBalance  bool          `json:"low_balance"`
	Owner       bool          `json:"owner"`
	Profile     *web3.Profile `json:"profile,omitempty"`
	Step        steps.Step    `json:"step"`
	Version     uint64        `json:"version"`
}

// Session ties the connection, the step sequencer and the on-chain lookups
// together for one wizard.
type Session struct {
	conn      Connection
	sequencer *steps.Sequencer
	profiles  ProfileReader
	connected func(bool)
	logger    *slog.Logger

	mu   sync.RWMutex
	view View

	buildMu sync.Mutex
}

// Option customises a Session.
type Option func(*Session)

// WithProfileReader enables the profile lookup.
func WithProfileReader(reader ProfileReader) Option {
	return func(s *Session) {
		s.profiles = reader
	}
}

// WithConnectedHook is called with the connected flag after every change,
// typically to drive a gauge.
func WithConnectedHook(fn func(bool)) Option {
	return func(s *Session) {
		s.connected = fn
	}
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession builds a session over conn. A nil sequencer gets a fresh one.
func NewSession(conn Connection, sequencer *steps.Sequencer, opts ...Option) *Session {
	if sequencer == nil {
		sequencer = steps.NewSequencer()
	}
	s := &Session{conn: conn, sequencer: sequencer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("onboarding")
	}
	return s
}

// Sequencer returns the step sequencer driven by this session.
func (s *Session) Sequencer() *steps.Sequencer {
	return s.sequencer
}

// View returns a snapshot of the session view.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	if v.Profile != nil {
		p := *v.Profile
		v.Profile = &p
	}
	v.Step = s.sequencer.Current()
	return v
}

// Run follows connection changes until ctx ends or the orchestrator closes
// its feed. Pending notifications are drained and the latest state is read
// before acting, so slow lookups never reorder updates.
func (s *Session) Run(ctx context.Context) error {
	updates := make(chan connection.State, 16)
	sub := s.conn.Subscribe(updates)
	if sub == nil {
		return nil
	}
	defer sub.Unsubscribe()

	s.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case <-updates:
			drain(updates)
			s.Sync(ctx)
		}
	}
}

func drain(ch <-chan connection.State) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Sync refreshes the view from the current connection state. A connection
// bound to the zero address is torn down.
func (s *Session) Sync(ctx context.Context) {
	state := s.conn.State()
	if s.connected != nil {
		s.connected(state.Connected)
	}

	next := View{
		Connected:   state.Connected,
		Connecting:  state.Connecting,
		ChainID:     state.ChainID,
		NetworkName: state.NetworkName,
		Version:     state.Version,
	}
	if !state.Connected {
		s.publish(next)
		return
	}

	if wallet.IsZeroAccount(state.Signer) {
		s.logger.Warn("connected with the zero address, disconnecting",
			slog.Uint64("chain_id", state.ChainID))
		s.publish(View{Version: state.Version})
		s.conn.Disconnect()
		return
	}

	s.mu.RLock()
	current := s.view
	s.mu.RUnlock()
	if current.Connected && current.Version == state.Version {
		return
	}

	account := state.Account()
	next.Account = account.Hex()
	next.ReadOnly = state.ReadOnly()

	balance, err := state.Provider.BalanceAt(ctx, account, nil)
	if err != nil {
		s.logger.Error("Failed to read native balance",
			slog.String("account", next.Account), slog.String("error", err.Error()))
	} else {
		next.BalanceWei = balance.String()
		next.BalanceETH = FormatEther(balance)
	}
	next.LowBalance = balance == nil || balance.Sign() <= 0

	if s.profiles != nil {
		profile, err := s.profiles.ProfileByWallet(ctx, state.Provider, account)
		if err != nil {
			s.logger.Error("Failed to read profile",
				slog.String("account", next.Account), slog.String("error", err.Error()))
		} else if !profile.Empty() {
			next.Owner = true
			next.Profile = &profile
		}
	}

	// 查询期间连接可能已经变化，旧结果直接丢弃。
	if latest := s.conn.State(); latest.Version != state.Version {
		return
	}
	s.publish(next)
}

func (s *Session) publish(v View) {
	s.mu.Lock()
	if v.Version >= s.view.Version {
		s.view = v
	}
	s.mu.Unlock()
}

// BuildProfile moves the wizard from the main step to the first profile
// step. It is only allowed for a connected wallet that does not own a
// profile yet. When the profile lookup for the current connection has not
// been published yet, the lookup runs first.
func (s *Session) BuildProfile(ctx context.Context) (steps.Step, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if current := s.sequencer.Current(); current != steps.Main {
		return current, xerrors.New(xerrors.CodeConflict, "profile creation starts from the main step")
	}
	state := s.conn.State()
	if !state.Connected {
		return steps.Main, xerrors.New(xerrors.CodeConflict, "wallet is not connected")
	}

	view, ok := s.viewAt(state.Version)
	if !ok {
		s.Sync(ctx)
		if view, ok = s.viewAt(state.Version); !ok {
			return steps.Main, xerrors.New(xerrors.CodeConflict, "connection changed while reading the profile")
		}
	}
	if !view.Connected {
		return steps.Main, xerrors.New(xerrors.CodeConflict, "wallet is not connected")
	}
	if view.Owner {
		return steps.Main, xerrors.New(xerrors.CodeConflict, "profile already exists for this wallet")
	}
	s.sequencer.Advance()
	return s.sequencer.Current(), nil
}

func (s *Session) viewAt(version uint64) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view, s.view.Version == version
}

// FormatEther renders a wei amount in ether with up to six decimals.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	value := new(big.Float).SetPrec(256).SetInt(wei)
	value.Quo(value, new(big.Float).SetPrec(256).SetInt64(params.Ether))
	return trimZeros(value.Text('f', 6))
}

func trimZeros(s string) string {
	for i := len(s) - 1; i > 0; i-- {
		switch s[i] {
		case '0':
			continue
		case '.':
			return s[:i]
		default:
			return s[:i+1]
		}
	}
	return s
}
