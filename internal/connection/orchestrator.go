package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	xerrors "soneium-onboard/internal/errors"
	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
	"soneium-onboard/internal/web3/chains"
	"soneium-onboard/pkg/logger"
)

// Orchestrator owns the connection lifecycle. It is the only writer of the
// connection state; everyone else reads snapshots.
type Orchestrator struct {
	mu      sync.RWMutex
	state   State
	owned   bool
	lastErr error

	agent         wallet.Agent
	registry      *chains.Registry
	fallbackURL   string
	dial          Dialer
	agentProvider AgentProviderFunc
	observers     []Observer
	logger        *slog.Logger
	newID         func() string
	now           func() time.Time

	feed  event.Feed
	scope event.SubscriptionScope
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithAgent injects the wallet agent. Without one the agent is absent.
func WithAgent(agent wallet.Agent) Option {
	return func(o *Orchestrator) {
		o.agent = agent
	}
}

// WithRegistry sets the chain registry (target chain and supported set).
func WithRegistry(registry *chains.Registry) Option {
	return func(o *Orchestrator) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithFallbackURL overrides the read-only endpoint.
func WithFallbackURL(rpcURL string) Option {
	return func(o *Orchestrator) {
		if rpcURL != "" {
			o.fallbackURL = rpcURL
		}
	}
}

// WithDialer overrides how the fallback provider is built.
func WithDialer(dial Dialer) Option {
	return func(o *Orchestrator) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// WithAgentProvider overrides how the agent-backed provider is built.
func WithAgentProvider(fn AgentProviderFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.agentProvider = fn
		}
	}
}

// WithObserver registers an attempt observer.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a disconnected orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:      chains.NewDefaultRegistry(),
		fallbackURL:   web3.MinatoRPCURL,
		dial:          DialFallback,
		agentProvider: ProviderForAgent,
		newID:         uuid.NewString,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("connection")
	}
	return o
}

// State returns a snapshot of the connection.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

// LastFailure returns the error of the most recent failed attempt, or nil
// once an attempt succeeds.
func (o *Orchestrator) LastFailure() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// Subscribe delivers a snapshot on ch after every change. Sends block until
// ch accepts, so ch should be buffered and drained promptly.
func (o *Orchestrator) Subscribe(ch chan<- State) event.Subscription {
	return o.scope.Track(o.feed.Subscribe(ch))
}

// ErrAttemptInFlight is returned by TryConnect when another attempt is
// already running. The rejected call is not an attempt and is not observed.
var ErrAttemptInFlight = xerrors.New(xerrors.CodeConflict, "connect already in progress")

// Connect establishes a connection through the injected agent when
// preferInjectedAgent is set, or through the read-only fallback endpoint
// otherwise. It returns false without touching the state when another
// attempt is in flight, and false with the state unchanged when the attempt
// fails. Each negotiation step runs once; there is no retry.
func (o *Orchestrator) Connect(ctx context.Context, preferInjectedAgent bool) bool {
	return o.TryConnect(ctx, preferInjectedAgent) == nil
}

// TryConnect behaves like Connect but reports why a call did not connect:
// ErrAttemptInFlight for a rejected re-entrant call, otherwise the failure
// of this very attempt.
func (o *Orchestrator) TryConnect(ctx context.Context, preferInjectedAgent bool) error {
	o.mu.Lock()
	if o.state.Connecting {
		o.mu.Unlock()
		o.logger.Debug("connect ignored, attempt already in flight")
		return ErrAttemptInFlight
	}
	o.state.Connecting = true
	o.state.Version++
	pending := o.snapshotLocked()
	o.mu.Unlock()
	o.feed.Send(pending)

	attempt := Attempt{ID: o.newID(), Mode: ModeFallback, StartedAt: o.now()}
	if preferInjectedAgent {
		attempt.Mode = ModeAgent
	}

	result, err := o.establish(ctx, attempt.Mode)
	if err != nil && callerGaveUp(err) {
		err = xerrors.Wrap(xerrors.CodeOf(err), err, "attempt cancelled by caller",
			xerrors.WithSeverity(xerrors.SeverityInfo), xerrors.WithAdvisory(false))
	}
	attempt.Duration = o.now().Sub(attempt.StartedAt)
	attempt.Err = err

	o.mu.Lock()
	var stale web3.Provider
	if err != nil {
		o.lastErr = err
		o.state.Connecting = false
	} else {
		if o.owned && o.state.Provider != result.provider {
			stale = o.state.Provider
		}
		o.state = State{
			Connected:   true,
			ChainID:     result.chainID,
			NetworkName: o.registry.NetworkName(result.chainID),
			Provider:    result.provider,
			Signer:      result.signer,
			Version:     o.state.Version,
		}
		o.owned = result.owned
		o.lastErr = nil
		attempt.ChainID = result.chainID
		attempt.Account = result.signer.Address()
	}
	o.state.Version++
	committed := o.snapshotLocked()
	o.mu.Unlock()

	if stale != nil {
		closeProvider(stale)
	}
	o.feed.Send(committed)
	// 尝试已经结束，观察者不应受调用方取消的影响。
	o.report(context.WithoutCancel(ctx), attempt)
	return err
}

func callerGaveUp(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Disconnect resets the connection to its empty form. It is a no-op when
// already disconnected. An attempt in flight keeps running and publishes
// its own result.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	if !o.state.Connected && o.state.Provider == nil && o.state.Signer == nil {
		o.mu.Unlock()
		return
	}
	var stale web3.Provider
	if o.owned {
		stale = o.state.Provider
	}
	o.state = State{Connecting: o.state.Connecting, Version: o.state.Version + 1}
	o.owned = false
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if stale != nil {
		closeProvider(stale)
	}
	o.feed.Send(snapshot)
	o.logger.Info("Disconnected from provider")
}

// Close disconnects and ends every subscription.
func (o *Orchestrator) Close() {
	o.Disconnect()
	o.scope.Close()
}

func (o *Orchestrator) snapshotLocked() State {
	snapshot := o.state
	if snapshot.Connecting {
		snapshot.Connected = false
	}
	return snapshot
}

type established struct {
	provider web3.Provider
	signer   wallet.Signer
	chainID  uint64
	owned    bool
}

func (o *Orchestrator) establish(ctx context.Context, mode Mode) (established, error) {
	var (
		result established
		err    error
	)
	if mode == ModeAgent {
		result, err = o.connectAgent(ctx)
	} else {
		result, err = o.connectFallback(ctx)
	}
	if err != nil {
		return established{}, err
	}

	id, err := result.provider.ChainID(ctx)
	if err != nil {
		if result.owned {
			closeProvider(result.provider)
		}
		code := xerrors.CodeNetworkFailure
		if mode == ModeAgent {
			code = xerrors.CodeAgentFailure
		}
		return established{}, xerrors.Wrap(code, err, "read network metadata")
	}
	result.chainID = id.Uint64()
	return result, nil
}

func (o *Orchestrator) connectAgent(ctx context.Context) (established, error) {
	agent := o.agent
	if agent == nil {
		return established{}, xerrors.New(xerrors.CodeAgentUnavailable, "")
	}

	accounts, err := agent.RequestAccounts(ctx)
	if err != nil {
		if wallet.IsUserRejected(err) {
			return established{}, xerrors.Wrap(xerrors.CodeUserRejected, err, "")
		}
		return established{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "eth_requestAccounts")
	}
	if len(accounts) == 0 {
		return established{}, xerrors.New(xerrors.CodeAgentFailure, "wallet returned no authorised account")
	}

	current, err := agent.RequestChainID(ctx)
	if err != nil {
		return established{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "eth_chainId")
	}
	if !o.registry.Supported().Contains(current) {
		o.steerChain(ctx, agent, current)
		if current, err = agent.RequestChainID(ctx); err != nil {
			return established{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "eth_chainId")
		}
	}
	o.logger.Debug("wallet chain resolved", slog.Uint64("chain_id", current))

	provider, err := o.agentProvider(agent)
	if err != nil {
		return established{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "build agent provider")
	}
	return established{
		provider: provider,
		signer:   wallet.NewAgentSigner(accounts[0], agent),
	}, nil
}

// steerChain asks the agent to switch to the target chain and, when the
// agent does not know it, registers it once. Failures are logged only; the
// connection proceeds on whatever chain the agent ends up on.
func (o *Orchestrator) steerChain(ctx context.Context, agent wallet.Agent, current uint64) {
	target, err := o.registry.Target()
	if err != nil {
		o.logger.Error("no target chain configured", slog.String("error", err.Error()))
		return
	}

	err = agent.RequestChainSwitchOrAdd(ctx, wallet.ChainRequest{Kind: wallet.SwitchChain, Chain: target})
	if err == nil {
		o.logger.Info("wallet switched network",
			slog.Uint64("from", current), slog.Uint64("to", target.ID))
		return
	}
	if !wallet.IsUnrecognizedChain(err) {
		o.logger.Error("Failed to switch network",
			slog.Uint64("target", target.ID), slog.String("error", err.Error()))
		return
	}

	if addErr := agent.RequestChainSwitchOrAdd(ctx, wallet.ChainRequest{Kind: wallet.AddChain, Chain: target}); addErr != nil {
		o.logger.Error("Failed to add network",
			slog.Uint64("target", target.ID), slog.String("error", addErr.Error()))
		return
	}
	o.logger.Info("wallet registered network", slog.Uint64("chain_id", target.ID))
}

func (o *Orchestrator) connectFallback(ctx context.Context) (established, error) {
	o.logger.Info("connecting through read-only endpoint", slog.String("rpc_url", o.fallbackURL))
	provider, err := o.dial(ctx, o.fallbackURL)
	if err != nil {
		return established{}, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "dial fallback endpoint")
	}
	return established{
		provider: provider,
		signer:   wallet.ZeroSigner(),
		owned:    true,
	}, nil
}

func (o *Orchestrator) report(ctx context.Context, attempt Attempt) {
	attrs := []any{
		slog.String("attempt_id", attempt.ID),
		slog.String("mode", string(attempt.Mode)),
		slog.Duration("duration", attempt.Duration),
	}
	switch {
	case attempt.Err == nil:
		o.logger.Info("Wallet connected", append(attrs,
			slog.Uint64("chain_id", attempt.ChainID),
			slog.String("account", attempt.Account.Hex()))...)
	case xerrors.IsAdvisory(attempt.Err):
		o.logger.Warn("wallet connection declined", append(attrs,
			slog.String("code", string(xerrors.CodeOf(attempt.Err))))...)
	default:
		level := slog.LevelError
		if xerrors.SeverityOf(attempt.Err) == xerrors.SeverityInfo {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "Failed to connect wallet", append(attrs,
			slog.String("code", string(xerrors.CodeOf(attempt.Err))),
			slog.String("error", attempt.Err.Error()))...)
	}

	for _, observer := range o.observers {
		observer.ObserveAttempt(ctx, attempt)
	}
}
