package onboarding

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"soneium-onboard/internal/connection"
	xerrors "soneium-onboard/internal/errors"
	"soneium-onboard/internal/observability/alerting"
	"soneium-onboard/internal/storage/mysql"
	"soneium-onboard/internal/steps"
	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
	"soneium-onboard/internal/web3/rpctest"
	"soneium-onboard/pkg/logger"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000000b2")

type staticProfiles struct {
	profile web3.Profile
	err     error
	calls   atomic.Int32
}

func (p *staticProfiles) ProfileByWallet(context.Context, gethcore.ContractCaller, common.Address) (web3.Profile, error) {
	p.calls.Add(1)
	return p.profile, p.err
}

type readOnlyProvider struct{}

func (readOnlyProvider) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(web3.SoneiumMinatoChainID), nil
}

func (readOnlyProvider) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (readOnlyProvider) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSession(t *testing.T, orch *connection.Orchestrator, profiles ProfileReader) *Session {
	t.Helper()
	session := NewSession(orch, nil, WithProfileReader(profiles), WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return session
}

func agentOrchestrator(t *testing.T, balance *big.Int) *connection.Orchestrator {
	t.Helper()
	node := rpctest.NewNode(web3.SoneiumMinatoChainID)
	t.Cleanup(node.Close)
	node.SetAccounts(owner)
	node.SetBalance(owner, balance)
	agent := wallet.NewRPCAgent(node.Client())
	orch := connection.New(connection.WithAgent(agent), connection.WithLogger(logger.Discard()))
	t.Cleanup(orch.Close)
	return orch
}

func TestSessionFollowsAgentConnection(t *testing.T) {
	balance, _ := new(big.Int).SetString("2500000000000000000", 10)
	orch := agentOrchestrator(t, balance)
	profiles := &staticProfiles{}
	session := startSession(t, orch, profiles)

	if !orch.Connect(context.Background(), true) {
		t.Fatalf("connect failed: %v", orch.LastFailure())
	}
	eventually(t, "balance", func() bool { return session.View().BalanceETH != "" })

	view := session.View()
	if !view.Connected || view.Account != owner.Hex() || view.ReadOnly {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.BalanceWei != "2500000000000000000" || view.BalanceETH != "2.5" || view.LowBalance {
		t.Fatalf("unexpected balance %+v", view)
	}
	if view.Owner || view.Profile != nil || profiles.calls.Load() == 0 {
		t.Fatalf("expected profile lookup without ownership, got %+v", view)
	}
	if view.NetworkName != "Soneium Testnet Minato" {
		t.Fatalf("unexpected network %q", view.NetworkName)
	}

	step, err := session.BuildProfile(context.Background())
	if err != nil || step != steps.Username {
		t.Fatalf("build profile: %v %v", step, err)
	}

	orch.Disconnect()
	eventually(t, "cleared view", func() bool { return !session.View().Connected })
	if v := session.View(); v.Account != "" || v.BalanceWei != "" {
		t.Fatalf("view should be cleared, got %+v", v)
	}
}

func TestSessionMarksOwners(t *testing.T) {
	orch := agentOrchestrator(t, big.NewInt(0))
	profiles := &staticProfiles{profile: web3.Profile{Username: "milad", Web2Items: []string{"x.com/milad"}}}
	session := startSession(t, orch, profiles)

	orch.Connect(context.Background(), true)
	eventually(t, "owner", func() bool { return session.View().Owner })

	view := session.View()
	if view.Profile == nil || view.Profile.Username != "milad" || !view.LowBalance {
		t.Fatalf("unexpected view %+v", view)
	}
	if _, err := session.BuildProfile(context.Background()); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("owners must not start a new profile, got %v", err)
	}
	if session.Sequencer().Current() != steps.Main {
		t.Fatal("step must stay on main")
	}
}

func TestSessionLookupErrorsAreNotFatal(t *testing.T) {
	orch := agentOrchestrator(t, big.NewInt(1))
	profiles := &staticProfiles{err: errors.New("execution reverted")}
	session := startSession(t, orch, profiles)

	orch.Connect(context.Background(), true)
	eventually(t, "connected view", func() bool { return session.View().Connected })
	if session.View().Owner {
		t.Fatal("lookup failure must not mark an owner")
	}
	if !orch.State().Connected {
		t.Fatal("lookup failure must not drop the connection")
	}
}

func TestSessionDisconnectsZeroAccount(t *testing.T) {
	orch := connection.New(
		connection.WithDialer(func(context.Context, string) (web3.Provider, error) { return readOnlyProvider{}, nil }),
		connection.WithLogger(logger.Discard()),
	)
	t.Cleanup(orch.Close)
	session := startSession(t, orch, nil)

	if !orch.Connect(context.Background(), false) {
		t.Fatalf("fallback connect failed: %v", orch.LastFailure())
	}
	eventually(t, "disconnect", func() bool { return !orch.State().Connected })
	if session.View().Connected {
		t.Fatal("view must not show a zero-address connection")
	}
}

func TestBuildProfileRequiresConnection(t *testing.T) {
	orch := connection.New(connection.WithLogger(logger.Discard()))
	session := NewSession(orch, steps.NewSequencer(), WithLogger(logger.Discard()))
	if _, err := session.BuildProfile(context.Background()); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRunStopsWhenOrchestratorCloses(t *testing.T) {
	orch := connection.New(connection.WithLogger(logger.Discard()))
	session := NewSession(orch, nil, WithLogger(logger.Discard()))
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	orch.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestFormatEther(t *testing.T) {
	cases := map[string]string{
		"0":                     "0",
		"1000000000000000000":   "1",
		"1500000000000000":      "0.0015",
		"123456789000000000000": "123.456789",
		"1":                     "0",
	}
	for wei, want := range cases {
		value, _ := new(big.Int).SetString(wei, 10)
		if got := FormatEther(value); got != want {
			t.Fatalf("FormatEther(%s) = %s, want %s", wei, got, want)
		}
	}
	if FormatEther(nil) != "0" {
		t.Fatal("nil balance formats as zero")
	}
}

func TestAttemptRecord(t *testing.T) {
	started := time.UnixMilli(1700000000000)
	ok := AttemptRecord(connection.Attempt{
		ID: "a1", Mode: connection.ModeAgent, StartedAt: started, Duration: 1500 * time.Millisecond,
		ChainID: web3.SoneiumChainID, Account: owner,
	})
	if ok.Outcome != mysql.OutcomeConnected || ok.ChainID != web3.SoneiumChainID || ok.Account != owner.Hex() || ok.DurationMS != 1500 {
		t.Fatalf("unexpected record %+v", ok)
	}

	failed := AttemptRecord(connection.Attempt{
		ID: "a2", Mode: connection.ModeAgent, StartedAt: started,
		Err: xerrors.New(xerrors.CodeAgentUnavailable, ""),
	})
	if failed.Outcome != mysql.OutcomeFailed || failed.ErrorCode != "AGENT_UNAVAILABLE" || failed.Account != "" {
		t.Fatalf("unexpected record %+v", failed)
	}
	if failed.StartedAt != 1700000000000 {
		t.Fatalf("unexpected start %d", failed.StartedAt)
	}
}

func TestObserversRecordAttempts(t *testing.T) {
	ctx := context.Background()
	repo, err := mysql.NewMemoryAttemptRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	recorder := alerting.NewRecorder(10)
	var audit bytes.Buffer

	observers := []connection.Observer{
		&JournalObserver{Repo: repo, Logger: logger.Discard()},
		&AdvisoryObserver{Dispatcher: alerting.NewFanout(recorder), Logger: logger.Discard()},
		&AuditObserver{Logger: slog.New(slog.NewJSONHandler(&audit, nil))},
	}
	rejected := connection.Attempt{
		ID: "a3", Mode: connection.ModeAgent, StartedAt: time.Now(),
		Err: xerrors.Wrap(xerrors.CodeUserRejected, errors.New("User rejected the request"), ""),
	}
	networkDown := connection.Attempt{
		ID: "a4", Mode: connection.ModeFallback, StartedAt: time.Now(),
		Err: xerrors.New(xerrors.CodeNetworkFailure, "dial"),
	}
	for _, attempt := range []connection.Attempt{rejected, networkDown} {
		for _, o := range observers {
			o.ObserveAttempt(ctx, attempt)
		}
	}

	records, _ := repo.ListLatest(ctx, 0)
	if len(records) != 2 || records[0].ID != "a4" || records[1].ErrorCode != "USER_REJECTED" {
		t.Fatalf("unexpected journal %+v", records)
	}
	advisories := recorder.Recent(0)
	if len(advisories) != 1 || advisories[0].AttemptID != "a3" {
		t.Fatalf("only advisory failures reach the recorder, got %+v", advisories)
	}
	if strings.Count(audit.String(), `"msg":"connect_attempt"`) != 2 {
		t.Fatalf("unexpected audit output %s", audit.String())
	}
}

func TestBuildProfileOnlyFromMainStep(t *testing.T) {
	orch := agentOrchestrator(t, big.NewInt(1))
	session := startSession(t, orch, &staticProfiles{})

	orch.Connect(context.Background(), true)
	eventually(t, "connected view", func() bool { return session.View().Connected })

	session.Sequencer().Advance()
	step, err := session.BuildProfile(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict away from main, got %v", err)
	}
	if step != steps.Username || session.Sequencer().Current() != steps.Username {
		t.Fatalf("step must not move, got %s", session.Sequencer().Current())
	}

	session.Sequencer().Reset()
	if step, err := session.BuildProfile(context.Background()); err != nil || step != steps.Username {
		t.Fatalf("build from main: %v %v", step, err)
	}
}

func TestBuildProfileWaitsForProfileLookup(t *testing.T) {
	orch := agentOrchestrator(t, big.NewInt(1))
	profiles := &staticProfiles{profile: web3.Profile{Username: "milad"}}
	// The session is not running, so nothing has looked the profile up yet.
	session := NewSession(orch, nil, WithProfileReader(profiles), WithLogger(logger.Discard()))

	if !orch.Connect(context.Background(), true) {
		t.Fatalf("connect failed: %v", orch.LastFailure())
	}
	if session.View().Owner {
		t.Fatal("view should not know the owner yet")
	}

	if _, err := session.BuildProfile(context.Background()); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("owner must be rejected even before the view caught up, got %v", err)
	}
	if profiles.calls.Load() == 0 {
		t.Fatal("expected the profile lookup to run")
	}
	if session.Sequencer().Current() != steps.Main {
		t.Fatal("step must stay on main")
	}
	if !session.View().Owner {
		t.Fatal("view should record the owner after the lookup")
	}
}
