package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"

	"soneium-onboard/internal/connection"
	xerrors "soneium-onboard/internal/errors"
	"soneium-onboard/internal/observability/alerting"
	"soneium-onboard/internal/observability/metrics"
	"soneium-onboard/internal/onboarding"
	"soneium-onboard/internal/storage/mysql"
	"soneium-onboard/internal/wallet"
	"soneium-onboard/internal/web3"
	"soneium-onboard/internal/web3/rpctest"
	"soneium-onboard/pkg/logger"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000c3")

type fixture struct {
	srv        *httptest.Server
	orch       *connection.Orchestrator
	journal    *mysql.MemoryAttemptRepository
	advisories *alerting.Recorder
}

func newFixture(t *testing.T, withAgent bool) *fixture {
	t.Helper()

	journal, err := mysql.NewMemoryAttemptRepository(t.TempDir())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	recorder := alerting.NewRecorder(10)
	opts := []connection.Option{
		connection.WithLogger(logger.Discard()),
		connection.WithObserver(&onboarding.JournalObserver{Repo: journal, Logger: logger.Discard()}),
		connection.WithObserver(&onboarding.AdvisoryObserver{Dispatcher: alerting.NewFanout(recorder), Logger: logger.Discard()}),
	}
	if withAgent {
		node := rpctest.NewNode(web3.SoneiumMinatoChainID)
		t.Cleanup(node.Close)
		node.SetAccounts(account)
		opts = append(opts, connection.WithAgent(wallet.NewRPCAgent(node.Client())))
	}
	orch := connection.New(opts...)
	t.Cleanup(orch.Close)

	session := onboarding.NewSession(orch, nil, onboarding.WithLogger(logger.Discard()))
	server := NewServer(":0", Options{
		Connector:  orch,
		Session:    session,
		Journal:    journal,
		Advisories: recorder,
		Metrics:    metrics.New(),
		Logger:     logger.Discard(),
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, orch: orch, journal: journal, advisories: recorder}
}

func (f *fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestConnectThroughAgent(t *testing.T) {
	f := newFixture(t, true)

	var result ConnectResult
	if code := f.do(t, http.MethodPost, "/api/v1/connection/connect", `{"prefer_injected_agent":true}`, &result); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if !result.Connected || result.Error != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	view := result.Connection
	if view.ChainID != web3.SoneiumMinatoChainID || view.ChainIDHex != "0x79a" || view.Account != account.Hex() || view.ReadOnly {
		t.Fatalf("unexpected connection %+v", view)
	}

	var current ConnectionView
	f.do(t, http.MethodGet, "/api/v1/connection", "", &current)
	if !current.Connected || current.NetworkName != "Soneium Testnet Minato" {
		t.Fatalf("unexpected state %+v", current)
	}

	var records []mysql.AttemptRecord
	f.do(t, http.MethodGet, "/api/v1/attempts?limit=5", "", &records)
	if len(records) != 1 || records[0].Outcome != mysql.OutcomeConnected || records[0].Mode != "agent" {
		t.Fatalf("unexpected journal %+v", records)
	}

	var disconnected ConnectionView
	f.do(t, http.MethodPost, "/api/v1/connection/disconnect", "", &disconnected)
	if disconnected.Connected || disconnected.Account != "" {
		t.Fatalf("unexpected state after disconnect %+v", disconnected)
	}
}

func TestConnectWithoutAgentRaisesAdvisory(t *testing.T) {
	f := newFixture(t, false)

	var result ConnectResult
	f.do(t, http.MethodPost, "/api/v1/connection/connect", `{"prefer_injected_agent":true}`, &result)
	if result.Connected || result.Error == nil {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Error.Code != "AGENT_UNAVAILABLE" || !result.Error.Advisory {
		t.Fatalf("unexpected error %+v", result.Error)
	}
	if !strings.Contains(result.Error.Message, "install MetaMask") {
		t.Fatalf("unexpected message %q", result.Error.Message)
	}

	var events []alerting.Event
	f.do(t, http.MethodGet, "/api/v1/advisories", "", &events)
	if len(events) != 1 || events[0].Code != "AGENT_UNAVAILABLE" {
		t.Fatalf("unexpected advisories %+v", events)
	}

	var current ConnectionView
	f.do(t, http.MethodGet, "/api/v1/connection", "", &current)
	if current.Connected || current.LastFailure == nil || current.LastFailure.Code != "AGENT_UNAVAILABLE" {
		t.Fatalf("unexpected state %+v", current)
	}
}

func TestConnectRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, true)
	var body ErrorBody
	if code := f.do(t, http.MethodPost, "/api/v1/connection/connect", `{"prefer_injected_agent":`, &body); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if body.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestStepsEndpoints(t *testing.T) {
	f := newFixture(t, true)

	var view StepsView
	f.do(t, http.MethodGet, "/api/v1/steps", "", &view)
	if view.Current != "main" || len(view.Steps) != 5 || view.Steps[4] != "preview" {
		t.Fatalf("unexpected steps %+v", view)
	}

	for _, want := range []string{"username", "web2_addresses", "web3_addresses", "preview", "preview"} {
		f.do(t, http.MethodPost, "/api/v1/steps/advance", "", &view)
		if view.Current != want {
			t.Fatalf("expected %s, got %s", want, view.Current)
		}
	}

	f.do(t, http.MethodPost, "/api/v1/steps/reset", "", &view)
	if view.Current != "main" {
		t.Fatalf("reset should return to main, got %s", view.Current)
	}
}

func TestBuildProfileRequiresConnection(t *testing.T) {
	f := newFixture(t, true)

	var body ErrorBody
	if code := f.do(t, http.MethodPost, "/api/v1/session/build", "", &body); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}

	f.do(t, http.MethodPost, "/api/v1/connection/connect", `{"prefer_injected_agent":true}`, nil)
	var view StepsView
	if code := f.do(t, http.MethodPost, "/api/v1/session/build", "", &view); code != http.StatusOK || view.Current != "username" {
		t.Fatalf("unexpected build result %d %+v", code, view)
	}

	var session onboarding.View
	f.do(t, http.MethodGet, "/api/v1/session", "", &session)
	if session.Step.String() != "username" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, true)
	if code := f.do(t, http.MethodGet, "/api/v1/connection/connect", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/v1/steps", "", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, true)

	var health map[string]string
	if code := f.do(t, http.MethodGet, "/healthz", "", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", code, health)
	}

	resp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`onboard_http_requests_total{code="200",handler="/healthz",method="GET"} 1`)) {
		t.Fatalf("request not instrumented:\n%s", body)
	}
}

func TestAttemptsWithoutJournal(t *testing.T) {
	server := NewServer(":0", Options{Metrics: metrics.New(), Logger: logger.Discard()})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attempts", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != string(xerrors.CodeStorageFailure) || body.Recoverable {
		t.Fatalf("a missing journal is not worth retrying, got %+v", body)
	}
}

func TestEventsStreamConnectionChanges(t *testing.T) {
	f := newFixture(t, true)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/connection/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	var first ConnectionView
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if first.Connected {
		t.Fatalf("unexpected initial snapshot %+v", first)
	}

	go f.orch.Connect(context.Background(), true)

	last := first.Version
	for {
		var view ConnectionView
		if err := conn.ReadJSON(&view); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if view.Version <= last {
			t.Fatalf("versions must increase: %d after %d", view.Version, last)
		}
		last = view.Version
		if view.Connecting && view.Connected {
			t.Fatal("connecting and connected must not be observed together")
		}
		if view.Connected {
			if view.Account != account.Hex() {
				t.Fatalf("unexpected account %s", view.Account)
			}
			return
		}
	}
}

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	server := NewServer(":0", Options{
		Metrics:        metrics.New(),
		Logger:         logger.Discard(),
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/connection/connect", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origins must not be allowed")
	}
}

// scriptedConnector answers TryConnect with a fixed error and records the
// context it was handed.
type scriptedConnector struct {
	state connection.State
	err   error
	ctx   chan context.Context
}

func (c *scriptedConnector) State() connection.State { return c.state }
func (c *scriptedConnector) LastFailure() error { return nil }
func (c *scriptedConnector) Disconnect() {}
func (c *scriptedConnector) Subscribe(chan<- connection.State) event.Subscription {
	return nil
}

func (c *scriptedConnector) TryConnect(ctx context.Context, _ bool) error {
	c.ctx <- ctx
	return c.err
}

func serveConnect(t *testing.T, ctx context.Context, conn Connector) *httptest.ResponseRecorder {
	t.Helper()
	server := NewServer(":0", Options{Connector: conn, Metrics: metrics.New(), Logger: logger.Discard()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/connection/connect", strings.NewReader(`{"prefer_injected_agent":true}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestConnectIgnoresClientCancellation(t *testing.T) {
	conn := &scriptedConnector{ctx: make(chan context.Context, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := serveConnect(t, ctx, conn)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if err := (<-conn.ctx).Err(); err != nil {
		t.Fatalf("negotiation must not inherit the request cancellation, got %v", err)
	}
}

func TestConnectConflictOnlyForRejectedCalls(t *testing.T) {
	rejected := &scriptedConnector{ctx: make(chan context.Context, 1), err: connection.ErrAttemptInFlight}
	if rec := serveConnect(t, context.Background(), rejected); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a rejected call, got %d", rec.Code)
	}

	// Another attempt already started by the time the state is read.
	failed := &scriptedConnector{
		ctx:   make(chan context.Context, 1),
		state: connection.State{Connecting: true, Version: 7},
		err:   xerrors.Wrap(xerrors.CodeAgentFailure, errors.New("bridge closed"), "eth_chainId"),
	}
	rec := serveConnect(t, context.Background(), failed)
	if rec.Code != http.StatusOK {
		t.Fatalf("a failed attempt is not a conflict, got %d", rec.Code)
	}
	var result ConnectResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Connected || result.Error == nil || result.Error.Code != string(xerrors.CodeAgentFailure) || !result.Error.Recoverable {
		t.Fatalf("unexpected result %+v", result)
	}
}
