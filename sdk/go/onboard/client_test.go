package onboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientValidatesURL(t *testing.T) {
	if _, err := NewClient("ftp://example.com", nil); err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}
	if _, err := NewClient("http://[::1", nil); err == nil {
		t.Fatal("expected malformed url to fail")
	}
}

func TestConnectSendsPreference(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/connection/connect" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]bool
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if !body["prefer_injected_agent"] {
			t.Fatalf("preference not sent: %v", body)
		}
		_ = json.NewEncoder(w).Encode(ConnectResult{
			Connected:  true,
			Connection: Connection{Connected: true, ChainID: 1946, ChainIDHex: "0x79a", Account: "0xabc"},
		})
	}))

	result, err := client.Connect(context.Background(), true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !result.Connected || result.Connection.ChainIDHex != "0x79a" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestConnectFailureIsNotAnError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ConnectResult{Error: &Failure{Code: "USER_REJECTED", Advisory: true}})
	}))

	result, err := client.Connect(context.Background(), true)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if result.Connected || result.Error == nil || result.Error.Code != "USER_REJECTED" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestBuildProfileConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"CONFLICT","message":"wallet is not connected"}`))
	}))

	_, err := client.BuildProfile(context.Background())
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "wallet is not connected") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPlainTextErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))

	_, err := client.Attempts(context.Background(), 5)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "service unavailable" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListEndpointsPassLimit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "3" {
			t.Fatalf("limit not forwarded: %s", r.URL.RawQuery)
		}
		switch r.URL.Path {
		case "/api/v1/advisories":
			_ = json.NewEncoder(w).Encode([]Advisory{{Code: "AGENT_UNAVAILABLE"}})
		case "/api/v1/attempts":
			_ = json.NewEncoder(w).Encode([]Attempt{{ID: "a1", Outcome: "failed"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	advisories, err := client.Advisories(context.Background(), 3)
	if err != nil || len(advisories) != 1 || advisories[0].Code != "AGENT_UNAVAILABLE" {
		t.Fatalf("unexpected advisories %+v %v", advisories, err)
	}
	attempts, err := client.Attempts(context.Background(), 3)
	if err != nil || len(attempts) != 1 || attempts[0].ID != "a1" {
		t.Fatalf("unexpected attempts %+v %v", attempts, err)
	}
}

func TestStepsRoundTrip(t *testing.T) {
	current := "main"
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/steps":
			_ = json.NewEncoder(w).Encode(Steps{Current: current, Steps: []string{"main", "username"}})
		case "/api/v1/steps/advance":
			current = "username"
			_ = json.NewEncoder(w).Encode(Steps{Current: current})
		case "/api/v1/steps/reset":
			current = "main"
			_ = json.NewEncoder(w).Encode(Steps{Current: current})
		}
	}))

	ctx := context.Background()
	if step, err := client.Advance(ctx); err != nil || step != "username" {
		t.Fatalf("advance: %s %v", step, err)
	}
	steps, err := client.Steps(ctx)
	if err != nil || steps.Current != "username" || len(steps.Steps) != 2 {
		t.Fatalf("steps: %+v %v", steps, err)
	}
	if step, err := client.Reset(ctx); err != nil || step != "main" {
		t.Fatalf("reset: %s %v", step, err)
	}
}

func TestWatchStopsWhenCallbackReturnsFalse(t *testing.T) {
	upgrader := websocket.Upgrader{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/connection/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for version := uint64(1); version <= 3; version++ {
			if err := conn.WriteJSON(Connection{Version: version, Connected: version == 3}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []uint64
	err := client.Watch(ctx, func(c Connection) bool {
		seen = append(seen, c.Version)
		return !c.Connected
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("unexpected snapshots %v", seen)
	}
}
