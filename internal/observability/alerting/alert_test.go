package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "soneium-onboard/internal/errors"
)

type stubNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestEventFromError(t *testing.T) {
	now := time.Unix(1700000000, 0)
	event, ok := EventFromError("attempt-1", xerrors.Wrap(xerrors.CodeUserRejected, errors.New("4001"), ""), now)
	if !ok {
		t.Fatal("user rejection must produce an advisory")
	}
	if event.Code != xerrors.CodeUserRejected || event.Severity != xerrors.SeverityWarning {
		t.Fatalf("unexpected event %+v", event)
	}
	if !strings.Contains(event.Message, "connect your wallet") || event.AttemptID != "attempt-1" || !event.OccurredAt.Equal(now) {
		t.Fatalf("unexpected event %+v", event)
	}

	if _, ok := EventFromError("attempt-2", xerrors.New(xerrors.CodeNetworkFailure, "dial"), now); ok {
		t.Fatal("network failures are logged, not advised")
	}
	if _, ok := EventFromError("attempt-3", errors.New("plain"), now); ok {
		t.Fatal("plain errors are not advisories")
	}
}

func TestFanoutDispatcherCollectsErrors(t *testing.T) {
	ok := &stubNotifier{channel: ChannelRecorder}
	failing := &stubNotifier{channel: ChannelRedis, err: errors.New("down")}
	dispatcher := NewFanout(ok, nil, failing)

	if got := dispatcher.Channels(); len(got) != 2 || got[0] != ChannelRecorder || got[1] != ChannelRedis {
		t.Fatalf("unexpected channels %v", got)
	}

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeAgentUnavailable})
	if err == nil || !strings.Contains(err.Error(), "channel redis") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatal("every channel must be attempted")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	recorder := NewRecorder(2)
	for _, code := range []xerrors.Code{xerrors.CodeUserRejected, xerrors.CodeAgentUnavailable, xerrors.CodeUserRejected} {
		if err := recorder.Notify(context.Background(), Event{Code: code, Message: string(code)}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	recent := recorder.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected capacity to bound events, got %d", len(recent))
	}
	if recent[0].Code != xerrors.CodeUserRejected || recent[1].Code != xerrors.CodeAgentUnavailable {
		t.Fatalf("unexpected order %+v", recent)
	}
	if len(recorder.Recent(1)) != 1 {
		t.Fatal("limit not applied")
	}
}

func TestLogNotifierUsesSeverity(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeAgentUnavailable, Severity: xerrors.SeverityWarning, Message: "install"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) || !strings.Contains(buf.String(), `"code":"AGENT_UNAVAILABLE"`) {
		t.Fatalf("unexpected log line %s", buf.String())
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	n := NewRedisNotifierWithPublisher(fake, "")
	event := Event{Code: xerrors.CodeUserRejected, Message: "declined", AttemptID: "a1"}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if fake.channel != "onboard:advisories" {
		t.Fatalf("unexpected channel %q", fake.channel)
	}
	var decoded Event
	if err := json.Unmarshal(fake.payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Code != event.Code || decoded.AttemptID != "a1" {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	fake.err = errors.New("READONLY")
	if err := n.Notify(context.Background(), event); err == nil {
		t.Fatal("expected publish error")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("close without owned client: %v", err)
	}
}

func TestNewRedisNotifierRequiresAddress(t *testing.T) {
	if _, err := NewRedisNotifier(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected empty address to fail")
	}
}

type fakeAMQP struct {
	key string
	msg amqp.Publishing
}

func (f *fakeAMQP) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return nil
}

func TestRabbitMQNotifierPublishes(t *testing.T) {
	fake := &fakeAMQP{}
	n := NewRabbitMQNotifierWithPublisher(fake, "advisories")
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeAgentUnavailable, AttemptID: "a9"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if fake.key != "advisories" || fake.msg.ContentType != "application/json" || fake.msg.Type != "AGENT_UNAVAILABLE" {
		t.Fatalf("unexpected publishing %+v", fake.msg)
	}
	if fake.msg.MessageId != "a9" || fake.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected message headers %+v", fake.msg)
	}
	if _, err := NewRabbitMQNotifier(RabbitMQConfig{}); err == nil {
		t.Fatal("expected empty url to fail")
	}
}
