package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/autopack/internal/logger"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
)

const testStream = "AUTOPACK_TEST"

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url, testStream)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a subject the stream captures but the validator
// does not know, so any valid JSON passes.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return "autopack.test." + strings.ReplaceAll(t.Name(), "/", "_")
}

// dlqWatcher collects the first message published to subject's DLQ.
func dlqWatcher(t *testing.T, q *Queue, subject string) (<-chan jetstream.Msg, func()) {
	t.Helper()
	consumer, err := q.js.CreateOrUpdateConsumer(context.Background(), q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	got := make(chan jetstream.Msg, 1)
	var once sync.Once
	sub, err := consumer.Consume(func(msg jetstream.Msg) {
		once.Do(func() { got <- msg })
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	return got, sub.Stop
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	want := messagequeue.PhaseStatusPayload{RunID: "r1", TierID: "t1", PhaseID: "p1", Status: "COMPLETE"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	received := make(chan messagequeue.PhaseStatusPayload, 1)
	stop, err := q.Subscribe(ctx, messagequeue.SubjectPhaseStatus, func(_ context.Context, _ string, d []byte) error {
		var got messagequeue.PhaseStatusPayload
		if err := json.Unmarshal(d, &got); err != nil {
			return err
		}
		if got.RunID == "r1" {
			select {
			case received <- got:
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(ctx, messagequeue.SubjectPhaseStatus, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_CorrelationHeaders(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	type ids struct{ run, phase string }
	got := make(chan ids, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		select {
		case got <- ids{logger.RunID(ctx), logger.PhaseID(ctx)}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithPhase(logger.WithRun(context.Background(), "run-42"), "phase-7")
	if err := q.Publish(ctx, subject, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case g := <-got:
		if g.run != "run-42" || g.phase != "phase-7" {
			t.Errorf("ids = %+v", g)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_InvalidPayloadGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := messagequeue.SubjectRunCancel

	dlq, stopDLQ := dlqWatcher(t, q, subject)
	defer stopDLQ()

	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(ctx, subject, []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-dlq:
		if string(msg.Data()) != "not-json" {
			t.Errorf("DLQ data = %q", msg.Data())
		}
		if msg.Headers().Get(headerError) == "" {
			t.Error("DLQ message lacks the error header")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()
	subject := uniqueSubject(t)

	dlq, stopDLQ := dlqWatcher(t, q, subject)
	defer stopDLQ()

	stop, err := q.Subscribe(ctx, subject, func(context.Context, string, []byte) error {
		return errors.New("handler always fails")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	msg := &nats.Msg{Subject: subject, Data: []byte(`{"exhausted":true}`), Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case m := <-dlq:
		if string(m.Data()) != `{"exhausted":true}` {
			t.Errorf("DLQ data = %q", m.Data())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "autopack-test-kv", 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "content.abc", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "content.abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "hello" {
		t.Errorf("value = %q", entry.Value())
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want int
	}{
		{"absent", "", 0},
		{"numeric", "2", 2},
		{"garbage", "two", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := nats.Header{}
			if tt.val != "" {
				h.Set(headerRetryCount, tt.val)
			}
			if got := retryCount(h); got != tt.want {
				t.Errorf("retryCount = %d, want %d", got, tt.want)
			}
		})
	}
}
