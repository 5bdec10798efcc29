package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/pkg/a2a"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestBus(t *testing.T) *MessageBus {
	b := New(DefaultConfig(), newTestLogger(t), nil)
	t.Cleanup(b.Close)
	return b
}

func addrFor(id string) a2a.Address {
	return a2a.Address{AgentID: id, AgentKind: "test"}
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(t)

	if _, err := b.Subscribe(a2a.Address{}, nil, func(context.Context, *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	}); !errs.IsValidation(err) {
		t.Errorf("expected validation error for empty agent id, got %v", err)
	}
	if _, err := b.Subscribe(addrFor("agent-a"), nil, nil); !errs.IsValidation(err) {
		t.Errorf("expected validation error for nil handler, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	if err := b.Send(ctx, nil, nil); !errs.IsValidation(err) {
		t.Errorf("expected validation error for nil message, got %v", err)
	}

	msg := a2a.NewRequest(addrFor("a"), addrFor("b"), a2a.Text("hi"))
	msg.From.AgentID = ""
	if err := b.Send(ctx, msg, nil); !errs.IsValidation(err) {
		t.Errorf("expected validation error for missing sender, got %v", err)
	}
}

func TestSendExpiredRejected(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe(addrFor("agent-b"), nil, func(context.Context, *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("late"))
	past := time.Now().Add(-time.Minute)
	msg.ExpiresAt = &past

	err = b.Send(context.Background(), msg, nil)
	if errs.KindOf(err) != errs.KindPrecondition {
		t.Errorf("expected precondition error for expired message, got %v", err)
	}
	if msg.Status != a2a.StatusExpired {
		t.Errorf("status = %s, want expired", msg.Status)
	}
}

func TestSendNoSubscriptionIsNotFound(t *testing.T) {
	b := newTestBus(t)

	msg := a2a.NewNotification(addrFor("agent-a"), addrFor("nobody"), a2a.Text("hi"))
	if err := b.Send(context.Background(), msg, nil); !errs.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestDeliveryAndAutoResponse(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	// agent-b answers requests with ACK.
	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return a2a.Text("ACK"), nil
	})
	if err != nil {
		t.Fatalf("Subscribe agent-b: %v", err)
	}

	// agent-a collects the auto-enqueued response.
	responses := make(chan *a2a.Message, 1)
	_, err = b.Subscribe(addrFor("agent-a"), a2a.ByType(a2a.TypeResponse), func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		responses <- msg
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe agent-a: %v", err)
	}

	req := a2a.NewRequest(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("Hi"))
	if err := b.Send(ctx, req, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.ReplyTo != req.ID {
			t.Errorf("replyTo = %q, want %q", resp.ReplyTo, req.ID)
		}
		if resp.CorrelationID != req.ID {
			t.Errorf("correlationId = %q, want %q", resp.CorrelationID, req.ID)
		}
		if resp.To[0].AgentID != "agent-a" {
			t.Errorf("response addressed to %q, want agent-a", resp.To[0].AgentID)
		}
		if text, ok := resp.Payload.(*a2a.TextPayload); !ok || text.Content != "ACK" {
			t.Errorf("payload = %#v, want ACK text", resp.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for auto response")
	}
}

func TestHandlerErrorBecomesErrorMessage(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	sub, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, fmt.Errorf("request timed out")
	})
	if err != nil {
		t.Fatalf("Subscribe agent-b: %v", err)
	}

	errMsgs := make(chan *a2a.Message, 1)
	_, err = b.Subscribe(addrFor("agent-a"), a2a.ByType(a2a.TypeError), func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		errMsgs <- msg
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe agent-a: %v", err)
	}

	req := a2a.NewRequest(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("work"))
	if err := b.Send(ctx, req, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case em := <-errMsgs:
		if em.ReplyTo != req.ID {
			t.Errorf("replyTo = %q, want %q", em.ReplyTo, req.ID)
		}
		ep, ok := em.Payload.(*a2a.ErrorPayload)
		if !ok {
			t.Fatalf("payload type = %T, want *a2a.ErrorPayload", em.Payload)
		}
		if ep.Code != string(errs.KindTimeout) {
			t.Errorf("error code = %q, want %q", ep.Code, errs.KindTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error message")
	}

	deadline := time.After(time.Second)
	for sub.DeliveryErrors() == 0 {
		select {
		case <-deadline:
			t.Fatal("delivery error counter never incremented")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		panic("handler exploded")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("boom"))
	if err := b.Send(context.Background(), msg, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(time.Second)
	for sub.DeliveryErrors() == 0 {
		select {
		case <-deadline:
			t.Fatal("panic was not counted as a delivery error")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendAndWait(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return a2a.Text("pong"), nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	resp, err := b.SendAndWait(ctx, addrFor("agent-a"), addrFor("agent-b"), a2a.Text("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if text, ok := resp.Payload.(*a2a.TextPayload); !ok || text.Content != "pong" {
		t.Errorf("payload = %#v, want pong", resp.Payload)
	}

	// Temporary reply subscription is gone afterwards.
	if n := b.SubscriptionCount(); n != 1 {
		t.Errorf("subscription count = %d, want 1", n)
	}
}

func TestSendAndWaitTimeout(t *testing.T) {
	b := newTestBus(t)

	// Recipient never answers.
	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_, err = b.SendAndWait(context.Background(), addrFor("agent-a"), addrFor("agent-b"), a2a.Text("ping"), 50*time.Millisecond)
	if errs.KindOf(err) != errs.KindTimeout {
		t.Errorf("expected timeout error, got %v", err)
	}
	if n := b.SubscriptionCount(); n != 1 {
		t.Errorf("subscription count after timeout = %d, want 1", n)
	}
}

func TestSendAndWaitCancelled(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.SendAndWait(ctx, addrFor("agent-a"), addrFor("agent-b"), a2a.Text("ping"), time.Minute)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if errs.KindOf(err) != errs.KindPrecondition {
			t.Errorf("expected cancellation error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SendAndWait did not observe cancellation")
	}
}

func TestSendAndWaitErrorReply(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, fmt.Errorf("unauthorized access")
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	resp, err := b.SendAndWait(context.Background(), addrFor("agent-a"), addrFor("agent-b"), a2a.Text("op"), time.Second)
	if err == nil {
		t.Fatal("expected error from error reply")
	}
	if errs.KindOf(err) != errs.KindUnauthorized {
		t.Errorf("error kind = %v, want unauthorized", errs.KindOf(err))
	}
	if resp == nil || resp.Type != a2a.TypeError {
		t.Errorf("expected the error message to be returned alongside the error")
	}
}

func TestBroadcastReachesAllAgents(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("agent-%d", i)
		_, err := b.Subscribe(addrFor(id), a2a.ByType(a2a.TypeBroadcast), func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
			wg.Done()
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Subscribe %s: %v", id, err)
		}
	}

	if err := b.Broadcast(ctx, a2a.NewBroadcast(addrFor("announcer"), a2a.Text("all hands"))); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast did not reach all subscribers")
	}
}

func TestPerSubscriptionOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	const n = 50
	got := make(chan int, n)
	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		data := msg.Payload.(*a2a.DataPayload)
		got <- int(data.Data["seq"].(float64))
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < n; i++ {
		msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"),
			a2a.Data(map[string]any{"seq": float64(i)}))
		if err := b.Send(ctx, msg, nil); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case seq := <-got:
			if seq != i {
				t.Fatalf("message %d delivered out of order (got seq %d)", i, seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestQueueOverflowRejectsSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	b := New(cfg, newTestLogger(t), nil)
	t.Cleanup(b.Close)

	blocked := make(chan struct{})
	release := make(chan struct{})
	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		close(blocked)
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(release)

	send := func() error {
		msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("x"))
		return b.Send(context.Background(), msg, nil)
	}

	// First send occupies the handler, second fills the buffer.
	if err := send(); err != nil {
		t.Fatalf("first send: %v", err)
	}
	<-blocked
	if err := send(); err != nil {
		t.Fatalf("second send: %v", err)
	}

	// Third send must be rejected with the backpressure kind.
	if err := send(); errs.KindOf(err) != errs.KindRateLimited {
		t.Errorf("expected rate-limited rejection, got %v", err)
	}
}

func TestDeliveryOptionsOverride(t *testing.T) {
	b := newTestBus(t)

	seen := make(chan *a2a.Message, 1)
	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		seen <- msg
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("x"))
	opts := &DeliveryOptions{Priority: a2a.PriorityUrgent, MaxRetries: 5}
	if err := b.Send(context.Background(), msg, opts); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-seen:
		if m.Priority != a2a.PriorityUrgent {
			t.Errorf("priority = %s, want urgent", m.Priority)
		}
		if m.MaxRetries != 5 {
			t.Errorf("maxRetries = %d, want 5", m.MaxRetries)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestFilteredSubscriptionIgnoresMismatch(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	matched := make(chan *a2a.Message, 2)
	_, err := b.Subscribe(addrFor("agent-b"), a2a.FromAgent("trusted"), func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		matched <- msg
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Mismatched sender: no subscription accepts it.
	bad := a2a.NewNotification(addrFor("stranger"), addrFor("agent-b"), a2a.Text("x"))
	if err := b.Send(ctx, bad, nil); !errs.IsNotFound(err) {
		t.Errorf("expected not-found for filtered-out message, got %v", err)
	}

	good := a2a.NewNotification(addrFor("trusted"), addrFor("agent-b"), a2a.Text("y"))
	if err := b.Send(ctx, good, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-matched:
		if m.From.AgentID != "trusted" {
			t.Errorf("delivered from %q, want trusted", m.From.AgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("matching message was not delivered")
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := New(DefaultConfig(), newTestLogger(t), nil)

	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Close()
	b.Close() // idempotent

	if _, err := b.Subscribe(addrFor("agent-c"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	}); err != ErrBusClosed {
		t.Errorf("Subscribe after close = %v, want ErrBusClosed", err)
	}

	msg := a2a.NewNotification(addrFor("a"), addrFor("agent-b"), a2a.Text("x"))
	if err := b.Send(context.Background(), msg, nil); err == nil {
		t.Error("Send after close should fail")
	}
}

func TestStatsCounters(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("x"))
		if err := b.Send(ctx, msg, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for b.Stats().Delivered < 3 {
		select {
		case <-deadline:
			t.Fatalf("delivered = %d, want 3", b.Stats().Delivered)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := b.Stats().Sent; got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
}

func TestMetricsCounters(t *testing.T) {
	m := metrics.New()
	b := New(DefaultConfig(), newTestLogger(t), m)
	t.Cleanup(b.Close)

	delivered := make(chan struct{}, 2)
	_, err := b.Subscribe(addrFor("agent-b"), nil, func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
		delivered <- struct{}{}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx := context.Background()
	msg := a2a.NewNotification(addrFor("agent-a"), addrFor("agent-b"), a2a.Text("hello"))
	if err := b.Send(ctx, msg, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}

	// A message without a matching subscription is undeliverable, not
	// rejected; a validation failure is.
	if err := b.Send(ctx, &a2a.Message{}, nil); err == nil {
		t.Fatal("Send of invalid message succeeded")
	}

	if v := testutil.ToFloat64(m.BusSent); v != 1 {
		t.Errorf("sent counter = %v, want 1", v)
	}
	deadline := time.After(time.Second)
	for testutil.ToFloat64(m.BusDelivered) < 1 {
		select {
		case <-deadline:
			t.Fatalf("delivered counter = %v, want 1", testutil.ToFloat64(m.BusDelivered))
		case <-time.After(5 * time.Millisecond):
		}
	}
	if v := testutil.ToFloat64(m.BusRejected); v != 1 {
		t.Errorf("rejected counter = %v, want 1", v)
	}
}
