package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/pkg/a2a"
)

// Handler processes one delivered message. For request messages a non-nil
// returned payload is sent back to the requester as a response; a returned
// error is sent back as an error message with the same linkage.
type Handler func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error)

// Subscription binds an agent address to a handler. Each subscription owns
// one delivery goroutine, so its handler observes messages in send order.
type Subscription struct {
	ID     string
	Addr   a2a.Address
	Filter a2a.Filter

	bus     *MessageBus
	handler Handler
	pending chan *a2a.Message
	done    chan struct{}

	closeOnce sync.Once
	delivered atomic.Int64
	errors    atomic.Int64
}

func newSubscription(b *MessageBus, addr a2a.Address, filter a2a.Filter, handler Handler, bufSize int) *Subscription {
	return &Subscription{
		ID:      uuid.New().String(),
		Addr:    addr,
		Filter:  filter,
		bus:     b,
		handler: handler,
		pending: make(chan *a2a.Message, bufSize),
		done:    make(chan struct{}),
	}
}

// accepts reports whether the subscription's filter matches the message. A
// nil filter accepts everything.
func (s *Subscription) accepts(msg *a2a.Message) bool {
	return s.Filter == nil || s.Filter(msg)
}

// enqueue hands a message to the delivery goroutine without blocking the
// sender. A full buffer is a backpressure signal surfaced to Send.
func (s *Subscription) enqueue(msg *a2a.Message) error {
	select {
	case <-s.done:
		return ErrBusClosed
	default:
	}
	select {
	case s.pending <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// deliverLoop drains the pending buffer, invoking the handler one message at
// a time until the subscription or the bus shuts down.
func (s *Subscription) deliverLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.pending:
			s.deliver(ctx, msg)
		}
	}
}

// deliver invokes the handler for one message, isolating errors and panics,
// and enqueues the auto-generated response or error for requests.
func (s *Subscription) deliver(ctx context.Context, msg *a2a.Message) {
	if msg.Expired(time.Now()) {
		msg.Status = a2a.StatusExpired
		s.bus.stats.expired.Add(1)
		return
	}

	payload, err := s.invoke(ctx, msg)
	if err != nil {
		s.errors.Add(1)
		s.bus.stats.handlerErrors.Add(1)
		if s.bus.metrics != nil {
			s.bus.metrics.BusHandlerErrors.Inc()
		}
		s.bus.logger.Error("Message handler error",
			zap.String("subscription_id", s.ID),
			zap.String("agent_id", s.Addr.AgentID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		if msg.Type == a2a.TypeRequest {
			s.reply(a2a.NewErrorMessage(msg, s.Addr, string(errs.Classify(err)), err.Error()))
		}
		return
	}

	msg.Status = a2a.StatusDelivered
	s.delivered.Add(1)
	s.bus.stats.delivered.Add(1)
	if s.bus.metrics != nil {
		s.bus.metrics.BusDelivered.Inc()
	}

	if msg.Type == a2a.TypeRequest && payload != nil {
		s.reply(a2a.NewResponse(msg, s.Addr, payload))
	}
}

// invoke runs the handler, converting panics into errors.
func (s *Subscription) invoke(ctx context.Context, msg *a2a.Message) (payload a2a.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.KindInternal, "bus.deliver", "handler panic: %v", r)
		}
	}()
	return s.handler(ctx, msg)
}

// reply routes an auto-generated response or error back through the bus.
// Failures are logged; the original delivery already succeeded or failed on
// its own terms.
func (s *Subscription) reply(msg *a2a.Message) {
	if err := s.bus.route(msg); err != nil {
		s.bus.logger.Warn("Reply routing failed",
			zap.String("message_id", msg.ID),
			zap.String("reply_to", msg.ReplyTo),
			zap.Error(err))
	}
}

// Unsubscribe removes the subscription from the bus and stops its delivery
// goroutine. Pending undelivered messages are dropped. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
	s.markClosed()
}

// markClosed stops the delivery goroutine without touching the routing
// tables; the bus uses it during Close after emptying the tables itself.
func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Delivered reports how many messages this subscription's handler processed
// successfully.
func (s *Subscription) Delivered() int64 {
	return s.delivered.Load()
}

// DeliveryErrors reports how many handler invocations failed or panicked.
func (s *Subscription) DeliveryErrors() int64 {
	return s.errors.Load()
}

// busStats aggregates delivery counters across the bus.
type busStats struct {
	sent          atomic.Int64
	delivered     atomic.Int64
	rejected      atomic.Int64
	expired       atomic.Int64
	undeliverable atomic.Int64
	handlerErrors atomic.Int64
}

// Stats is a snapshot of the bus delivery counters.
type Stats struct {
	Sent          int64
	Delivered     int64
	Rejected      int64
	Expired       int64
	Undeliverable int64
	HandlerErrors int64
}
