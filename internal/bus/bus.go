// Package bus implements the agent-to-agent message bus: filtered
// subscriptions, the delivery pipeline, request/response correlation, and
// the cancellation-safe request helper.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/pkg/a2a"
)

var (
	// ErrBusClosed is returned for operations on a closed bus.
	ErrBusClosed = errors.New("message bus is closed")
	// ErrQueueFull is returned when a subscription's pending buffer is at
	// maxQueueSize.
	ErrQueueFull = errors.New("subscription queue is full")
)

// Config tunes the message bus.
type Config struct {
	// MaxQueueSize caps each subscription's pending delivery buffer.
	MaxQueueSize int
	// DefaultTimeout bounds SendAndWait when the caller passes no timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:   1000,
		DefaultTimeout: 30 * time.Second,
	}
}

// DeliveryOptions override message fields at send time.
type DeliveryOptions struct {
	Priority   a2a.Priority
	MaxRetries int
	ExpiresAt  *time.Time
}

// MessageBus routes typed messages between agent subscriptions. Within one
// subscription messages are handled in send order; across subscriptions no
// order is guaranteed.
type MessageBus struct {
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	byID   map[string]*Subscription   // subscription id -> subscription
	agents map[string][]*Subscription // agent id -> subscriptions
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats busStats
}

// New creates a message bus. Metrics may be nil.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *MessageBus {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageBus{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "a2a_bus")),
		metrics: m,
		byID:    make(map[string]*Subscription),
		agents:  make(map[string][]*Subscription),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers a handler for messages addressed to the given agent.
// The filter, when non-nil, must accept a message for it to be delivered.
func (b *MessageBus) Subscribe(addr a2a.Address, filter a2a.Filter, handler Handler) (*Subscription, error) {
	if addr.AgentID == "" {
		return nil, errs.E(errs.KindValidation, "bus.subscribe", "agent id is required")
	}
	if handler == nil {
		return nil, errs.E(errs.KindValidation, "bus.subscribe", "handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(b, addr, filter, handler, b.cfg.MaxQueueSize)
	b.byID[sub.ID] = sub
	b.agents[addr.AgentID] = append(b.agents[addr.AgentID], sub)

	b.wg.Add(1)
	go sub.deliverLoop(b.ctx, &b.wg)

	b.logger.Debug("Subscription added",
		zap.String("subscription_id", sub.ID),
		zap.String("agent_id", addr.AgentID))
	return sub, nil
}

// unsubscribe removes a subscription from the routing tables.
func (b *MessageBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.byID, sub.ID)
	subs := b.agents[sub.Addr.AgentID]
	for i, s := range subs {
		if s == sub {
			b.agents[sub.Addr.AgentID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.agents[sub.Addr.AgentID]) == 0 {
		delete(b.agents, sub.Addr.AgentID)
	}
}

// Send validates and routes a message to every matching subscription of each
// recipient. For broadcasts the recipient set is every subscribed agent.
func (b *MessageBus) Send(ctx context.Context, msg *a2a.Message, opts *DeliveryOptions) error {
	if msg == nil {
		return errs.E(errs.KindValidation, "bus.send", "message is nil")
	}

	// Apply delivery options before validation so overrides are checked too.
	if opts != nil {
		if opts.Priority != "" {
			msg.Priority = opts.Priority
		}
		if opts.MaxRetries > 0 {
			msg.MaxRetries = opts.MaxRetries
		}
		if opts.ExpiresAt != nil {
			msg.ExpiresAt = opts.ExpiresAt
		}
	}

	if err := msg.Validate(); err != nil {
		b.stats.rejected.Add(1)
		if b.metrics != nil {
			b.metrics.BusRejected.Inc()
		}
		return errs.Wrap(errs.KindValidation, "bus.send", err)
	}
	if msg.Expired(time.Now()) {
		msg.Status = a2a.StatusExpired
		b.stats.expired.Add(1)
		return errs.E(errs.KindPrecondition, "bus.send", "message %s expired before send", msg.ID)
	}

	return b.route(msg)
}

// Broadcast sends a message to every active subscription.
func (b *MessageBus) Broadcast(ctx context.Context, msg *a2a.Message) error {
	if msg != nil {
		msg.Type = a2a.TypeBroadcast
		msg.To = nil
	}
	return b.Send(ctx, msg, nil)
}

// route fans a validated message out to its recipients' subscriptions.
func (b *MessageBus) route(msg *a2a.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}

	var targets []*Subscription
	if msg.Type == a2a.TypeBroadcast || msg.Type == a2a.TypeHeartbeat {
		for _, subs := range b.agents {
			targets = append(targets, subs...)
		}
	} else {
		for _, to := range msg.To {
			targets = append(targets, b.agents[to.AgentID]...)
		}
	}
	b.mu.RUnlock()

	matched := 0
	var full int
	for _, sub := range targets {
		if !sub.accepts(msg) {
			continue
		}
		matched++
		if err := sub.enqueue(msg); err != nil {
			full++
			b.logger.Warn("Delivery buffer full",
				zap.String("subscription_id", sub.ID),
				zap.String("agent_id", sub.Addr.AgentID),
				zap.String("message_id", msg.ID))
		}
	}

	if matched == 0 {
		msg.Status = a2a.StatusFailed
		b.stats.undeliverable.Add(1)
		return errs.E(errs.KindNotFound, "bus.send",
			"no active subscription accepts message %s", msg.ID)
	}
	if full == matched {
		msg.Status = a2a.StatusFailed
		b.stats.rejected.Add(1)
		if b.metrics != nil {
			b.metrics.BusRejected.Inc()
		}
		return errs.Wrap(errs.KindRateLimited, "bus.send", ErrQueueFull)
	}

	msg.Status = a2a.StatusSent
	b.stats.sent.Add(1)
	if b.metrics != nil {
		b.metrics.BusSent.Inc()
	}
	return nil
}

// SendAndWait issues a request and blocks until the correlated response or
// error message arrives, the timeout elapses, or the context is cancelled.
// The temporary reply subscription is released on every path.
func (b *MessageBus) SendAndWait(ctx context.Context, from, to a2a.Address, payload a2a.Payload, timeout time.Duration) (*a2a.Message, error) {
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	req := a2a.NewRequest(from, to, payload)
	replyCh := make(chan *a2a.Message, 1)

	replySub, err := b.Subscribe(from,
		a2a.And(a2a.ByType(a2a.TypeResponse, a2a.TypeError), a2a.ReplyTo(req.ID)),
		func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
			select {
			case replyCh <- msg:
			default:
			}
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	defer replySub.Unsubscribe()

	if err := b.Send(ctx, req, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		if resp.Type == a2a.TypeError {
			if ep, ok := resp.Payload.(*a2a.ErrorPayload); ok {
				return resp, errs.E(errs.Kind(ep.Code), "bus.sendAndWait", "%s", ep.Message)
			}
			return resp, errs.E(errs.KindInternal, "bus.sendAndWait", "request %s failed", req.ID)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindPrecondition, "bus.sendAndWait", ctx.Err())
	case <-timer.C:
		return nil, errs.E(errs.KindTimeout, "bus.sendAndWait",
			"no response to %s within %v", req.ID, timeout)
	}
}

// Stats reports delivery counters.
func (b *MessageBus) Stats() Stats {
	return Stats{
		Sent:          b.stats.sent.Load(),
		Delivered:     b.stats.delivered.Load(),
		Rejected:      b.stats.rejected.Load(),
		Expired:       b.stats.expired.Load(),
		Undeliverable: b.stats.undeliverable.Load(),
		HandlerErrors: b.stats.handlerErrors.Load(),
	}
}

// SubscriptionCount reports the number of active subscriptions.
func (b *MessageBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Close stops delivery and releases all subscriptions.
func (b *MessageBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.byID))
	for _, sub := range b.byID {
		subs = append(subs, sub)
	}
	b.byID = make(map[string]*Subscription)
	b.agents = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("Message bus closed")
}
