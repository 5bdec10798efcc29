package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/logger"
)

// MemoryEventBus dispatches events in-process. Handlers run synchronously
// with respect to Publish, so a subscriber observes events for one subject
// in publish order; the gateway's stream bridge depends on that.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	groups map[string]*queueGroup
	closed bool
	logger *logger.Logger
}

// memorySubscription is one handler bound to a subject pattern. tokens is
// the pattern pre-split on ".", so matching at publish time is a token walk
// with no allocation beyond splitting the subject.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

// queueGroup tracks round-robin position for one (queue, subject) pair.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*queueGroup),
		logger: log,
	}
}

// Subscribe binds handler to a subject pattern. Patterns use NATS wildcard
// rules: "*" matches one token, a trailing ">" matches one or more.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, "", handler)
}

// QueueSubscribe binds handler into a queue group: each published event is
// delivered to exactly one member, round-robin.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, queue, handler)
}

func (b *MemoryEventBus) addSubscription(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := groupKey(queue, subject)
		g, ok := b.groups[key]
		if !ok {
			g = &queueGroup{}
			b.groups[key] = g
		}
		g.mu.Lock()
		g.members = append(g.members, sub)
		g.mu.Unlock()
	}

	b.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Publish delivers event to every matching subscription. Queue groups
// receive it once. Handler errors and panics are logged, never returned.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	subjectTokens := strings.Split(subject, ".")

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	var direct []*memorySubscription
	var groupKeys []string
	seenGroups := make(map[string]struct{})
	for _, sub := range b.subs {
		if !sub.IsValid() || !matchTokens(sub.tokens, subjectTokens) {
			continue
		}
		if sub.queue != "" {
			key := groupKey(sub.queue, sub.subject)
			if _, dup := seenGroups[key]; !dup {
				seenGroups[key] = struct{}{}
				groupKeys = append(groupKeys, key)
			}
			continue
		}
		direct = append(direct, sub)
	}
	b.mu.RUnlock()

	for _, sub := range direct {
		b.invoke(ctx, sub, subject, event)
	}
	for _, key := range groupKeys {
		if sub := b.pickGroupMember(key); sub != nil {
			b.invoke(ctx, sub, subject, event)
		}
	}

	b.logger.Debug("published",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID))
	return nil
}

// pickGroupMember advances the round-robin cursor past inactive members.
func (b *MemoryEventBus) pickGroupMember(key string) *memorySubscription {
	b.mu.RLock()
	g, ok := b.groups[key]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		if g.members[idx].IsValid() {
			g.next = (idx + 1) % len(g.members)
			return g.members[idx]
		}
	}
	return nil
}

func (b *MemoryEventBus) invoke(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("subject", subject),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Request publishes event and waits for a reply on a per-request inbox
// subject, which responders read from the "_reply" data key.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := "_INBOX." + event.ID
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(ctx context.Context, e *Event) error {
		select {
		case replies <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data["_reply"] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRequestTimeout
	}
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.groups = make(map[string]*queueGroup)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe deactivates the subscription and unlinks it from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if g, ok := s.bus.groups[groupKey(s.queue, s.subject)]; ok {
			g.mu.Lock()
			for i, m := range g.members {
				if m == s {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
			g.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func groupKey(queue, subject string) string {
	return queue + " " + subject
}

// matchTokens walks pattern tokens against subject tokens. "*" consumes
// exactly one token; ">" must be last and consumes the non-empty rest.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
