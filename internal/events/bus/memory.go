package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
)

// memoryDeliveryBuffer bounds each subscription's pending events. A full
// buffer blocks the publisher rather than dropping or reordering.
const memoryDeliveryBuffer = 256

// MemoryEventBus implements EventBus using in-process channels. Each
// subscription owns a single consumer goroutine so delivery preserves
// publish order.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	ch      chan deliveredEvent
	done    chan struct{}
	active  bool
	mu      sync.Mutex
}

type deliveredEvent struct {
	subject string
	event   *Event
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Publish sends an event to all matching subscriptions.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := make([]*memorySubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.IsValid() && matches(subject, sub.subject, sub.pattern) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- deliveredEvent{subject: subject, event: event}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		ch:      make(chan deliveredEvent, memoryDeliveryBuffer),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)

	go sub.run()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// run consumes the subscription's channel serially.
func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.ch:
			if err := s.handler(context.Background(), d.subject, d.event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", d.subject),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.done)
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close closes the event bus and all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.active {
			sub.active = false
			close(sub.done)
		}
		sub.mu.Unlock()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern, supporting NATS-style
// wildcards: * (single token) and > (remaining tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex. Returns nil for
// literal subjects.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
