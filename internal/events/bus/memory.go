package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/logger"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus is the in-process EventBus used when no NATS URL is
// configured. Handlers run on their own goroutines so a slow subscriber
// never stalls the tick loop publishing to it.
type MemoryEventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySubscription
	closed bool
	log    *logger.Logger
}

type memorySubscription struct {
	id      int
	bus     *MemoryEventBus
	match   func(subject string) bool
	handler EventHandler
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{subs: make(map[int]*memorySubscription), log: log}
}

// Subscribe registers a handler for a subject pattern. Patterns follow NATS
// semantics: "*" matches a single token, ">" matches the remainder.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:      b.nextID,
		bus:     b,
		match:   matcherFor(subject),
		handler: handler,
	}
	b.subs[sub.id] = sub
	b.nextID++

	b.log.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Publish fans the event out to every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs {
		if !sub.match(subject) {
			continue
		}
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.log.Error("event handler error",
					zap.String("subject", subject), zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Close drops all subscriptions; subsequent publishes fail with ErrClosed.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*memorySubscription)
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	_, ok := s.bus.subs[s.id]
	return ok
}

// matcherFor compiles a subject pattern into a predicate. Literal subjects
// compare directly; wildcard patterns go through a regexp.
func matcherFor(pattern string) func(string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return func(subject string) bool { return subject == pattern }
	}
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `[^.]+`)
	quoted = strings.ReplaceAll(quoted, `>`, `.+`)
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return func(string) bool { return false }
	}
	return re.MatchString
}
