package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/logger"
)

// DefaultQueueSize is the per-subscription backlog before events are dropped.
const DefaultQueueSize = 1024

// MemoryEventBus implements EventBus in process. Every subscription owns an
// ordered queue drained by its own goroutine, so a slow handler delays only
// itself.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	queueSize     int
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
	active  atomic.Bool
}

type delivery struct {
	subject string
	event   *Event
}

// MemoryOption configures a MemoryEventBus.
type MemoryOption func(*MemoryEventBus)

// WithQueueSize sets the per-subscription backlog.
func WithQueueSize(n int) MemoryOption {
	return func(b *MemoryEventBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger, opts ...MemoryOption) *MemoryEventBus {
	b := &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
		queueSize:     DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues the event on every matching subscription.
func (b *MemoryEventBus) Publish(_ context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.active.Load() || !matches(subject, pattern, sub.pattern) {
				continue
			}
			select {
			case sub.queue <- delivery{subject: subject, event: event}:
			default:
				b.logger.Warn("subscriber queue full, dropping event",
					zap.String("subject", subject),
					zap.String("subscription", sub.subject),
					zap.String("event_type", event.Type))
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
		done:    make(chan struct{}),
	}
	sub.active.Store(true)
	go sub.run()

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case d := <-s.queue:
			if !s.active.Load() {
				continue
			}
			if err := s.handler(context.Background(), d.event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", d.subject),
					zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

func (s *memorySubscription) stop() {
	s.active.Store(false)
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subscriptions[s.subject]) == 0 {
		delete(s.bus.subscriptions, s.subject)
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until Close.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks a subject against a NATS-style pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts NATS-style wildcards to a regex: * is one token,
// > is one or more trailing tokens.
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
