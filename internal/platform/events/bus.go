package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type subscription struct {
	id      uint64
	pattern string
	ch      chan Event
}

// Bus fans events out to in-process subscribers. A subscriber that does not
// keep up loses events rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe returns a channel receiving events whose type matches pattern
// ("anchor.confirmed", "anchor.*", "*.transitioned" or "*"), and a cancel
// function that closes it.
func (b *Bus) Subscribe(pattern string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	b.nextID++
	s := &subscription{id: b.nextID, pattern: pattern, ch: make(chan Event, buffer)}
	b.subs[s.id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !Matches(s.pattern, e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Warn().
				Str("event_type", e.Type).
				Str("pattern", s.pattern).
				Msg("subscriber full, event dropped")
		}
	}
	return nil
}

// Matches reports whether an event type matches a subscription pattern.
func Matches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}
