// Package eventbus implements the daemon's in-process publish/subscribe
// bus: exact-match and wildcard subscriptions, one-shot subscriptions, and
// synchronous/awaiting emit variants. Delivery is single-threaded and
// ordered by registration, matching the spec's observability guarantees.
package eventbus

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Handler receives event data. Handlers that return an error are logged
// and skipped without affecting other handlers.
type Handler func(ctx context.Context, event string, data any) error

// Bus is a single-threaded-delivery publish/subscribe event bus.
type Bus struct {
	mu       sync.Mutex
	exact    map[string][]*subscription
	wildcard []*wildcardSub
	nextID   uint64
	log      *slog.Logger
}

type subscription struct {
	id      uint64
	handler Handler
	once    bool
	async   bool
}

type wildcardSub struct {
	subscription
	pattern *regexp.Regexp
}

// Unsubscribe removes a previously registered subscription.
type Unsubscribe func()

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		exact: make(map[string][]*subscription),
		log:   log.With("component", "eventbus"),
	}
}

// Subscribe registers handler for event, which may be a literal string or a
// wildcard pattern containing '*' (interpreted as `.*`, anchored at both
// ends). Returns a function that removes the subscription.
func (b *Bus) Subscribe(pattern string, handler Handler) Unsubscribe {
	return b.subscribe(pattern, handler, false, false)
}

// SubscribeOnce registers handler to fire at most once, then is
// automatically removed.
func (b *Bus) SubscribeOnce(pattern string, handler Handler) Unsubscribe {
	return b.subscribe(pattern, handler, true, false)
}

// SubscribeAsync registers a handler that Publish invokes in its own
// goroutine without waiting for it — PublishAndWait still waits for it to
// settle.
func (b *Bus) SubscribeAsync(pattern string, handler Handler) Unsubscribe {
	return b.subscribe(pattern, handler, false, true)
}

func (b *Bus) subscribe(pattern string, handler Handler, once, async bool) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, handler: handler, once: once, async: async}

	if strings.Contains(pattern, "*") {
		escaped := regexp.QuoteMeta(pattern)
		escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
		re := regexp.MustCompile("^" + escaped + "$")
		ws := &wildcardSub{subscription: *sub, pattern: re}
		b.wildcard = append(b.wildcard, ws)
		return func() { b.removeWildcard(id) }
	}

	b.exact[pattern] = append(b.exact[pattern], sub)
	return func() { b.removeExact(pattern, id) }
}

func (b *Bus) removeExact(pattern string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.exact[pattern]
	for i, s := range subs {
		if s.id == id {
			b.exact[pattern] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeWildcard(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.wildcard {
		if s.id == id {
			b.wildcard = append(b.wildcard[:i:i], b.wildcard[i+1:]...)
			return
		}
	}
}

// matchers returns a copy of the subscribers that should fire for event, in
// dispatch order: exact matches first, then once-subscribers (already
// included among exact/wildcard), then wildcard matches. The slices are
// copied so in-dispatch unsubscription never mutates a list we're
// iterating.
func (b *Bus) matchers(event string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*subscription
	out = append(out, b.exact[event]...)
	for _, ws := range b.wildcard {
		if ws.pattern.MatchString(event) {
			s := ws.subscription
			out = append(out, &s)
		}
	}
	return out
}

func (b *Bus) clearOnce(event string, fired []*subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	firedIDs := make(map[uint64]bool, len(fired))
	for _, s := range fired {
		if s.once {
			firedIDs[s.id] = true
		}
	}
	if len(firedIDs) == 0 {
		return
	}
	if subs, ok := b.exact[event]; ok {
		kept := subs[:0:0]
		for _, s := range subs {
			if !firedIDs[s.id] {
				kept = append(kept, s)
			}
		}
		b.exact[event] = kept
	}
	kept := b.wildcard[:0:0]
	for _, ws := range b.wildcard {
		if !firedIDs[ws.id] {
			kept = append(kept, ws)
		}
	}
	b.wildcard = kept
}

func (b *Bus) invoke(ctx context.Context, event string, data any, s *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	if err := s.handler(ctx, event, data); err != nil {
		b.log.Warn("event handler failed", "event", event, "error", err)
	}
}

// Publish fans out to matching subscribers in registration order. Async
// subscribers are started in their own goroutine and not waited on; Publish
// returns once every synchronous handler has run.
func (b *Bus) Publish(event string, data any) {
	matched := b.matchers(event)
	for _, s := range matched {
		if s.async {
			go b.invoke(context.Background(), event, data, s)
			continue
		}
		b.invoke(context.Background(), event, data, s)
	}
	b.clearOnce(event, matched)
}

// PublishAndWait fans out like Publish but returns only after every
// handler — synchronous and async — has settled.
func (b *Bus) PublishAndWait(ctx context.Context, event string, data any) {
	matched := b.matchers(event)
	var wg sync.WaitGroup
	for _, s := range matched {
		if s.async {
			wg.Add(1)
			go func(s *subscription) {
				defer wg.Done()
				b.invoke(ctx, event, data, s)
			}(s)
			continue
		}
		b.invoke(ctx, event, data, s)
	}
	wg.Wait()
	b.clearOnce(event, matched)
}
