// Package store implements the daemon's keyed state store: a
// string-keyed map with per-key subscriber fan-out on change and deletion.
package store

import "sync"

// Subscriber is notified of a key's new and old value. old is nil on first
// set; new is nil on delete.
type Subscriber func(newValue, oldValue any)

// Store is a keyed map of string -> opaque value with per-key subscribers.
type Store struct {
	mu          sync.Mutex
	values      map[string]any
	subscribers map[string][]Subscriber
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		values:      make(map[string]any),
		subscribers: make(map[string][]Subscriber),
	}
}

// Get returns the current value for key and whether it is present.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores newValue under key and notifies key's subscribers with
// (newValue, oldValue).
func (s *Store) Set(key string, newValue any) {
	s.mu.Lock()
	oldValue, existed := s.values[key]
	if !existed {
		oldValue = nil
	}
	s.values[key] = newValue
	subs := copySubscribers(s.subscribers[key])
	s.mu.Unlock()

	notify(subs, newValue, oldValue)
}

// Delete removes key, notifying subscribers with (nil, oldValue). It is a
// no-op if key is not present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	oldValue, existed := s.values[key]
	if !existed {
		s.mu.Unlock()
		return
	}
	delete(s.values, key)
	subs := copySubscribers(s.subscribers[key])
	s.mu.Unlock()

	notify(subs, nil, oldValue)
}

// Update applies fn to the current value of key and stores the result,
// equivalent to Set(key, fn(Get(key))).
func (s *Store) Update(key string, fn func(current any) any) {
	current, _ := s.Get(key)
	s.Set(key, fn(current))
}

// Unsubscribe removes a previously registered subscriber.
type Unsubscribe func()

// Subscribe registers sub to be notified of changes to key.
func (s *Store) Subscribe(key string, sub Subscriber) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[key] = append(s.subscribers[key], sub)
	idx := len(s.subscribers[key]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[key]
		if idx < len(subs) {
			// Mark removed in place; copy-on-iterate tolerates nil slots.
			subs[idx] = nil
		}
	}
}

func copySubscribers(subs []Subscriber) []Subscriber {
	out := make([]Subscriber, len(subs))
	copy(out, subs)
	return out
}

func notify(subs []Subscriber, newValue, oldValue any) {
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		invoke(sub, newValue, oldValue)
	}
}

// invoke isolates a single subscriber's panic so it cannot affect the
// remaining subscribers in the fan-out.
func invoke(sub Subscriber, newValue, oldValue any) {
	defer func() { recover() }()
	sub(newValue, oldValue)
}
