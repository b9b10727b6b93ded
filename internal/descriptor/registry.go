package descriptor

import (
	"fmt"
	"sync"

	"deploy-keeper/internal/models"

	"github.com/iancoleman/orderedmap"
)

// Listener receives descriptor change events. Implementations must be comparable, use pointer receivers.
type Listener interface {
	NotifyXpathEvent(ev Event)
}

// FuncListener adapts a function into a comparable Listener.
type FuncListener struct {
	fn func(Event)
}

func NewFuncListener(fn func(Event)) *FuncListener {
	return &FuncListener{fn: fn}
}

func (f *FuncListener) NotifyXpathEvent(ev Event) {
	f.fn(ev)
}

type subscription struct {
	pattern   Path
	listeners []Listener
}

/**
 * Registry of xpath pattern subscriptions for one descriptor tree
 * @description
 * - Subscribe and Unsubscribe are idempotent
 * - Dispatch runs synchronously on the caller goroutine over a snapshot of subscriptions
 * - A listener matched by several patterns receives each event once
 */
type Registry struct {
	mu   sync.RWMutex
	subs *orderedmap.OrderedMap
	hook func(Event)
}

func NewRegistry() *Registry {
	return &Registry{subs: orderedmap.New()}
}

// SetEventHook installs a callback invoked once per dispatched event, before listeners.
func (r *Registry) SetEventHook(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

/**
 * Subscribe a listener to an absolute pattern
 * @param {string} pattern - Absolute xpath pattern, "*" steps allowed
 * @param {Listener} l - Listener to notify
 * @returns {error} models.ErrInvalidXpath for invalid patterns, models.ErrInvalidArgument for nil listener
 */
func (r *Registry) Subscribe(pattern string, l Listener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", models.ErrInvalidArgument)
	}
	p, err := ParsePath(pattern)
	if err != nil {
		return err
	}
	if err := p.ValidatePattern(); err != nil {
		return err
	}
	key := p.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	var sub *subscription
	if v, ok := r.subs.Get(key); ok {
		sub = v.(*subscription)
	} else {
		sub = &subscription{pattern: p}
		r.subs.Set(key, sub)
	}
	for _, existing := range sub.listeners {
		if existing == l {
			return nil
		}
	}
	sub.listeners = append(sub.listeners, l)
	return nil
}

// Unsubscribe removes l from pattern, unknown pairs are ignored.
func (r *Registry) Unsubscribe(pattern string, l Listener) error {
	p, err := ParsePath(pattern)
	if err != nil {
		return err
	}
	key := p.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.subs.Get(key)
	if !ok {
		return nil
	}
	sub := v.(*subscription)
	for i, existing := range sub.listeners {
		if existing == l {
			sub.listeners = append(sub.listeners[:i:i], sub.listeners[i+1:]...)
			break
		}
	}
	if len(sub.listeners) == 0 {
		r.subs.Delete(key)
	}
	return nil
}

// Patterns returns subscribed patterns in subscription order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs.Keys()
}

func (r *Registry) listenersFor(b *Bean) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Listener
	seen := make(map[Listener]bool)
	for _, key := range r.subs.Keys() {
		v, _ := r.subs.Get(key)
		sub := v.(*subscription)
		if !sub.pattern.Matches(b) {
			continue
		}
		for _, l := range sub.listeners {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

/**
 * Deliver events to matching listeners
 * @param {[]Event} events - Events produced by Diff
 * @returns {int} Number of (listener, event) deliveries
 */
func (r *Registry) Dispatch(events []Event) int {
	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()

	delivered := 0
	for _, ev := range events {
		if hook != nil {
			hook(ev)
		}
		for _, l := range r.listenersFor(ev.Bean) {
			l.NotifyXpathEvent(ev)
			delivered++
		}
	}
	return delivered
}
