// Package hook provides the action/filter event bus shared by the host and
// its plugins.
//
// Actions are fire-and-forget notifications; filters thread a value through
// every subscriber and return the result. Both kinds share the same
// subscription model: subscribers run in ascending priority (ties in
// registration order), receive a bounded number of arguments and may be
// registered as one-shot. A channel name ending in "*" subscribes to every
// channel sharing its prefix.
//
// A failing subscriber (returned error or panic) is counted and logged but
// never stops the rest of the dispatch chain.
package hook

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Wildcard is the channel suffix that turns a subscription into a prefix match.
const Wildcard = "*"

// DefaultPriority is used when no priority option is supplied.
const DefaultPriority = 10

// ActionFunc handles a published action. Its return value is only inspected
// for errors.
type ActionFunc func(args ...any) error

// FilterFunc transforms the first argument (the current value) and returns
// the next value.
type FilterFunc func(args ...any) (any, error)

// ID identifies a subscription for later removal.
type ID uint64

type kind int

const (
	kindAction kind = iota
	kindFilter
)

func (k kind) String() string {
	if k == kindFilter {
		return "filter"
	}
	return "action"
}

type subscription struct {
	id       ID
	seq      uint64
	channel  string
	priority int
	arity    int
	once     bool
	owner    string
	action   ActionFunc
	filter   FilterFunc
}

// Bus is an in-process hook registry. The zero value is not usable; create
// one with New.
type Bus struct {
	mu      sync.RWMutex
	actions map[string][]*subscription
	filters map[string][]*subscription

	nextID atomic.Uint64

	ctxMu  sync.Mutex
	owners []string
	stack  []string

	stats  *statsCollector
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report subscriber failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		actions: make(map[string][]*subscription),
		filters: make(map[string][]*subscription),
		stats:   newStatsCollector(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscription)

// WithPriority sets the subscription priority. Lower runs first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) { s.priority = priority }
}

// WithArity limits how many published arguments the callback receives.
func WithArity(arity int) SubscribeOption {
	return func(s *subscription) {
		if arity < 0 {
			arity = 0
		}
		s.arity = arity
	}
}

// Once removes the subscription after its first invocation.
func Once() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// AddAction subscribes fn to an action channel.
func (b *Bus) AddAction(channel string, fn ActionFunc, opts ...SubscribeOption) ID {
	sub := b.newSubscription(channel, opts)
	sub.action = fn
	b.insert(kindAction, sub)
	return sub.id
}

// AddFilter subscribes fn to a filter channel.
func (b *Bus) AddFilter(channel string, fn FilterFunc, opts ...SubscribeOption) ID {
	sub := b.newSubscription(channel, opts)
	sub.filter = fn
	b.insert(kindFilter, sub)
	return sub.id
}

func (b *Bus) newSubscription(channel string, opts []SubscribeOption) *subscription {
	id := b.nextID.Add(1)
	sub := &subscription{
		id:       ID(id),
		seq:      id,
		channel:  channel,
		priority: DefaultPriority,
		arity:    1,
		owner:    b.currentOwner(),
	}
	for _, opt := range opts {
		opt(sub)
	}
	return sub
}

func (b *Bus) insert(k kind, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buckets := b.buckets(k)
	buckets[sub.channel] = append(buckets[sub.channel], sub)
}

func (b *Bus) buckets(k kind) map[string][]*subscription {
	if k == kindFilter {
		return b.filters
	}
	return b.actions
}

// RemoveAction removes one action subscription. It reports whether the
// subscription existed.
func (b *Bus) RemoveAction(channel string, id ID) bool {
	return b.remove(kindAction, channel, id)
}

// RemoveFilter removes one filter subscription.
func (b *Bus) RemoveFilter(channel string, id ID) bool {
	return b.remove(kindFilter, channel, id)
}

func (b *Bus) remove(k kind, channel string, id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	buckets := b.buckets(k)
	subs := buckets[channel]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		rest := make([]*subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(buckets, channel)
		} else {
			buckets[channel] = rest
		}
		return true
	}
	return false
}

// RemoveAllActions drops every action subscription registered on channel.
func (b *Bus) RemoveAllActions(channel string) {
	b.mu.Lock()
	delete(b.actions, channel)
	b.mu.Unlock()
}

// RemoveAllFilters drops every filter subscription registered on channel.
func (b *Bus) RemoveAllFilters(channel string) {
	b.mu.Lock()
	delete(b.filters, channel)
	b.mu.Unlock()
}

// RemoveAll drops every subscription of both kinds registered on channel.
func (b *Bus) RemoveAll(channel string) {
	b.mu.Lock()
	delete(b.actions, channel)
	delete(b.filters, channel)
	b.mu.Unlock()
}

// RemoveOwner drops every subscription made inside a registration context for
// owner and returns how many were removed.
func (b *Bus) RemoveOwner(owner string) int {
	if owner == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for _, buckets := range []map[string][]*subscription{b.actions, b.filters} {
		for channel, subs := range buckets {
			kept := subs[:0:0]
			for _, sub := range subs {
				if sub.owner == owner {
					removed++
					continue
				}
				kept = append(kept, sub)
			}
			if len(kept) == 0 {
				delete(buckets, channel)
			} else {
				buckets[channel] = kept
			}
		}
	}
	return removed
}

// HasAction reports whether a direct or wildcard action subscriber would
// receive channel.
func (b *Bus) HasAction(channel string) bool {
	return len(b.matching(kindAction, channel)) > 0
}

// HasFilter reports whether a filter subscriber would receive channel.
func (b *Bus) HasFilter(channel string) bool {
	return len(b.matching(kindFilter, channel)) > 0
}

// matching collects the direct bucket plus every wildcard bucket whose
// prefix matches channel, sorted by priority then registration order. The
// returned slice is a snapshot and safe to iterate without the lock.
func (b *Bus) matching(k kind, channel string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buckets := b.buckets(k)
	var subs []*subscription
	subs = append(subs, buckets[channel]...)
	for key, bucket := range buckets {
		if key == channel || !strings.HasSuffix(key, Wildcard) {
			continue
		}
		if strings.HasPrefix(channel, strings.TrimSuffix(key, Wildcard)) {
			subs = append(subs, bucket...)
		}
	}
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	return subs
}

// DoAction publishes an action. Every matching subscriber runs even if an
// earlier one fails.
func (b *Bus) DoAction(channel string, args ...any) {
	subs := b.matching(kindAction, channel)
	if len(subs) == 0 {
		b.stats.unmatched()
		return
	}
	b.stats.dispatched(channel)
	b.push(channel)
	defer b.pop()
	for _, sub := range subs {
		if sub.once && !b.remove(kindAction, sub.channel, sub.id) {
			// already consumed by a re-entrant dispatch
			continue
		}
		b.stats.invoked(channel)
		if err := b.invokeAction(sub, truncate(args, sub.arity)); err != nil {
			b.fail(kindAction, channel, sub, err)
		}
	}
}

// ApplyFilters threads value through every matching filter and returns the
// final value. A failing filter leaves the value unchanged.
func (b *Bus) ApplyFilters(channel string, value any, extra ...any) any {
	subs := b.matching(kindFilter, channel)
	if len(subs) == 0 {
		b.stats.unmatched()
		return value
	}
	b.stats.dispatched(channel)
	b.push(channel)
	defer b.pop()
	for _, sub := range subs {
		if sub.once && !b.remove(kindFilter, sub.channel, sub.id) {
			continue
		}
		b.stats.invoked(channel)
		args := make([]any, 0, len(extra)+1)
		args = append(args, value)
		args = append(args, extra...)
		next, err := b.invokeFilter(sub, truncate(args, sub.arity))
		if err != nil {
			b.fail(kindFilter, channel, sub, err)
			continue
		}
		value = next
	}
	return value
}

func (b *Bus) invokeAction(sub *subscription, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if sub.action == nil {
		return nil
	}
	return sub.action(args...)
}

func (b *Bus) invokeFilter(sub *subscription, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if sub.filter == nil {
		if len(args) > 0 {
			return args[0], nil
		}
		return nil, nil
	}
	return sub.filter(args...)
}

func (b *Bus) fail(k kind, channel string, sub *subscription, err error) {
	b.stats.failed(channel, sub.owner)
	b.logger.Warn("hook subscriber failed",
		"kind", k.String(),
		"channel", channel,
		"subscription", sub.channel,
		"priority", sub.priority,
		"owner", sub.owner,
		"error", err,
	)
}

func truncate(args []any, arity int) []any {
	if arity <= 0 {
		return nil
	}
	if arity >= len(args) {
		return args
	}
	return args[:arity]
}

// CurrentChannel returns the innermost channel being dispatched.
func (b *Bus) CurrentChannel() (string, bool) {
	b.ctxMu.Lock()
	defer b.ctxMu.Unlock()
	if len(b.stack) == 0 {
		return "", false
	}
	return b.stack[len(b.stack)-1], true
}

func (b *Bus) push(channel string) {
	b.ctxMu.Lock()
	b.stack = append(b.stack, channel)
	b.ctxMu.Unlock()
}

func (b *Bus) pop() {
	b.ctxMu.Lock()
	if n := len(b.stack); n > 0 {
		b.stack = b.stack[:n-1]
	}
	b.ctxMu.Unlock()
}

// BeginRegistration attributes every subscription made until the returned
// function is called to owner. Contexts nest; the innermost owner wins.
func (b *Bus) BeginRegistration(owner string) (end func()) {
	b.ctxMu.Lock()
	b.owners = append(b.owners, owner)
	depth := len(b.owners)
	b.ctxMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.ctxMu.Lock()
			defer b.ctxMu.Unlock()
			if len(b.owners) >= depth {
				b.owners = b.owners[:depth-1]
			}
		})
	}
}

// RegisteringOwner returns the owner of the open registration context.
func (b *Bus) RegisteringOwner() (string, bool) {
	owner := b.currentOwner()
	return owner, owner != ""
}

func (b *Bus) currentOwner() string {
	b.ctxMu.Lock()
	defer b.ctxMu.Unlock()
	if len(b.owners) == 0 {
		return ""
	}
	return b.owners[len(b.owners)-1]
}
