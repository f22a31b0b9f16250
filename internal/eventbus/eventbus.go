// Package eventbus implements the per-thread ordered event stream backing
// the SSE endpoint. Each thread gets its own cursor-addressed ring buffer:
// publishers append events under a monotonically increasing cursor,
// subscribers can either join live or replay from a prior cursor (e.g. via
// the SSE Last-Event-ID header) as long as the requested cursor still falls
// inside the buffer's retention window.
//
// This is distinct from the teacher's internal/postgres PgEventBus, which is
// a fire-and-forget Postgres LISTEN/NOTIFY relay with no replay semantics —
// that bus is kept for cross-replica schema-channel change notification
// and this package does not depend on Postgres at all.
package eventbus

import (
	"container/ring"
	"context"
	"sync"
	"time"
)

// Defaults per spec 4.2.
const (
	DefaultBufferSize   = 500
	DefaultBufferTTL    = 300 * time.Second
	DefaultSubscriberCap = 256
	DefaultHeartbeat    = 15 * time.Second
)

// Event is one item appended to a thread's stream.
type Event struct {
	Cursor    uint64
	Type      string
	Payload   interface{}
	CreatedAt time.Time
}

// ErrCannotReplay is returned by Subscribe when the requested since-cursor
// has already fallen out of the buffer's retention window. Callers should
// surface this as an HTTP 204 per spec 4.2.
var ErrCannotReplay = cannotReplayError{}

type cannotReplayError struct{}

func (cannotReplayError) Error() string { return "eventbus: cursor too old to replay" }

// Options configures a Bus.
type Options struct {
	BufferSize   int
	BufferTTL    time.Duration
	SubscriberCap int
	Heartbeat    time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.BufferTTL <= 0 {
		o.BufferTTL = DefaultBufferTTL
	}
	if o.SubscriberCap <= 0 {
		o.SubscriberCap = DefaultSubscriberCap
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return o
}

// Bus multiplexes events across many independent per-key streams (keyed by
// thread ID, as a string to keep this package domain-agnostic).
type Bus struct {
	opts Options

	mu      sync.Mutex
	streams map[string]*stream
}

// New constructs a Bus with the given options (zero value uses defaults).
func New(opts Options) *Bus {
	return &Bus{
		opts:    opts.withDefaults(),
		streams: make(map[string]*stream),
	}
}

type stream struct {
	mu          sync.Mutex
	nextCursor  uint64
	buf         *ring.Ring // of *bufEntry
	bufLen      int
	subscribers map[*subscriber]struct{}
}

type bufEntry struct {
	event Event
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (b *Bus) getOrCreateStream(key string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[key]
	if !ok {
		st = &stream{
			buf:         ring.New(b.opts.BufferSize),
			subscribers: make(map[*subscriber]struct{}),
		}
		b.streams[key] = st
	}
	return st
}

// Publish appends an event to key's stream, assigning it the next cursor,
// evicts buffered entries older than the TTL, and fans the event out to all
// live subscribers (a subscriber whose channel is full loses its oldest
// pending event rather than blocking the publisher).
func (b *Bus) Publish(key, eventType string, payload interface{}) Event {
	st := b.getOrCreateStream(key)

	st.mu.Lock()
	st.nextCursor++
	ev := Event{Cursor: st.nextCursor, Type: eventType, Payload: payload, CreatedAt: time.Now()}
	st.buf.Value = &bufEntry{event: ev}
	st.buf = st.buf.Next()
	if st.bufLen < b.opts.BufferSize {
		st.bufLen++
	}
	// Evict buffered entries older than the TTL, oldest first.
	cutoff := ev.CreatedAt.Add(-b.opts.BufferTTL)
	oldest := st.buf
	for i := 0; i < st.bufLen; i++ {
		oldest = oldest.Prev()
	}
	for st.bufLen > 0 {
		entry, ok := oldest.Value.(*bufEntry)
		if !ok || entry.event.CreatedAt.After(cutoff) {
			break
		}
		st.bufLen--
		oldest = oldest.Next()
	}
	subs := make([]*subscriber, 0, len(st.subscribers))
	for s := range st.subscribers {
		subs = append(subs, s)
	}
	st.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			// slow subscriber: drop its oldest pending event to make room
			// rather than block the publisher
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
	return ev
}

// Subscription is returned by Subscribe. Events delivers live (and replayed,
// if requested) events in order. Cancel must be called when the caller is
// done to release the subscriber slot.
type Subscription struct {
	Events <-chan Event
	Cancel func()
}

// Subscribe joins key's stream. If sinceCursor > 0, buffered events with a
// cursor greater than sinceCursor are replayed first, in order, before live
// events begin flowing. If sinceCursor refers to a cursor old enough to have
// already been evicted from the buffer, ErrCannotReplay is returned.
func (b *Bus) Subscribe(ctx context.Context, key string, sinceCursor uint64) (*Subscription, error) {
	st := b.getOrCreateStream(key)

	st.mu.Lock()
	var replay []Event
	oldestAvailable := oldestCursor(st)
	if sinceCursor > 0 {
		if oldestAvailable > 0 && sinceCursor < oldestAvailable-1 {
			st.mu.Unlock()
			return nil, ErrCannotReplay
		}
		replay = bufferedSince(st, sinceCursor)
	}

	sub := &subscriber{
		ch:   make(chan Event, b.opts.SubscriberCap),
		done: make(chan struct{}),
	}
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()

	// Deliver replay events into the subscriber's own buffered channel
	// before returning, so ordering relative to subsequently-published
	// live events is preserved (the subscriber was already registered
	// above, so nothing published after registration is lost).
	for _, ev := range replay {
		select {
		case sub.ch <- ev:
		default:
		}
	}

	cancel := func() {
		st.mu.Lock()
		delete(st.subscribers, sub)
		st.mu.Unlock()
		sub.close()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return &Subscription{Events: sub.ch, Cancel: cancel}, nil
}

// oldestCursor returns the cursor of the oldest event still held in the
// buffer, or 0 if the buffer is empty.
func oldestCursor(st *stream) uint64 {
	if st.bufLen == 0 {
		return 0
	}
	// st.buf currently points at the next write slot; the oldest live
	// entry is bufLen steps back from there when the buffer has wrapped,
	// or the very first slot if it hasn't.
	start := st.buf
	for i := 0; i < st.bufLen; i++ {
		start = start.Prev()
	}
	if entry, ok := start.Value.(*bufEntry); ok {
		return entry.event.Cursor
	}
	return 0
}

// bufferedSince returns buffered events with Cursor > since, in order.
func bufferedSince(st *stream, since uint64) []Event {
	out := make([]Event, 0, st.bufLen)
	start := st.buf
	for i := 0; i < st.bufLen; i++ {
		start = start.Prev()
	}
	for i := 0; i < st.bufLen; i++ {
		if entry, ok := start.Value.(*bufEntry); ok && entry.event.Cursor > since {
			out = append(out, entry.event)
		}
		start = start.Next()
	}
	return out
}

// PruneExpired drops buffered events older than ttl across all streams.
// Intended to be invoked periodically by a cron janitor. It does not evict
// live subscribers — only buffered history available for replay.
func (b *Bus) PruneExpired(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	cutoff := time.Now().Add(-ttl)

	b.mu.Lock()
	keys := make([]string, 0, len(b.streams))
	for k := range b.streams {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		st := b.getOrCreateStream(k)
		st.mu.Lock()
		start := st.buf
		for i := 0; i < st.bufLen; i++ {
			start = start.Prev()
		}
		kept := 0
		for i := 0; i < st.bufLen; i++ {
			if entry, ok := start.Value.(*bufEntry); ok && entry.event.CreatedAt.After(cutoff) {
				kept++
			}
			start = start.Next()
		}
		// Expired entries simply age out of relevance for replay purposes;
		// the ring buffer naturally overwrites them as new events arrive,
		// so we only need to track the effective length for oldestCursor.
		st.bufLen = kept
		st.mu.Unlock()
	}
}

// Heartbeat returns the bus's configured ping interval for idle SSE
// connections.
func (b *Bus) Heartbeat() time.Duration { return b.opts.Heartbeat }
