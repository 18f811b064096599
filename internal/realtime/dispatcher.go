// ABOUTME: Realtime dispatcher turning change events into coalesced reload signals
// ABOUTME: One upstream bus subscription per process, fanned out to local viewers

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/desk-gateway/internal/dedupe"
	"github.com/2389/desk-gateway/internal/eventbus"
	"github.com/2389/desk-gateway/internal/metrics"
)

// ErrClosed is returned when subscribing to a closed dispatcher.
var ErrClosed = errors.New("realtime dispatcher closed")

// Topics is what the dispatcher listens to upstream.
var Topics = []string{
	eventbus.TopicConversations,
	eventbus.TopicMessages,
	eventbus.TopicAgentStatus,
}

// Reload tells a viewer to refetch the listed views. It carries no row
// state; the store is the source of truth.
type Reload struct {
	Interests []Interest
	At        time.Time
}

// ReloadFunc receives reload signals on the subscriber's own goroutine.
type ReloadFunc func(Reload)

// Handle identifies a local subscription.
type Handle string

// Options tunes the dispatcher.
type Options struct {
	DedupeTTL  time.Duration
	DedupeSize int
}

// Dispatcher owns the process-wide bus subscription.
type Dispatcher struct {
	bus     eventbus.Bus
	seen    *dedupe.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.RWMutex
	upstream   eventbus.Handle
	started    bool
	closed     bool
	subs       map[Handle]*subscriber
	byInterest map[Interest]map[Handle]*subscriber

	wg sync.WaitGroup
}

// New creates a dispatcher. Call Start to attach it to the bus.
func New(bus eventbus.Bus, opts Options, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:        bus,
		seen:       dedupe.New(opts.DedupeTTL, opts.DedupeSize),
		metrics:    m,
		logger:     logger.With("component", "realtime"),
		subs:       make(map[Handle]*subscriber),
		byInterest: make(map[Interest]map[Handle]*subscriber),
	}
}

// Start subscribes to the bus. Calling it again is a no-op.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}

	h, err := d.bus.Subscribe(Topics, nil, d.deliver)
	if err != nil {
		return err
	}
	d.upstream = h
	d.started = true
	d.logger.Info("realtime dispatcher started", "topics", Topics)
	return nil
}

// deliver runs on the bus goroutine and must not block.
func (d *Dispatcher) deliver(ev eventbus.Event) {
	if d.seen.CheckAndMark(ev.Fingerprint()) {
		d.metrics.ObserveRealtimeEvent(ev.Topic, "duplicate")
		return
	}

	interests := Relevant(ev)
	if len(interests) == 0 {
		d.metrics.ObserveRealtimeEvent(ev.Topic, "irrelevant")
		return
	}

	// Copy targets under the read lock so marking never holds it.
	d.mu.RLock()
	targets := make(map[*subscriber][]Interest)
	for _, in := range interests {
		for _, sub := range d.byInterest[in] {
			targets[sub] = append(targets[sub], in)
		}
	}
	d.mu.RUnlock()

	for sub, matched := range targets {
		sub.mark(matched)
	}
	d.metrics.ObserveRealtimeEvent(ev.Topic, "delivered")
	d.logger.Debug("change dispatched",
		"routing_key", ev.RoutingKey(),
		"row_id", ev.RowID,
		"subscribers", len(targets),
	)
}

// Subscribe registers fn for the given interests. The subscription ends on
// Unsubscribe, Close, or when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, interests []Interest, fn ReloadFunc) (Handle, error) {
	sub := &subscriber{
		handle:    Handle(uuid.New().String()),
		interests: dedupeInterests(interests),
		fn:        fn,
		pending:   make(map[Interest]struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.subs[sub.handle] = sub
	for _, in := range sub.interests {
		if _, ok := d.byInterest[in]; !ok {
			d.byInterest[in] = make(map[Handle]*subscriber)
		}
		d.byInterest[in][sub.handle] = sub
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.AddReloadSubscribers(1)
	d.logger.Debug("subscriber added", "sub_id", sub.handle, "interests", len(sub.interests))

	go d.run(ctx, sub)
	return sub.handle, nil
}

func (d *Dispatcher) run(ctx context.Context, sub *subscriber) {
	defer d.wg.Done()
	for {
		select {
		case <-sub.wake:
			// select picks randomly when done is also ready.
			if sub.closed() {
				return
			}
			batch := sub.take()
			if len(batch) == 0 {
				continue
			}
			d.metrics.ObserveReload()
			sub.fn(Reload{Interests: batch, At: time.Now().UTC()})
		case <-sub.done:
			return
		case <-ctx.Done():
			d.Unsubscribe(sub.handle)
			return
		}
	}
}

// Unsubscribe removes a subscription. Unknown handles are ignored. No
// callback starts after it returns; one already running is not interrupted.
func (d *Dispatcher) Unsubscribe(h Handle) {
	d.mu.Lock()
	sub, ok := d.subs[h]
	if !ok {
		d.mu.Unlock()
		return
	}
	d.removeLocked(sub)
	d.mu.Unlock()

	d.metrics.AddReloadSubscribers(-1)
	d.logger.Debug("subscriber removed", "sub_id", h)
}

func (d *Dispatcher) removeLocked(sub *subscriber) {
	delete(d.subs, sub.handle)
	for _, in := range sub.interests {
		if set, ok := d.byInterest[in]; ok {
			delete(set, sub.handle)
			if len(set) == 0 {
				delete(d.byInterest, in)
			}
		}
	}
	close(sub.done)
}

// Subscribers returns the number of live subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close detaches from the bus and ends every subscription.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started, upstream := d.started, d.upstream
	n := len(d.subs)
	for _, sub := range d.subs {
		d.removeLocked(sub)
	}
	d.mu.Unlock()

	var err error
	if started {
		err = d.bus.Unsubscribe(upstream)
		if errors.Is(err, eventbus.ErrClosed) {
			err = nil
		}
	}
	d.wg.Wait()
	d.seen.Close()
	d.metrics.AddReloadSubscribers(-n)
	d.logger.Debug("realtime dispatcher closed")
	return err
}

// subscriber coalesces reloads: a pending interest absorbs repeats until
// the delivery goroutine takes the batch.
type subscriber struct {
	handle    Handle
	interests []Interest
	fn        ReloadFunc

	mu      sync.Mutex
	pending map[Interest]struct{}
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscriber) mark(interests []Interest) {
	s.mu.Lock()
	for _, in := range interests {
		s.pending[in] = struct{}{}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// A wake-up is already queued; it will see the new interests.
	}
}

func (s *subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscriber) take() []Interest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]Interest, 0, len(s.pending))
	for in := range s.pending {
		out = append(out, in)
	}
	clear(s.pending)
	sortInterests(out)
	return out
}

func dedupeInterests(in []Interest) []Interest {
	set := make(map[Interest]struct{}, len(in))
	out := make([]Interest, 0, len(in))
	for _, i := range in {
		if _, ok := set[i]; ok {
			continue
		}
		set[i] = struct{}{}
		out = append(out, i)
	}
	return out
}

func sortInterests(in []Interest) {
	sort.Slice(in, func(a, b int) bool { return in[a].String() < in[b].String() })
}
