package progress

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is used when a subscriber asks for a non-positive buffer.
const DefaultBuffer = 256

// Broadcaster fans events out to any number of subscribers.
//
// Report never blocks: a subscriber whose buffer is full misses the event and
// the drop is counted. Final events (see Event.IsFinal) are the exception:
// when they do not fit they are held and handed over by Close, which waits for
// attached reporters to take them. Each subscriber sees events in publication
// order.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	latest  *Event
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	onDrop  func(Event)
}

type subscriber struct {
	ch chan Event
	// attached subscribers are drained by a reporter goroutine, so Close may
	// block on them.
	attached bool
	// held are final events that did not fit in ch.
	held []Event
}

// BroadcasterOption customises a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// OnDrop is called, under the broadcaster lock, for every event a subscriber missed.
func OnDrop(fn func(Event)) BroadcasterOption {
	return func(b *Broadcaster) { b.onDrop = fn }
}

func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{subs: make(map[int]*subscriber)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Report publishes e to every subscriber.
func (b *Broadcaster) Report(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if e.IsSnapshot() {
		snap := e
		b.latest = &snap
	}
	final := e.IsFinal()
	for _, s := range b.subs {
		if len(s.held) > 0 {
			// Keep order behind events already held for this subscriber.
			s.held = append(s.held, e)
			continue
		}
		select {
		case s.ch <- e:
		default:
			if final {
				s.held = append(s.held, e)
				continue
			}
			b.drop(e)
		}
	}
}

func (b *Broadcaster) drop(e Event) {
	b.dropped.Add(1)
	if b.onDrop != nil {
		b.onDrop(e)
	}
}

// Subscribe returns a channel of future events, preceded by the latest snapshot
// if one exists. The channel is closed by Close or by the returned cancel func.
//
// Close does not wait for plain subscribers: a held final event that still
// does not fit when Close runs is dropped. Latest always has it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, false)
}

func (b *Broadcaster) subscribe(buffer int, attached bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest != nil {
		ch <- *b.latest
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, attached: attached}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Attach delivers events to r on a dedicated goroutine so a slow reporter only
// delays itself. Close waits for attached reporters to drain, and r always
// receives the final event.
func (b *Broadcaster) Attach(r Reporter, buffer int) {
	ch, _ := b.subscribe(buffer, true)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range ch {
			r.Report(e)
		}
	}()
}

// Latest returns the most recent snapshot event.
func (b *Broadcaster) Latest() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return Event{}, false
	}
	return *b.latest, true
}

// Dropped returns the number of events subscribers missed.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops publication, hands over held final events, closes subscriber
// channels and waits for attached reporters. It is safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	var subs []*subscriber
	if !b.closed {
		b.closed = true
		for id, s := range b.subs {
			delete(b.subs, id)
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	// Unsubscribing no longer finds these entries, so each channel is closed
	// exactly once here. Sends happen outside the lock.
	for _, s := range subs {
		for _, e := range s.held {
			if s.attached {
				s.ch <- e
				continue
			}
			select {
			case s.ch <- e:
			default:
				b.mu.Lock()
				b.drop(e)
				b.mu.Unlock()
			}
		}
		close(s.ch)
	}
	b.wg.Wait()
}
