package durable

import (
	"sync"
)

// dispatcher fans committed snapshots out to per-collection subscribers. Each
// subscriber holds at most one pending snapshot; a newer one replaces it.
type dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*snapshotSubscriber
	nextID      int64
}

type snapshotSubscriber struct {
	id      int64
	stream  chan []Document
	done    chan struct{}
	handler func([]Document)
	once    sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subscribers: make(map[string]map[int64]*snapshotSubscriber),
	}
}

func (d *dispatcher) subscribe(collection string, handler func([]Document)) *snapshotSubscriber {
	d.mu.Lock()
	d.nextID++
	subscriber := &snapshotSubscriber{
		id:      d.nextID,
		stream:  make(chan []Document, 1),
		done:    make(chan struct{}),
		handler: handler,
	}
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*snapshotSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
	d.mu.Unlock()
	go subscriber.run()
	return subscriber
}

func (d *dispatcher) unsubscribe(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	subscriber := subscribers[subscriberID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
	if subscriber != nil {
		subscriber.stop()
	}
}

func (d *dispatcher) publish(collection string, documents []Document) {
	d.mu.RLock()
	subscribers := d.subscribers[collection]
	copies := make([]*snapshotSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		subscriber.offer(documents)
	}
}

// offer must only be called by one publisher at a time for a given subscriber; the
// collection serializes commits so that holds.
func (s *snapshotSubscriber) offer(documents []Document) {
	for {
		select {
		case s.stream <- documents:
			return
		default:
		}
		select {
		case <-s.stream:
		default:
		}
	}
}

func (s *snapshotSubscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case documents := <-s.stream:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(documents)
		}
	}
}

func (s *snapshotSubscriber) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}
