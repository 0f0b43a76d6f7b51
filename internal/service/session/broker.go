package session

import (
	"sync"
	"sync/atomic"
	"time"

	sessionmodel "github.com/zhouzirui/karitas/backend/internal/model/session"
)

// DefaultSubscriberBuffer 是每个订阅者的事件缓冲大小。
const DefaultSubscriberBuffer = 64

// Broker 把会话事件扇出给所有订阅者。订阅者缓冲已满时丢弃该事件，不阻塞发布方。
type Broker struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	now    func() time.Time
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscription 是单个订阅者的事件通道。
type Subscription struct {
	id      uint64
	broker  *Broker
	ch      chan sessionmodel.Event
	once    sync.Once
	dropped atomic.Uint64
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan sessionmodel.Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close 取消订阅并关闭通道，可重复调用。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s.id)
	})
}

// Subscribe registers a subscriber. buffer <= 0 uses DefaultSubscriberBuffer.
func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		broker: b,
		ch:     make(chan sessionmodel.Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish 非阻塞地投递事件。
func (b *Broker) Publish(event sessionmodel.Event) {
	if event.Time.IsZero() {
		event.Time = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
