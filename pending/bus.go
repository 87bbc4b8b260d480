package pending

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event is one notification published for a rid. Delivery is at-most-once
// with no replay: messages published with no live subscriber are dropped.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus is the pub/sub primitive bridging request contexts. Implementations
// are selected at construction time, never branched on at call sites.
type Bus interface {
	Publish(ctx context.Context, rid string, event Event) error
	Subscribe(ctx context.Context, rid string) (Subscription, error)
}

// Subscription delivers events for one rid until closed. Cancelling the
// subscribe context closes the subscription within a bounded delay.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

const subscriptionBuffer = 8

// LocalBus is the in-process fan-out used by single-instance deployments and
// as the degradation target when the distributed bus is unreachable.
type LocalBus struct {
	mu   sync.Mutex
	subs map[string]map[*localSubscription]struct{}
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSubscription]struct{})}
}

type localSubscription struct {
	bus    *LocalBus
	rid    string
	events chan Event
	once   sync.Once
}

func (s *localSubscription) Events() <-chan Event { return s.events }

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.rid]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.rid)
			}
		}
		s.bus.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (b *LocalBus) Publish(_ context.Context, rid string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[rid] {
		// At-most-once: a slow subscriber loses the message rather than
		// blocking the publisher.
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, rid string) (Subscription, error) {
	sub := &localSubscription{
		bus:    b,
		rid:    rid,
		events: make(chan Event, subscriptionBuffer),
	}

	b.mu.Lock()
	set, ok := b.subs[rid]
	if !ok {
		set = make(map[*localSubscription]struct{})
		b.subs[rid] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}

	return sub, nil
}

// RedisBus fans events out across instances over Redis pub/sub.
type RedisBus struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisBus creates a Redis-backed bus. prefix namespaces the pub/sub
// channels alongside the other tenant-scoped key spaces.
func NewRedisBus(redisClient redis.UniversalClient, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "prb"
	}
	return &RedisBus{redis: redisClient, prefix: prefix}
}

func (b *RedisBus) channel(rid string) string {
	return b.prefix + ":" + rid
}

func (b *RedisBus) Publish(ctx context.Context, rid string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.channel(rid), data).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func (b *RedisBus) Subscribe(ctx context.Context, rid string) (Subscription, error) {
	pubsub := b.redis.Subscribe(ctx, b.channel(rid))

	// Force the SUBSCRIBE round-trip so bus unavailability surfaces here,
	// where the failover wrapper can catch it, not on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, subscriptionBuffer),
	}

	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case sub.events <- event:
			default:
			}
		}
	}()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}

	return sub, nil
}

// FailoverBus prefers the distributed backend and degrades to local fan-out
// when it is unreachable. Degradation never surfaces an error: the bus is a
// notification path, not a correctness channel.
type FailoverBus struct {
	primary Bus
	local   *LocalBus

	// OnFallback, when set, is called once per publish that degraded to the
	// local backend.
	OnFallback func()
}

// NewFailoverBus wraps primary with a local fallback.
func NewFailoverBus(primary Bus, local *LocalBus) *FailoverBus {
	if local == nil {
		local = NewLocalBus()
	}
	return &FailoverBus{primary: primary, local: local}
}

func (b *FailoverBus) Publish(ctx context.Context, rid string, event Event) error {
	if b.primary != nil {
		if err := b.primary.Publish(ctx, rid, event); err == nil {
			return nil
		}
		if b.OnFallback != nil {
			b.OnFallback()
		}
	}
	return b.local.Publish(ctx, rid, event)
}

func (b *FailoverBus) Subscribe(ctx context.Context, rid string) (Subscription, error) {
	local, err := b.local.Subscribe(ctx, rid)
	if err != nil {
		return nil, err
	}
	if b.primary == nil {
		return local, nil
	}

	primary, err := b.primary.Subscribe(ctx, rid)
	if err != nil {
		return local, nil
	}

	return newMergedSubscription(primary, local), nil
}

type mergedSubscription struct {
	subs      []Subscription
	events    chan Event
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newMergedSubscription(subs ...Subscription) *mergedSubscription {
	m := &mergedSubscription{
		subs:   subs,
		events: make(chan Event, subscriptionBuffer),
	}

	for _, sub := range subs {
		m.wg.Add(1)
		go func(src Subscription) {
			defer m.wg.Done()
			for event := range src.Events() {
				select {
				case m.events <- event:
				default:
				}
			}
		}(sub)
	}

	go func() {
		m.wg.Wait()
		close(m.events)
	}()

	return m
}

func (m *mergedSubscription) Events() <-chan Event { return m.events }

func (m *mergedSubscription) Close() error {
	var err error
	m.closeOnce.Do(func() {
		for _, sub := range m.subs {
			if cerr := sub.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
