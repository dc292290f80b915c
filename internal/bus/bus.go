// Package bus implements the real-time event bus: synchronous delivery to
// in-process subscribers plus cross-process fan-out over a shared Redis
// pub/sub channel, so every instance re-emits foreign events to its own
// subscribers. Delivery is at-least-once and never blocks the state
// mutation that triggered it; subscribers treat each event as a refresh
// request, not a delta.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/pkg/metrics"
)

// EventKind discriminates the envelope payloads.
type EventKind string

// Event kinds carried on the broadcast channel.
const (
	EventUserUpdate    EventKind = "user_update"
	EventAccountUpdate EventKind = "account_update"
)

// Envelope is the JSON message published on the shared broadcast channel.
type Envelope struct {
	OriginInstanceID string          `json:"origin_instance_id"`
	EventKind        EventKind       `json:"event_kind"`
	UserType         string          `json:"user_type"`
	UserID           string          `json:"user_id"`
	Payload          json.RawMessage `json:"payload"`
}

// Event is what local subscribers receive.
type Event struct {
	Kind     EventKind
	UserType string
	UserID   string
	Payload  json.RawMessage
}

// Subscription is one listener on a (user_type, user_id) key. The channel is
// closed when the subscription is removed, voluntarily or by the cap.
type Subscription struct {
	id        uint64
	key       string
	createdAt time.Time

	// C carries the events. Sends are non-blocking: a full channel drops
	// the event, which at-least-once semantics tolerate.
	C chan Event
}

// Config tunes the bus.
type Config struct {
	Channel            string        `mapstructure:"channel" yaml:"channel" json:"channel"`
	MaxListenersPerKey int           `mapstructure:"max_listeners_per_key" yaml:"max_listeners_per_key" json:"max_listeners_per_key"`
	ListenerCeiling    int           `mapstructure:"listener_ceiling" yaml:"listener_ceiling" json:"listener_ceiling"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
	BufferSize         int           `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() *Config {
	return &Config{
		Channel:            "orderstate:events",
		MaxListenersPerKey: 16,
		ListenerCeiling:    8,
		SweepInterval:      time.Minute,
		BufferSize:         32,
	}
}

// Bus is the per-process event bus. Constructed once at startup and passed
// by reference; Start subscribes to the broadcast channel, Stop tears down.
type Bus struct {
	rdb        redis.UniversalClient
	cfg        *Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	instanceID string

	mu     sync.Mutex
	subs   map[string][]*Subscription
	nextID uint64

	pubsub *redis.PubSub
	done   chan struct{}
	wg     sync.WaitGroup
	stop   sync.Once
}

// New creates a bus with a fresh instance identity.
func New(rdb redis.UniversalClient, cfg *Config, logger *zap.Logger, m *metrics.Metrics) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Bus{
		rdb:        rdb,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		instanceID: uuid.NewString(),
		subs:       make(map[string][]*Subscription),
		done:       make(chan struct{}),
	}
}

// InstanceID returns the identity stamped on published envelopes.
func (b *Bus) InstanceID() string { return b.instanceID }

// Start subscribes to the broadcast channel and launches the receive and
// sweep loops.
func (b *Bus) Start(ctx context.Context) error {
	b.pubsub = b.rdb.Subscribe(ctx, b.cfg.Channel)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return err
	}
	b.wg.Add(2)
	go b.receiveLoop()
	go b.sweepLoop()
	b.logger.Info("event bus started",
		zap.String("instance_id", b.instanceID),
		zap.String("channel", b.cfg.Channel))
	return nil
}

// Stop closes the broadcast subscription and every local subscription.
func (b *Bus) Stop() {
	b.stop.Do(func() {
		close(b.done)
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
		b.wg.Wait()

		b.mu.Lock()
		for key, subs := range b.subs {
			for _, sub := range subs {
				close(sub.C)
			}
			delete(b.subs, key)
		}
		b.mu.Unlock()
	})
}

// Subscribe registers a listener for a user key. When the key already
// carries the configured maximum, the oldest listener is forcibly removed.
func (b *Bus) Subscribe(userType, userID string) *Subscription {
	key := userType + ":" + userID

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		key:       key,
		createdAt: time.Now(),
		C:         make(chan Event, b.cfg.BufferSize),
	}
	b.subs[key] = append(b.subs[key], sub)

	if max := b.cfg.MaxListenersPerKey; max > 0 && len(b.subs[key]) > max {
		evicted := b.subs[key][0]
		b.subs[key] = b.subs[key][1:]
		close(evicted.C)
		b.logger.Warn("listener cap exceeded, oldest subscription removed",
			zap.String("key", key), zap.Int("cap", max))
	}
	return sub
}

// Unsubscribe removes a listener and closes its channel. Removing an
// already-removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.key]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[sub.key]) == 0 {
				delete(b.subs, sub.key)
			}
			close(s.C)
			return
		}
	}
}

// EmitUserUpdate delivers a portfolio refresh to local subscribers of the
// user and broadcasts it to the other instances.
func (b *Bus) EmitUserUpdate(userType, userID string, payload json.RawMessage) {
	b.emit(EventUserUpdate, userType, userID, payload)
}

// EmitAccountUpdate delivers an account-level refresh.
func (b *Bus) EmitAccountUpdate(userType, userID string, payload json.RawMessage) {
	b.emit(EventAccountUpdate, userType, userID, payload)
}

func (b *Bus) emit(kind EventKind, userType, userID string, payload json.RawMessage) {
	b.deliverLocal(Event{Kind: kind, UserType: userType, UserID: userID, Payload: payload})

	env := Envelope{
		OriginInstanceID: b.instanceID,
		EventKind:        kind,
		UserType:         userType,
		UserID:           userID,
		Payload:          payload,
	}
	// Fire-and-forget: publish failures are logged, never propagated to the
	// state mutation that triggered the event.
	go func() {
		data, err := json.Marshal(env)
		if err != nil {
			b.logger.Error("event envelope marshal failed", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.rdb.Publish(ctx, b.cfg.Channel, data).Err(); err != nil {
			b.logger.Error("event broadcast publish failed",
				zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		b.metrics.EventsPublished.Inc()
	}()
}

// deliverLocal pushes the event to every local subscriber of the key. Sends
// never block; a full subscriber drops the event.
func (b *Bus) deliverLocal(ev Event) {
	key := ev.UserType + ":" + ev.UserID

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[key] {
		select {
		case sub.C <- ev:
		default:
			b.metrics.EventsDropped.Inc()
			b.logger.Warn("subscriber channel full, event dropped",
				zap.String("key", key))
		}
	}
}

// handleEnvelope processes one broadcast message: envelopes originated by
// this instance are discarded, since their local subscribers already got the
// synchronous emission.
func (b *Bus) handleEnvelope(raw []byte) {
	b.metrics.EventsReceived.Inc()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("malformed event envelope dropped", zap.Error(err))
		return
	}
	if env.OriginInstanceID == b.instanceID {
		b.metrics.EventsFiltered.Inc()
		return
	}
	b.deliverLocal(Event{
		Kind:     env.EventKind,
		UserType: env.UserType,
		UserID:   env.UserID,
		Payload:  env.Payload,
	})
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleEnvelope([]byte(msg.Payload))
		case <-b.done:
			return
		}
	}
}

// sweepLoop periodically trims keys whose listener count exceeds the
// configured ceiling, oldest listeners first.
func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.done:
			return
		}
	}
}

func (b *Bus) sweep() {
	ceiling := b.cfg.ListenerCeiling
	if ceiling <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subs {
		if len(subs) <= ceiling {
			continue
		}
		excess := len(subs) - ceiling
		for _, sub := range subs[:excess] {
			close(sub.C)
		}
		b.subs[key] = subs[excess:]
		b.logger.Warn("listener sweep trimmed key",
			zap.String("key", key), zap.Int("removed", excess))
	}
}

// ListenerCount reports the current listener count for a user key.
func (b *Bus) ListenerCount(userType, userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userType+":"+userID])
}
