// Package syncbridge forwards annotation events to other processes. Delivery is
// fire-and-forget: the annotation manager never waits for it and keeps working
// when the bridge is absent or its backend is down.
package syncbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"branchscope/annotation"
)

const (
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 2 * time.Second
)

// Publisher sends a payload on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Message is the wire form of an event.
type Message struct {
	annotation.Event
	SentAt time.Time `json:"sentAt"`
}

// RedisPublisher publishes on Redis pub/sub.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects to addr and checks the connection.
func NewRedisPublisher(ctx context.Context, addr, password string, db int) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Bridge queues events and publishes them from a single worker goroutine, so
// events leave in the order they were published on the bus.
type Bridge struct {
	pub     Publisher
	channel string
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan annotation.Event
	done   chan struct{}
}

// NewBridge starts the worker. Close stops it.
func NewBridge(pub Publisher, channel string, queueSize int) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bridge{
		pub:     pub,
		channel: channel,
		timeout: DefaultPublishTimeout,
		now:     time.Now,
		queue:   make(chan annotation.Event, queueSize),
		done:    make(chan struct{}),
	}
	go b.run()
	log.Info(fmt.Sprintf("Sync bridge publishing on %s", channel))
	return b
}

// Attach subscribes the bridge to every event of bus.
func (b *Bridge) Attach(bus *annotation.Bus) {
	bus.SubscribeAll(b.Notify)
}

// Notify queues ev without blocking. Events are dropped when the queue is full or
// the bridge is closed.
func (b *Bridge) Notify(ev annotation.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- ev:
	default:
		log.Warn(fmt.Sprintf("Sync queue full, dropping %s event for image %s", ev.Kind, ev.Context.ImageID))
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for ev := range b.queue {
		if err := b.send(ev); err != nil {
			log.Warn(fmt.Sprintf("Sync publish of %s event failed: %s", ev.Kind, err.Error()))
		}
	}
}

func (b *Bridge) send(ev annotation.Event) error {
	raw, err := Encode(ev, b.now())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.pub.Publish(ctx, b.channel, raw)
}

// Encode renders an event as the JSON message published on the channel.
func Encode(ev annotation.Event, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(Message{Event: ev, SentAt: at.UTC()})
	return raw, errors.Wrapf(err, "encode %s event", ev.Kind)
}

// Close publishes what is queued and closes the publisher.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return b.pub.Close()
}
