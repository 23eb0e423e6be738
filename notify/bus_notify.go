package notify

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// NewBusNotify selects a BusNotify backend by busURL's scheme: "nats"
// for NATS, "redis"/"rediss" for Redis Pub/Sub. Both implement the
// same Strategy port so Compose treats them identically, per
// spec.md §4.2's BusNotify variant.
func NewBusNotify(busURL, subject string) (Strategy, error) {
	u, err := url.Parse(busURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse bus url: %w", err)
	}
	switch u.Scheme {
	case "nats":
		return newNATSNotify(busURL, subject), nil
	case "redis", "rediss":
		return newRedisNotify(busURL, subject), nil
	default:
		return nil, fmt.Errorf("notify: unsupported bus url scheme %q", u.Scheme)
	}
}

// natsNotify is a long-lived NATS subscription. Grounded on the
// teacher's modules/eventbus/nats.go connection/subscription pattern,
// scaled down from a full pub/sub event bus to a single wake-up
// subject.
type natsNotify struct {
	url     string
	subject string

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

func newNATSNotify(url, subject string) *natsNotify {
	return &natsNotify{url: url, subject: subject}
}

func (n *natsNotify) Start(_ context.Context, onNotify func()) error {
	conn, err := nats.Connect(n.url, nats.Name("eventbus-notify"))
	if err != nil {
		return fmt.Errorf("notify: nats connect: %w", err)
	}
	sub, err := conn.Subscribe(n.subject, func(*nats.Msg) { onNotify() })
	if err != nil {
		conn.Close()
		return fmt.Errorf("notify: nats subscribe: %w", err)
	}

	n.mu.Lock()
	n.conn = conn
	n.sub = sub
	n.mu.Unlock()
	return nil
}

func (n *natsNotify) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}

func (n *natsNotify) Notify(_ context.Context, eventID uuid.UUID) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Publish(n.subject, []byte(eventID.String()))
}

// redisNotify is a long-lived Redis Pub/Sub subscription. Grounded on
// the teacher's modules/cache dependency on github.com/redis/go-redis/v9,
// repurposed here as a transport rather than a cache.
type redisNotify struct {
	opts    *redis.Options
	channel string

	mu     sync.Mutex
	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func newRedisNotify(redisURL, channel string) *redisNotify {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		// Deferred: Start reports the error explicitly so callers get a
		// clear message instead of a nil-pointer panic.
		opts = nil
	}
	return &redisNotify{opts: opts, channel: channel}
}

func (r *redisNotify) Start(ctx context.Context, onNotify func()) error {
	if r.opts == nil {
		return fmt.Errorf("notify: invalid redis url")
	}
	client := redis.NewClient(r.opts)
	pubsub := client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return fmt.Errorf("notify: redis subscribe: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.client = client
	r.pubsub = pubsub
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-listenCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onNotify()
			}
		}
	}()
	return nil
}

func (r *redisNotify) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.pubsub != nil {
		_ = r.pubsub.Close()
		r.pubsub = nil
	}
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

func (r *redisNotify) Notify(ctx context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Publish(ctx, r.channel, eventID.String()).Err()
}
