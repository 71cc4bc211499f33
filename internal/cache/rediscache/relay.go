package rediscache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRelayPrefix    = "tracklive"
	defaultOutboxSize     = 1024
	defaultPublishTimeout = time.Second
)

// LocalPublisher receives events relayed from other instances.
type LocalPublisher interface {
	Publish(accountID string, ev models.PositionEvent)
}

type outboxItem struct {
	channel string
	payload []byte
}

// Relay routes position events through Redis pub/sub so every API instance
// can push to the connections it holds. Publish queues for Redis; Run feeds
// what comes back into the local hub.
type Relay struct {
	c      *redis.Client
	prefix string
	local  LocalPublisher

	outboxSize     int
	publishTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	outbox    chan outboxItem
	stop      chan struct{}
	drained   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

func NewRelay(addr, prefix string, local LocalPublisher) *Relay {
	if prefix == "" {
		prefix = defaultRelayPrefix
	}
	return &Relay{
		c: redis.NewClient(&redis.Options{
			Addr:                  addr,
			ContextTimeoutEnabled: true,
		}),
		prefix:         prefix,
		local:          local,
		outboxSize:     defaultOutboxSize,
		publishTimeout: defaultPublishTimeout,
		stop:           make(chan struct{}),
		drained:        make(chan struct{}),
	}
}

// WithSettings must be called before the first Publish.
func (r *Relay) WithSettings(outboxSize int, publishTimeout time.Duration) *Relay {
	if outboxSize > 0 {
		r.outboxSize = outboxSize
	}
	if publishTimeout > 0 {
		r.publishTimeout = publishTimeout
	}
	return r
}

func (r *Relay) channel(accountID string) string {
	return r.prefix + ":owner:" + accountID
}

func (r *Relay) accountFromChannel(ch string) (string, bool) {
	return strings.CutPrefix(ch, r.prefix+":owner:")
}

// Publish never blocks ingestion: the event is queued for the sender
// goroutine and dropped when the outbox is full.
func (r *Relay) Publish(accountID string, ev models.PositionEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("relay marshal event", "error", err.Error())
		return
	}
	r.startOnce.Do(r.start)

	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.outbox <- outboxItem{channel: r.channel(accountID), payload: b}:
	default:
		if n := r.dropped.Add(1); n%100 == 1 {
			slog.Warn("relay outbox full, event dropped", "account_id", accountID, "dropped_total", n)
		}
	}
}

func (r *Relay) start() {
	r.outbox = make(chan outboxItem, r.outboxSize)
	go r.sendLoop()
}

func (r *Relay) sendLoop() {
	defer close(r.drained)
	for {
		select {
		case <-r.stop:
			return
		case it := <-r.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
			err := r.c.Publish(ctx, it.channel, it.payload).Err()
			cancel()
			if err != nil {
				r.dropped.Add(1)
				slog.Error("relay publish", "channel", it.channel, "error", err.Error())
				continue
			}
			r.published.Add(1)
		}
	}
}

// Published and Dropped count events sent to Redis and events lost on the way.
func (r *Relay) Published() int64 { return r.published.Load() }
func (r *Relay) Dropped() int64   { return r.dropped.Load() }

// Run blocks until ctx is done, forwarding relayed events to the local hub.
// ready, if not nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	ps := r.c.PSubscribe(ctx, r.prefix+":owner:*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return errors.Wrap(err, "redis psubscribe")
	}
	if ready != nil {
		close(ready)
	}
	slog.Info("fan-out relay subscribed", "pattern", r.prefix+":owner:*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis relay channel closed")
			}
			accountID, ok := r.accountFromChannel(msg.Channel)
			if !ok || accountID == "" {
				continue
			}
			var ev models.PositionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("relay bad payload", "channel", msg.Channel, "error", err.Error())
				continue
			}
			r.local.Publish(accountID, ev)
		}
	}
}

func (r *Relay) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	started := true
	r.startOnce.Do(func() { started = false })
	if started {
		select {
		case <-r.drained:
		case <-time.After(r.publishTimeout + time.Second):
		}
	}
	return r.c.Close()
}
