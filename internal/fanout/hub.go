// Package fanout delivers live position events to the connections of the
// account that owns a tracker.
//
// Connections are grouped by account id. Publish never blocks: every
// subscription has its own bounded queue drained by a dedicated writer
// goroutine, so a stalled client cannot hold up ingestion or other clients.
// A subscription whose queue overflows or whose send fails is evicted and its
// connection closed; the client is expected to reconnect and re-read history.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackLive/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultQueueSize   = 64
	DefaultSendTimeout = 5 * time.Second
)

var ErrHubClosed = errors.New("fanout hub closed")

// Conn is the transport side of one live connection.
type Conn interface {
	Send(ctx context.Context, ev models.PositionEvent) error
	Close(reason string) error
}

// Publisher is anything that can route an event to an account's group: the
// local Hub or a broker-backed relay in front of it.
type Publisher interface {
	Publish(accountID string, ev models.PositionEvent)
}

type Subscription struct {
	id        string
	accountID string
	conn      Conn
	queue     chan models.PositionEvent
	done      chan struct{}
	stopOnce  sync.Once
}

func (s *Subscription) ID() string        { return s.id }
func (s *Subscription) AccountID() string { return s.accountID }

// Done is closed once the subscription has been removed from its group.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) stop() bool {
	stopped := false
	s.stopOnce.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}

type Stats struct {
	Groups      int   `json:"groups"`
	Connections int   `json:"connections"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Evicted     int64 `json:"evicted"`
}

type Hub struct {
	mu     sync.Mutex
	groups map[string]map[*Subscription]struct{}
	closed bool

	queueSize   int
	sendTimeout time.Duration

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		groups:      make(map[string]map[*Subscription]struct{}),
		queueSize:   DefaultQueueSize,
		sendTimeout: DefaultSendTimeout,
	}
}

func (h *Hub) WithSettings(queueSize int, sendTimeout time.Duration) *Hub {
	if queueSize > 0 {
		h.queueSize = queueSize
	}
	if sendTimeout > 0 {
		h.sendTimeout = sendTimeout
	}
	return h
}

// Subscribe registers conn under accountID. The caller must have verified the
// account's identity proof already.
func (h *Hub) Subscribe(conn Conn, accountID string) (*Subscription, error) {
	if accountID == "" {
		return nil, errors.Wrap(models.ErrUnauthorized, "subscribe without account")
	}
	if conn == nil {
		return nil, errors.Wrap(models.ErrBadInput, "nil connection")
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		accountID: accountID,
		conn:      conn,
		queue:     make(chan models.PositionEvent, h.queueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	group, ok := h.groups[accountID]
	if !ok {
		group = make(map[*Subscription]struct{})
		h.groups[accountID] = group
	}
	group[sub] = struct{}{}
	h.mu.Unlock()

	slog.Debug("live connection subscribed", "account_id", accountID, "subscription_id", sub.id)
	go h.writeLoop(sub)
	return sub, nil
}

// Publish enqueues ev for every connection of accountID. Events for one
// account are enqueued under the hub lock, so all of its connections observe
// them in Publish order.
func (h *Hub) Publish(accountID string, ev models.PositionEvent) {
	h.publish(accountID, ev)
}

// publish returns the number of queues that accepted the event.
func (h *Hub) publish(accountID string, ev models.PositionEvent) int {
	h.published.Add(1)

	var slow []*Subscription
	accepted := 0

	h.mu.Lock()
	for sub := range h.groups[accountID] {
		select {
		case sub.queue <- ev:
			accepted++
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.removeLocked(sub)
	}
	h.mu.Unlock()

	if len(slow) > 0 {
		h.dropped.Add(int64(len(slow)))
	}
	for _, sub := range slow {
		h.evict(sub, "slow consumer")
	}
	return accepted
}

// Unsubscribe removes sub from its group. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	if sub.stop() {
		slog.Debug("live connection unsubscribed", "account_id", sub.accountID, "subscription_id", sub.id)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	group, ok := h.groups[sub.accountID]
	if !ok {
		return
	}
	delete(group, sub)
	if len(group) == 0 {
		delete(h.groups, sub.accountID)
	}
}

func (h *Hub) evict(sub *Subscription, reason string) {
	if !sub.stop() {
		return
	}
	h.evicted.Add(1)
	slog.Warn("live connection evicted", "account_id", sub.accountID, "subscription_id", sub.id, "reason", reason)
	// Close может ждать close-handshake клиента.
	go func() { _ = sub.conn.Close(reason) }()
}

func (h *Hub) writeLoop(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
			err := sub.conn.Send(ctx, ev)
			cancel()
			if err != nil {
				h.mu.Lock()
				h.removeLocked(sub)
				h.mu.Unlock()
				h.evict(sub, "send failed: "+err.Error())
				return
			}
			h.delivered.Add(1)
		}
	}
}

// Close evicts every connection; used on shutdown.
// Close evicts every connection; later Subscribe calls fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, group := range h.groups {
		for sub := range group {
			all = append(all, sub)
		}
	}
	h.groups = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		h.evict(sub, "server shutting down")
	}
}

func (h *Hub) Connections(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[accountID])
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	st := Stats{Groups: len(h.groups)}
	for _, g := range h.groups {
		st.Connections += len(g)
	}
	h.mu.Unlock()

	st.Published = h.published.Load()
	st.Delivered = h.delivered.Load()
	st.Dropped = h.dropped.Load()
	st.Evicted = h.evicted.Load()
	return st
}
