package connections

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/timectrl"
)

// ErrLeaseExpired is returned by Relay once the broadcaster's lease has
// lapsed; the broadcaster must register again.
var ErrLeaseExpired = errors.New("connections: tracker lease expired")

// ErrNotBroadcaster is returned by Relay when socket does not hold the
// broadcaster role of the endpoint.
var ErrNotBroadcaster = errors.New("connections: not the tracker broadcaster")

// TrackerEndpoint describes one relay endpoint.
type TrackerEndpoint struct {
	Key         string    `json:"key"`
	Broadcaster bool      `json:"broadcaster"`
	Listeners   int       `json:"listeners"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type endpoint struct {
	broadcaster Socket
	listeners   map[Socket]struct{}
	expiresAt   time.Time
}

// Trackers relays frames from one broadcaster per key to its listeners.
// Broadcaster leases are renewed by relay activity and checked lazily on
// access; RemoveExpired sweeps the rest.
type Trackers struct {
	clock   timectrl.Clock
	lease   time.Duration
	log     logging.Logger
	metrics Metrics

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// TrackerOption customises Trackers construction.
type TrackerOption func(*Trackers)

// WithTrackerLogger attaches a structured logger.
func WithTrackerLogger(l logging.Logger) TrackerOption {
	return func(t *Trackers) {
		if l != nil {
			t.log = l
		}
	}
}

// WithTrackerMetrics attaches a metrics recorder.
func WithTrackerMetrics(m Metrics) TrackerOption {
	return func(t *Trackers) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithClock overrides the wall clock used for leases.
func WithClock(c timectrl.Clock) TrackerOption {
	return func(t *Trackers) {
		if c != nil {
			t.clock = c
		}
	}
}

// NewTrackers constructs a relay granting leases of the given length.
func NewTrackers(lease time.Duration, opts ...TrackerOption) *Trackers {
	t := &Trackers{
		clock:     timectrl.System(),
		lease:     lease,
		log:       logging.Noop(),
		metrics:   noopMetrics{},
		endpoints: make(map[string]*endpoint),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterBroadcaster gives socket the broadcaster role of key with a fresh
// lease, closing any previous broadcaster. An empty key is generated. It
// returns the key in use.
func (t *Trackers) RegisterBroadcaster(key string, socket Socket) string {
	if key == "" {
		key = uuid.NewString()
	}

	t.mu.Lock()
	ep := t.endpointLocked(key)
	previous := ep.broadcaster
	ep.broadcaster = socket
	ep.expiresAt = t.clock.Now().Add(t.lease)
	n := len(t.endpoints)
	t.mu.Unlock()

	t.metrics.SetTrackerEndpoints(n)
	if previous != nil && previous != socket {
		_ = previous.Close(websocket.CloseNormalClosure, "tracker broadcaster replaced")
	}
	return key
}

// AddListener attaches socket to key. The endpoint is created when missing;
// listeners of an endpoint without a broadcaster simply wait.
func (t *Trackers) AddListener(key string, socket Socket) {
	t.mu.Lock()
	t.endpointLocked(key).listeners[socket] = struct{}{}
	n := len(t.endpoints)
	t.mu.Unlock()
	t.metrics.SetTrackerEndpoints(n)
}

// RemoveListener detaches socket from key.
func (t *Trackers) RemoveListener(key string, socket Socket) {
	t.mu.Lock()
	if ep, ok := t.endpoints[key]; ok {
		delete(ep.listeners, socket)
		t.reclaimLocked(key, ep)
	}
	n := len(t.endpoints)
	t.mu.Unlock()
	t.metrics.SetTrackerEndpoints(n)
}

// RemoveBroadcaster drops the broadcaster role if socket still holds it.
func (t *Trackers) RemoveBroadcaster(key string, socket Socket) {
	t.mu.Lock()
	if ep, ok := t.endpoints[key]; ok && ep.broadcaster == socket {
		ep.broadcaster = nil
		t.reclaimLocked(key, ep)
	}
	n := len(t.endpoints)
	t.mu.Unlock()
	t.metrics.SetTrackerEndpoints(n)
}

// Relay forwards payload from the broadcaster socket to every listener of key
// and renews the lease. Listeners whose send fails are detached. It returns
// the number of listeners reached.
func (t *Trackers) Relay(ctx context.Context, key string, from Socket, payload []byte) (int, error) {
	now := t.clock.Now()

	t.mu.Lock()
	ep, ok := t.endpoints[key]
	if !ok || ep.broadcaster != from {
		t.mu.Unlock()
		return 0, ErrNotBroadcaster
	}
	if now.After(ep.expiresAt) {
		ep.broadcaster = nil
		t.reclaimLocked(key, ep)
		t.mu.Unlock()
		return 0, ErrLeaseExpired
	}
	ep.expiresAt = now.Add(t.lease)
	listeners := make([]Socket, 0, len(ep.listeners))
	for l := range ep.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	reached := 0
	var failed []Socket
	for _, l := range listeners {
		if err := l.Send(payload); err != nil {
			t.metrics.FanoutFailed("tracker")
			t.log.Debug(ctx, "tracker listener delivery failed", logging.String("tracker", key), logging.Err(err))
			failed = append(failed, l)
			continue
		}
		reached++
	}
	for _, l := range failed {
		t.RemoveListener(key, l)
	}
	return reached, nil
}

// RemoveExpired detaches every broadcaster whose lease has lapsed and
// reclaims endpoints left with neither role. It returns the number of
// broadcasters detached.
func (t *Trackers) RemoveExpired() int {
	now := t.clock.Now()

	t.mu.Lock()
	var expired []Socket
	for key, ep := range t.endpoints {
		if ep.broadcaster != nil && now.After(ep.expiresAt) {
			expired = append(expired, ep.broadcaster)
			ep.broadcaster = nil
		}
		t.reclaimLocked(key, ep)
	}
	n := len(t.endpoints)
	t.mu.Unlock()

	t.metrics.SetTrackerEndpoints(n)
	for _, s := range expired {
		_ = s.Close(websocket.CloseNormalClosure, "tracker lease expired")
	}
	return len(expired)
}

// Endpoints describes every endpoint, sorted by key.
func (t *Trackers) Endpoints() []TrackerEndpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackerEndpoint, 0, len(t.endpoints))
	for key, ep := range t.endpoints {
		out = append(out, TrackerEndpoint{
			Key:         key,
			Broadcaster: ep.broadcaster != nil,
			Listeners:   len(ep.listeners),
			ExpiresAt:   ep.expiresAt,
		})
	}
	slices.SortFunc(out, func(a, b TrackerEndpoint) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// CloseAll closes every broadcaster and listener and forgets all endpoints.
func (t *Trackers) CloseAll(reason string) {
	t.mu.Lock()
	endpoints := t.endpoints
	t.endpoints = make(map[string]*endpoint)
	t.mu.Unlock()

	for _, ep := range endpoints {
		if ep.broadcaster != nil {
			_ = ep.broadcaster.Close(websocket.CloseGoingAway, reason)
		}
		for l := range ep.listeners {
			_ = l.Close(websocket.CloseGoingAway, reason)
		}
	}
	t.metrics.SetTrackerEndpoints(0)
}

func (t *Trackers) endpointLocked(key string) *endpoint {
	ep, ok := t.endpoints[key]
	if !ok {
		ep = &endpoint{listeners: make(map[Socket]struct{})}
		t.endpoints[key] = ep
	}
	return ep
}

func (t *Trackers) reclaimLocked(key string, ep *endpoint) {
	if ep.broadcaster == nil && len(ep.listeners) == 0 {
		delete(t.endpoints, key)
	}
}
