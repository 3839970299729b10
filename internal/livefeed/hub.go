// Package livefeed fans alert events out to a user's open dashboard streams.
package livefeed

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBufferSize       = 20
	DefaultSubscriberBuffer = 16
	DefaultBacklogTTL       = 10 * time.Minute
	DefaultPruneInterval    = time.Minute
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidUserID  = errors.New("invalid_user_id")
)

// AlertEvent is pushed when a campaign alert starts a new episode. Badge and
// Sound mirror the rule's visual and sound channels; the client renders the
// badge and synthesizes the beep.
type AlertEvent struct {
	AlertID      string    `json:"alert_id"`
	CampaignID   string    `json:"campaign_id"`
	CampaignName string    `json:"campaign_name"`
	Metric       string    `json:"metric"`
	Operator     string    `json:"operator"`
	Threshold    float64   `json:"threshold"`
	Value        float64   `json:"value"`
	TriggeredAt  time.Time `json:"triggered_at"`
	Badge        bool      `json:"badge"`
	Sound        bool      `json:"sound"`
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
	backlogTTL       time.Duration
	pruneInterval    time.Duration
	lastPrune        time.Time
	now              func() time.Time
}

// stream keeps a short backlog so a dashboard reconnecting right after a
// trigger still sees it. A removed stream is no longer in the hub map and
// must not be written to.
type stream struct {
	mu      sync.Mutex
	buffer  []AlertEvent
	subs    map[uint64]chan AlertEvent
	nextID  uint64
	removed bool
}

// idle reports whether nothing would be lost by dropping the stream. The
// caller holds s.mu.
func (s *stream) idle(cutoff time.Time) bool {
	if len(s.subs) > 0 {
		return false
	}
	for _, event := range s.buffer {
		if event.TriggeredAt.After(cutoff) {
			return false
		}
	}
	return true
}

type Subscription struct {
	hub    *Hub
	userID string
	id     uint64
	ch     chan AlertEvent
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
		backlogTTL:       DefaultBacklogTTL,
		pruneInterval:    DefaultPruneInterval,
		now:              time.Now,
	}
}

// Publish delivers the event to every live subscriber of the user. Slow
// subscribers drop events instead of blocking the publisher.
func (h *Hub) Publish(userID string, event AlertEvent) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(userID)
	if id == "" {
		return
	}
	stream := h.lockStream(id)
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan AlertEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	h.maybePrune()
}

// Subscribe registers a listener and returns the backlog of recent events
// that are still within the backlog TTL.
func (h *Hub) Subscribe(userID string) (*Subscription, []AlertEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	id := strings.TrimSpace(userID)
	if id == "" {
		return nil, nil, ErrInvalidUserID
	}

	cutoff := h.now().Add(-h.backlogTTL)
	stream := h.lockStream(id)
	subID := stream.nextID
	stream.nextID++
	ch := make(chan AlertEvent, h.subscriberBuffer)
	stream.subs[subID] = ch
	backlog := make([]AlertEvent, 0, len(stream.buffer))
	for _, event := range stream.buffer {
		if event.TriggeredAt.After(cutoff) {
			backlog = append(backlog, event)
		}
	}
	stream.mu.Unlock()

	return &Subscription{
		hub:    h,
		userID: id,
		id:     subID,
		ch:     ch,
	}, backlog, nil
}

// Subscribers reports how many listeners the user currently has.
func (h *Hub) Subscribers(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	stream := h.streams[strings.TrimSpace(userID)]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subs)
}

// Streams reports how many users currently hold a stream in the hub.
func (h *Hub) Streams() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// lockStream returns the user's live stream with its mutex held, retrying
// when a concurrent prune removed the one it found.
func (h *Hub) lockStream(userID string) *stream {
	for {
		current := h.ensureStream(userID)
		current.mu.Lock()
		if !current.removed {
			return current
		}
		current.mu.Unlock()
	}
}

func (h *Hub) ensureStream(userID string) *stream {
	h.mu.RLock()
	current := h.streams[userID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[userID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan AlertEvent)}
		h.streams[userID] = current
	}
	return current
}

func (h *Hub) unsubscribe(userID string, id uint64) {
	h.mu.RLock()
	stream := h.streams[userID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	empty := len(stream.subs) == 0
	stream.mu.Unlock()

	if empty {
		h.removeIfIdle(userID, stream, h.now().Add(-h.backlogTTL))
	}
}

// removeIfIdle drops the stream from the hub when it is still the one mapped
// to userID and has no listeners or live backlog. Lock order is h.mu then s.mu.
func (h *Hub) removeIfIdle(userID string, s *stream, cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[userID] != s {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle(cutoff) {
		s.removed = true
		delete(h.streams, userID)
	}
}

// maybePrune drops idle streams at most once per prune interval so users who
// stopped receiving alerts do not hold memory forever.
func (h *Hub) maybePrune() {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.Sub(h.lastPrune) < h.pruneInterval {
		return
	}
	h.lastPrune = now

	cutoff := now.Add(-h.backlogTTL)
	for userID, s := range h.streams {
		s.mu.Lock()
		if s.idle(cutoff) {
			s.removed = true
			delete(h.streams, userID)
		}
		s.mu.Unlock()
	}
}

func (s *Subscription) Events() <-chan AlertEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.userID, s.id)
	})
}
