// Package streaming implements the log stream hub that fans one task's
// normalized agent output out to any number of independent subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/events/bus"
	"github.com/delidev/core/internal/task/models"
)

const (
	// DefaultRingSize is the number of messages retained per task before the
	// oldest are overwritten.
	DefaultRingSize = 1024
	// DefaultIdleTimeout is how long a task's stream may sit with zero
	// subscribers and no publishes before the hub reclaims it.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultCleanupInterval is how often the hub sweeps for idle streams.
	DefaultCleanupInterval = 30 * time.Second

	subscriberBuffer = 256
)

// Hub fans out LogMessages per task_id through a bounded ring buffer so late
// subscribers can replay recent history and slow subscribers fall behind
// without blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream

	ringSize        int
	idleTimeout     time.Duration
	cleanupInterval time.Duration

	bus bus.EventBus
	log *logger.Logger
}

// NewHub builds a Hub. eventBus may be nil, in which case no broker bridge
// runs and the hub only serves in-process subscribers.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		streams:         make(map[string]*stream),
		ringSize:        DefaultRingSize,
		idleTimeout:     DefaultIdleTimeout,
		cleanupInterval: DefaultCleanupInterval,
		bus:             eventBus,
		log:             log.WithFields(zap.String("component", "streaming.hub")),
	}
}

// Run sweeps idle streams until ctx is cancelled. Callers run this in its own
// goroutine alongside the hub's lifetime.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Publish appends msg to its task's ring buffer and wakes any subscribers.
// It never blocks on a subscriber: a full per-subscriber channel just makes
// that subscriber fall behind, to be caught up (or told it lagged) on its own
// pump goroutine. Implements executor.Publisher.
func (h *Hub) Publish(ctx context.Context, msg *models.LogMessage) error {
	if msg.TaskID == "" {
		return fmt.Errorf("streaming: cannot publish a message with no task_id")
	}
	s := h.getOrCreateStream(msg.TaskID)
	s.append(msg)
	if h.bus != nil {
		go h.bridgePublish(msg)
	}
	return nil
}

// Subscribe starts streaming task_id's messages from cursor onward (0 for the
// full retained backlog). Callers must Close the returned Subscription.
func (h *Hub) Subscribe(taskID string, cursor int64) *Subscription {
	s := h.getOrCreateStream(taskID)
	sub := &Subscription{
		taskID: taskID,
		hub:    h,
		cursor: cursor,
		notify: make(chan struct{}, 1),
		out:    make(chan *models.LogMessage, subscriberBuffer),
		lagged: make(chan int, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.lastActive = time.Now()
	s.mu.Unlock()

	go sub.pump(s)
	sub.wake()
	return sub
}

func (h *Hub) getOrCreateStream(taskID string) *stream {
	h.mu.RLock()
	s, ok := h.streams[taskID]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[taskID]; ok {
		return s
	}
	s = newStream(h.ringSize)
	h.streams[taskID] = s
	return s
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.RLock()
	s, ok := h.streams[sub.taskID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (h *Hub) sweep() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for taskID, s := range h.streams {
		s.mu.Lock()
		idle := len(s.subs) == 0 && now.Sub(s.lastActive) > h.idleTimeout
		s.mu.Unlock()
		if idle {
			delete(h.streams, taskID)
		}
	}
}

// bridgePublish relays msg onto the broker as task:<task_id>:logs, best
// effort: a broker outage must never stall or fail local delivery.
func (h *Hub) bridgePublish(msg *models.LogMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}

	subject := fmt.Sprintf("task:%s:logs", msg.TaskID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := bus.NewEvent("log_message", "streaming.hub", data)
	if err := h.bus.Publish(ctx, subject, ev); err != nil {
		h.log.Warn("broker bridge publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// stream is one task's bounded ring buffer of LogMessages plus the set of
// subscribers currently tailing it.
type stream struct {
	mu         sync.Mutex
	buf        []*models.LogMessage
	cap        int
	start      int64 // sequence number of buf's oldest retained entry
	next       int64 // sequence number that will be assigned to the next append
	subs       map[*Subscription]struct{}
	lastActive time.Time
}

func newStream(capacity int) *stream {
	return &stream{
		buf:        make([]*models.LogMessage, 0, capacity),
		cap:        capacity,
		subs:       make(map[*Subscription]struct{}),
		lastActive: time.Now(),
	}
}

func (s *stream) append(msg *models.LogMessage) {
	s.mu.Lock()
	seq := s.next
	s.next++
	if len(s.buf) < s.cap {
		s.buf = append(s.buf, msg)
	} else {
		s.buf[int(seq%int64(s.cap))] = msg
		s.start = seq - int64(s.cap) + 1
	}
	s.lastActive = time.Now()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.wake()
	}
}

// read returns every retained message from cursor onward, the number of
// messages silently dropped because cursor had already fallen off the ring,
// and the cursor the caller should resume from next time.
func (s *stream) read(cursor int64) (msgs []*models.LogMessage, dropped int, newCursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor < s.start {
		dropped = int(s.start - cursor)
		cursor = s.start
	}
	full := len(s.buf) == s.cap
	for seq := cursor; seq < s.next; seq++ {
		idx := seq
		if full {
			idx = seq % int64(s.cap)
		}
		msgs = append(msgs, s.buf[idx])
	}
	return msgs, dropped, s.next
}

// Subscription is one subscriber's independent cursor into a task's stream.
type Subscription struct {
	taskID string
	hub    *Hub
	cursor int64

	notify chan struct{}
	out    chan *models.LogMessage
	lagged chan int
	done   chan struct{}

	closeOnce sync.Once
}

// Messages delivers backlog and then live messages in order.
func (sub *Subscription) Messages() <-chan *models.LogMessage { return sub.out }

// Lagged delivers a count each time this subscriber's cursor fell off the
// ring buffer before it could catch up.
func (sub *Subscription) Lagged() <-chan int { return sub.lagged }

// Done closes when the subscription has been closed, so callers pumping its
// channels elsewhere know to stop selecting on them.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Close stops the subscription's pump goroutine and removes it from its
// stream. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.hub.unsubscribe(sub)
	})
}

func (sub *Subscription) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump(s *stream) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
			msgs, dropped, newCursor := s.read(sub.cursor)
			sub.cursor = newCursor
			if dropped > 0 {
				select {
				case sub.lagged <- dropped:
				case <-sub.done:
					return
				default:
				}
			}
			for _, m := range msgs {
				select {
				case sub.out <- m:
				case <-sub.done:
					return
				}
			}
		}
	}
}
