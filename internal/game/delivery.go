package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Target addresses a delivery: a whole room, the admin channel, or a
// single player within a room.
type Target struct {
	Room     string
	PlayerID string
	Admin    bool
}

// Sender performs one delivery attempt. The hub implements this.
type Sender interface {
	Deliver(target Target, event Event) error
}

// SendOptions tune one message's delivery guarantees.
type SendOptions struct {
	Critical   bool
	Timeout    time.Duration
	MaxRetries int
}

type pendingMessage struct {
	id          string
	target      Target
	event       Event
	createdAt   time.Time
	lastAttempt time.Time
	retryCount  int
	maxRetries  int
	timeout     time.Duration
	critical    bool
}

// Delivery guarantees a message is eventually acknowledged by its
// recipients, with bounded retry. It guarantees eventual delivery, not
// ordering: consumers treat events as idempotent snapshots.
type Delivery struct {
	sender     Sender
	clock      quartz.Clock
	timeout    time.Duration
	maxRetries int
	maxPending int

	mu      sync.Mutex
	pending map[string]*pendingMessage
}

func NewDelivery(sender Sender, clock quartz.Clock, timeout time.Duration, maxRetries, maxPending int) *Delivery {
	return &Delivery{
		sender:     sender,
		clock:      clock,
		timeout:    timeout,
		maxRetries: maxRetries,
		maxPending: maxPending,
		pending:    make(map[string]*pendingMessage),
	}
}

// Send attempts immediate delivery and records a pending entry that the
// retry loop resends until acknowledged or exhausted.
func (d *Delivery) Send(target Target, event Event, opts SendOptions) string {
	if opts.Timeout <= 0 {
		opts.Timeout = d.timeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = d.maxRetries
	}
	if opts.Critical {
		opts.MaxRetries *= 2
	}

	now := d.clock.Now()
	msg := &pendingMessage{
		id:          uuid.NewString(),
		target:      target,
		createdAt:   now,
		lastAttempt: now,
		maxRetries:  opts.MaxRetries,
		timeout:     opts.Timeout,
		critical:    opts.Critical,
	}
	event.MessageID = msg.id
	msg.event = event

	d.mu.Lock()
	d.pending[msg.id] = msg
	d.evictOverflowLocked()
	d.mu.Unlock()

	if err := d.sender.Deliver(target, event); err != nil {
		log.WithError(err).WithField("message_id", msg.id).Warn("initial delivery attempt failed")
	}
	return msg.id
}

// Acknowledge removes a pending entry. An unknown id is a no-op: the
// message was already retried out, reaped, or this is a duplicate ack.
func (d *Delivery) Acknowledge(messageID string) {
	d.mu.Lock()
	delete(d.pending, messageID)
	d.mu.Unlock()
}

// PendingCount reports the number of unacknowledged messages.
func (d *Delivery) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run drives the retry and reaper loops until the context is cancelled.
func (d *Delivery) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.retryPending()
			d.reap()
		}
	}
}

func (d *Delivery) retryPending() {
	now := d.clock.Now()

	var due, exhausted []*pendingMessage
	d.mu.Lock()
	for _, msg := range d.pending {
		if now.Sub(msg.lastAttempt) < msg.timeout {
			continue
		}
		if msg.retryCount >= msg.maxRetries {
			delete(d.pending, msg.id)
			exhausted = append(exhausted, msg)
			continue
		}
		msg.retryCount++
		msg.lastAttempt = now
		due = append(due, msg)
	}
	d.mu.Unlock()

	for _, msg := range due {
		if err := d.sender.Deliver(msg.target, msg.event); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"message_id": msg.id,
				"retry":      msg.retryCount,
			}).Warn("delivery retry failed")
		}
	}
	for _, msg := range exhausted {
		log.WithFields(log.Fields{
			"message_id": msg.id,
			"event":      msg.event.Type,
			"retries":    msg.retryCount,
			"critical":   msg.critical,
		}).Error("message dropped after exhausting retries")
	}
}

// reap drops entries past 5x their timeout regardless of retry count and
// enforces the pending cap.
func (d *Delivery) reap() {
	now := d.clock.Now()

	d.mu.Lock()
	for id, msg := range d.pending {
		if now.Sub(msg.createdAt) > 5*msg.timeout {
			delete(d.pending, id)
			log.WithFields(log.Fields{
				"message_id": id,
				"event":      msg.event.Type,
			}).Warn("stale pending message reaped")
		}
	}
	d.evictOverflowLocked()
	d.mu.Unlock()
}

func (d *Delivery) evictOverflowLocked() {
	if d.maxPending <= 0 || len(d.pending) <= d.maxPending {
		return
	}
	msgs := make([]*pendingMessage, 0, len(d.pending))
	for _, msg := range d.pending {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].createdAt.Before(msgs[j].createdAt)
	})
	for _, msg := range msgs[:len(msgs)-d.maxPending] {
		delete(d.pending, msg.id)
		log.WithField("message_id", msg.id).Warn("pending message evicted, cap reached")
	}
}
