package notifyclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// reminders holds delay-based local notifications. They live only in this
// process and are never reported to the backend.
type reminders struct {
	log      *zap.Logger
	platform Platform

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newReminders(log *zap.Logger, platform Platform) *reminders {
	return &reminders{
		log:      log,
		platform: platform,
		timers:   make(map[string]*time.Timer),
	}
}

// ScheduleLocal presents n after delay and returns its id. An empty n.ID is
// replaced by a generated one; scheduling an existing id replaces it.
func (c *Client) ScheduleLocal(delay time.Duration, n Notification) string {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	c.reminders.schedule(delay, n)
	return n.ID
}

// CancelLocal drops a pending reminder. It reports whether one was pending.
func (c *Client) CancelLocal(id string) bool {
	return c.reminders.cancel(id)
}

// PendingLocal returns the number of reminders that have not fired yet.
func (c *Client) PendingLocal() int {
	c.reminders.mu.Lock()
	defer c.reminders.mu.Unlock()
	return len(c.reminders.timers)
}

func (r *reminders) schedule(delay time.Duration, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.timers[n.ID]; ok {
		previous.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		current, ok := r.timers[n.ID]
		if !ok || current != timer {
			r.mu.Unlock()
			return
		}
		delete(r.timers, n.ID)
		r.mu.Unlock()

		if err := r.platform.PresentLocal(context.Background(), n); err != nil {
			r.log.Warn("presenting local notification failed", zap.String("id", n.ID), zap.Error(err))
		}
	})
	r.timers[n.ID] = timer
}

func (r *reminders) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(r.timers, id)
	return true
}

func (r *reminders) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}
