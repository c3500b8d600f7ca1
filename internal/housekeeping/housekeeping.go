// Package housekeeping runs the periodic sweep the delivery core has no
// timers of its own for: expiring past-due messages across every
// known delivery client, on a plain ticker + stop-channel goroutine.
package housekeeping

import (
	"time"

	"github.com/nyxmq/broker/internal/delivery"
	"github.com/nyxmq/broker/internal/logger"
)

// SessionLister is the subset of the broker the housekeeping loop needs:
// enumerate every delivery client currently known, so it can expire each
// one in turn.
type SessionLister interface {
	ForEachDeliveryClient(fn func(client *delivery.Client))
}

// Expirer matches the one method of delivery.Engine the loop calls.
type Expirer interface {
	ExpireAllMessages(client *delivery.Client)
}

// Loop drives periodic expiry sweeps at interval until Stop is called.
type Loop struct {
	interval time.Duration
	sessions SessionLister
	expire   Expirer
	ticker   *time.Ticker
	stopCh   chan struct{}
}

// New builds a Loop and starts its goroutine immediately.
func New(interval time.Duration, sessions SessionLister, expire Expirer) *Loop {
	l := &Loop{
		interval: interval,
		sessions: sessions,
		expire:   expire,
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Stop halts the sweep goroutine.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.ticker.Stop()
}

func (l *Loop) run() {
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.ticker.C:
			l.sweep()
		}
	}
}

func (l *Loop) sweep() {
	count := 0
	l.sessions.ForEachDeliveryClient(func(client *delivery.Client) {
		l.expire.ExpireAllMessages(client)
		count++
	})
	logger.Printf("housekeeping: swept %d clients for expired messages", count)
}
