// Package sysinfo periodically republishes broker statistics under the
// $SYS topic tree, using the delivery core's EasyQueue convenience path —
// the same entry point will-message dispatch uses, since neither caller
// needs to touch MessageStore directly.
package sysinfo

import (
	"errors"
	"fmt"
	"time"

	"github.com/nyxmq/broker/internal/delivery"
	"github.com/nyxmq/broker/internal/logger"
	"github.com/nyxmq/broker/internal/packet"
	"github.com/nyxmq/broker/pkg/er"
)

// Counters is the subset of broker state the publisher reports. Implemented
// by the broker so sysinfo stays decoupled from its session map internals.
type Counters interface {
	ConnectedClientCount() int
	RetainedMessageCount() int
}

// Publisher periodically queues $SYS messages reporting broker statistics.
type Publisher struct {
	engine   *delivery.Engine
	matcher  delivery.Matcher
	counters Counters
	interval time.Duration
	started  time.Time
	ticker   *time.Ticker
	stopCh   chan struct{}
}

// New builds a Publisher and starts its goroutine immediately.
func New(engine *delivery.Engine, matcher delivery.Matcher, counters Counters, interval time.Duration) *Publisher {
	p := &Publisher{
		engine:   engine,
		matcher:  matcher,
		counters: counters,
		interval: interval,
		started:  time.Now(),
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Stop halts the publisher goroutine.
func (p *Publisher) Stop() {
	close(p.stopCh)
	p.ticker.Stop()
}

func (p *Publisher) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.publishAll()
		}
	}
}

func (p *Publisher) publishAll() {
	p.publish("$SYS/broker/uptime", fmt.Sprintf("%d", int64(time.Since(p.started).Seconds())))
	p.publish("$SYS/broker/clients/connected", fmt.Sprintf("%d", p.counters.ConnectedClientCount()))
	p.publish("$SYS/broker/messages/retained/count", fmt.Sprintf("%d", p.counters.RetainedMessageCount()))
}

func (p *Publisher) publish(topic, payload string) {
	// No subscribers is expected whenever nobody has subscribed to $SYS
	// yet; don't log it as a failure every tick.
	err := p.engine.EasyQueue("", topic, packet.QoSAtMostOnce, []byte(payload), true, 0, nil, p.matcher)
	if err != nil && !errors.Is(err, er.ErrNoSubscribers) {
		logger.Printf("sysinfo: publish %s: %v", topic, err)
	}
}
