// Package memrelay is an in-process pub/sub broker. Each Transport it hands
// out behaves like one process connected to a shared broker, which is enough
// to run several buses side by side in tests or in a single binary.
package memrelay

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrClosed = errors.New("memrelay: transport closed")

type message struct {
	channel string
	payload []byte
}

type subscription struct {
	pattern string
	handler func(channel string, payload []byte)
	queue   chan message
	done    chan struct{}
}

type Broker struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscription]struct{})}
}

func (b *Broker) publish(channel string, payload []byte) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		if matches(sub.pattern, channel) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.queue <- message{channel: channel, payload: append([]byte(nil), payload...)}:
		case <-sub.done:
		}
	}
}

func matches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// Transport returns a new connection to the broker.
func (b *Broker) Transport() *Transport {
	return &Transport{broker: b}
}

type Transport struct {
	broker *Broker
	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.broker.publish(channel, payload)
	return nil
}

// Subscribe delivers matching messages to handler, one at a time and in
// publish order, until ctx ends or the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	sub := &subscription{
		pattern: pattern,
		handler: handler,
		queue:   make(chan message, 256),
		done:    make(chan struct{}),
	}
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	t.broker.mu.Lock()
	t.broker.subs[sub] = struct{}{}
	t.broker.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.drop(sub)
				return
			case <-sub.done:
				return
			case m := <-sub.queue:
				sub.handler(m.channel, m.payload)
			}
		}
	}()
	return nil
}

func (t *Transport) drop(sub *subscription) {
	t.broker.mu.Lock()
	if _, ok := t.broker.subs[sub]; ok {
		delete(t.broker.subs, sub)
		close(sub.done)
	}
	t.broker.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		t.drop(sub)
	}
	return nil
}
