// Package msg is a small topic-based publish/subscribe fabric connecting
// the poller and transport to the telemetry datastream.
package msg

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Topic partitions the message stream.
type Topic string

// Constants of Topic
const (
	Status    Topic = "status"    // connection state transitions
	Telemetry Topic = "telemetry" // register value snapshots
)

// Publisher is an interface for objects that allow subscription to their events
type Publisher interface {
	Subscribe(uuid.UUID, Topic) (<-chan Msg, error)
	Unsubscribe(uuid.UUID, Topic)
}

// Msg is a single published event.
type Msg struct {
	sender  uuid.UUID
	topic   Topic
	payload interface{}
}

// New is the Msg factory function.
func New(sender uuid.UUID, topic Topic, payload interface{}) Msg {
	return Msg{sender, topic, payload}
}

// PID returns the sender's PID.
func (m Msg) PID() uuid.UUID {
	return m.sender
}

// Topic returns the message topic.
func (m Msg) Topic() Topic {
	return m.topic
}

// Payload returns the message data.
func (m Msg) Payload() interface{} {
	return m.payload
}

// PubSub fans published messages out to subscribers. Slow subscribers drop
// messages rather than block the publisher.
type PubSub struct {
	mu     sync.Mutex
	pid    uuid.UUID
	subs   map[Topic]map[uuid.UUID]chan Msg
	closed bool
}

// NewPubSub is the PubSub factory function.
func NewPubSub(pid uuid.UUID) *PubSub {
	return &PubSub{
		pid:  pid,
		subs: make(map[Topic]map[uuid.UUID]chan Msg),
	}
}

// Subscribe registers pid for a topic and returns its delivery channel.
func (p *PubSub) Subscribe(pid uuid.UUID, topic Topic) (<-chan Msg, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("msg: pubsub stopped")
	}
	if p.subs[topic] == nil {
		p.subs[topic] = make(map[uuid.UUID]chan Msg)
	}
	if _, ok := p.subs[topic][pid]; ok {
		return nil, errors.New("msg: pid already subscribed to topic")
	}
	ch := make(chan Msg, 50)
	p.subs[topic][pid] = ch
	return ch, nil
}

// Unsubscribe drops pid's subscription and closes its channel.
func (p *PubSub) Unsubscribe(pid uuid.UUID, topic Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[topic][pid]; ok {
		close(ch)
		delete(p.subs[topic], pid)
	}
}

// Publish delivers payload to every subscriber of the topic. Never blocks.
func (p *PubSub) Publish(topic Topic, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	m := New(p.pid, topic, payload)
	for _, ch := range p.subs[topic] {
		select {
		case ch <- m:
		default:
		}
	}
}

// Stop closes all subscriber channels.
func (p *PubSub) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, subs := range p.subs {
		for pid, ch := range subs {
			close(ch)
			delete(subs, pid)
		}
	}
}
