// Package bus is the pub/sub fabric between nodes: one topic per nickname
// and per channel, carried over NSQ. Readers use a consumer channel named
// after this node, so every node holds its own cursor on every topic it
// follows; envelopes published by this node are filtered out on receipt.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/errdefs"
	"github.com/ircmesh/ircmesh/internal/proto"
)

// LookupdPollInterval is how often consumers re-discover producers.
const LookupdPollInterval = 15 * time.Second

// Handler consumes one decoded envelope. A nil return acknowledges the
// message; an error requeues it.
type Handler func(env *proto.Envelope) error

// Bus owns the long-lived writers and the per-topic readers of one node.
type Bus struct {
	node     string
	lookupd  *LookupdClient
	lookupds []string

	producers []*nsq.Producer
	next      uint64
	done      chan *nsq.ProducerTransaction

	mu        sync.Mutex
	consumers map[string]*nsq.Consumer
	closed    bool
}

// New connects writers to every configured nsqd and prepares reader
// discovery through the given lookupds.
func New(node string, nsqds, lookupds []string) (*Bus, error) {
	b := &Bus{
		node:      node,
		lookupd:   NewLookupdClient(lookupds),
		lookupds:  lookupds,
		done:      make(chan *nsq.ProducerTransaction, 64),
		consumers: map[string]*nsq.Consumer{},
	}

	cfg := nsq.NewConfig()
	for _, addr := range nsqds {
		p, err := nsq.NewProducer(addr, cfg)
		if err != nil {
			b.Close()
			return nil, errors.Wrapf(errdefs.ErrBusUnavailable, "producer %s: %v", addr, err)
		}
		p.SetLogger(nsqLogger{}, nsq.LogLevelWarning)
		b.producers = append(b.producers, p)
	}
	if len(b.producers) == 0 {
		return nil, errors.Wrap(errdefs.ErrBusUnavailable, "no nsqd addresses")
	}

	go b.drain()

	log.Infof("BUS: node %s writing to %d nsqd(s), discovering via %v", node, len(b.producers), lookupds)
	return b, nil
}

// Publish wraps body with this node's origin tag and sends it. Delivery
// is fire and forget: failures are logged, never returned to the caller.
func (b *Bus) Publish(topic string, body proto.Body) {
	frame, err := json.Marshal(proto.Envelope{Origin: b.node, MsgBody: body})
	if err != nil {
		log.Errorf("BUS: encode for %s: %v", topic, err)
		return
	}

	i := atomic.AddUint64(&b.next, 1)
	p := b.producers[i%uint64(len(b.producers))]
	if err := p.PublishAsync(topic, frame, b.done, topic); err != nil {
		log.Errorf("BUS: publish to %s: %v", topic, err)
	}
}

// drain reports failed publish transactions.
func (b *Bus) drain() {
	for t := range b.done {
		if t.Error != nil {
			log.Errorf("BUS: publish to %v failed: %v", t.Args, t.Error)
		}
	}
}

// Subscribe ensures the topic and this node's channel exist at the lookup
// layer, then starts a reader. Subscribing twice to a topic is a no-op.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Wrap(errdefs.ErrBusUnavailable, "bus closed")
	}
	if _, ok := b.consumers[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Registration failures are logged, not fatal: nsqd registers the
	// topic on first publish anyway, lookupd just learns it later.
	if err := b.lookupd.CreateTopic(topic); err != nil {
		log.Warnf("BUS: create topic %s: %v", topic, err)
	}
	if err := b.lookupd.CreateChannel(topic, b.node); err != nil {
		log.Warnf("BUS: create channel %s on %s: %v", b.node, topic, err)
	}

	cfg := nsq.NewConfig()
	cfg.LookupdPollInterval = LookupdPollInterval

	consumer, err := nsq.NewConsumer(topic, b.node, cfg)
	if err != nil {
		return errors.Wrapf(errdefs.ErrBusUnavailable, "consumer %s: %v", topic, err)
	}
	consumer.SetLogger(nsqLogger{}, nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		return b.dispatch(topic, handler, m)
	}))

	if err := consumer.ConnectToNSQLookupds(b.lookupds); err != nil {
		consumer.Stop()
		return errors.Wrapf(errdefs.ErrBusUnavailable, "connect %s: %v", topic, err)
	}

	b.mu.Lock()
	if existing, ok := b.consumers[topic]; ok && existing != nil {
		// Lost the race; keep the first reader.
		b.mu.Unlock()
		consumer.Stop()
		return nil
	}
	b.consumers[topic] = consumer
	b.mu.Unlock()

	log.Debugf("BUS: subscribed topic=%s channel=%s", topic, b.node)
	return nil
}

// dispatch decodes and filters one raw message before the handler sees
// it. Malformed frames and this node's own envelopes are acknowledged
// and dropped.
func (b *Bus) dispatch(topic string, handler Handler, m *nsq.Message) error {
	var env proto.Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		log.Warnf("BUS: drop on %s: %v", topic, errors.Wrapf(errdefs.ErrProtocolMismatch, "%v", err))
		return nil
	}
	if env.Origin == b.node {
		return nil
	}
	return handler(&env)
}

// Unsubscribe stops and forgets the topic's reader. The stop is
// asynchronous: an in-flight handler finishes on its own, and waiting
// for it here could wedge a handler that is itself tearing state down.
func (b *Bus) Unsubscribe(topic string) {
	b.mu.Lock()
	consumer, ok := b.consumers[topic]
	delete(b.consumers, topic)
	b.mu.Unlock()
	if !ok {
		return
	}

	consumer.Stop()
	log.Debugf("BUS: unsubscribed topic=%s", topic)
}

// Close stops every reader and writer.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	consumers := make([]*nsq.Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.consumers = map[string]*nsq.Consumer{}
	b.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	for _, c := range consumers {
		<-c.StopChan
	}
	for _, p := range b.producers {
		p.Stop()
	}
	close(b.done)
}

// nsqLogger forwards go-nsq's internal logging to the daemon log.
type nsqLogger struct{}

func (nsqLogger) Output(_ int, s string) error {
	log.Debug("BUS: ", s)
	return nil
}
