package memory

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is an AMQP-style channel on a memory Connection. It satisfies
// transport.Channel and amqp.Acknowledger.
type Channel struct {
	broker    *Broker
	conn      *Connection
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer
}

type inflight struct {
	queue    *queue
	env      *envelope
	consumer *consumer
}

type consumer struct {
	tag        string
	queue      *queue
	ch         *Channel
	autoAck    bool
	prefetch   int
	inFlight   int
	cancelled  bool
	done       chan struct{}
	deliveries chan amqp.Delivery
}

// exceptionLocked closes the channel the way a broker does on a channel-level
// error and returns that error.
func (c *Channel) exceptionLocked(err *amqp.Error) error {
	c.closeLocked()
	return err
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if name == "" {
		return c.exceptionLocked(&amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange", Server: true})
	}
	switch kind {
	case amqp.ExchangeTopic, amqp.ExchangeDirect, amqp.ExchangeFanout:
	default:
		return c.exceptionLocked(&amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind), Server: true})
	}

	if ex, ok := b.exchanges[name]; ok {
		switch {
		case ex.kind != kind:
			return c.exceptionLocked(preconditionFailed("inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, ex.kind))
		case ex.durable != durable:
			return c.exceptionLocked(preconditionFailed("inequivalent arg 'durable' for exchange '%s' in vhost '/': received '%t' but current is '%t'", name, durable, ex.durable))
		case ex.autoDelete != autoDelete:
			return c.exceptionLocked(preconditionFailed("inequivalent arg 'auto_delete' for exchange '%s' in vhost '/'", name))
		case ex.internal != internal:
			return c.exceptionLocked(preconditionFailed("inequivalent arg 'internal' for exchange '%s' in vhost '/'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{
		name:       name,
		kind:       kind,
		durable:    durable,
		autoDelete: autoDelete,
		internal:   internal,
	}
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = generatedName("amq.gen-")
	}

	if q, ok := b.queues[name]; ok {
		switch {
		case q.durable != durable:
			return amqp.Queue{}, c.exceptionLocked(preconditionFailed("inequivalent arg 'durable' for queue '%s' in vhost '/': received '%t' but current is '%t'", name, durable, q.durable))
		case q.autoDelete != autoDelete:
			return amqp.Queue{}, c.exceptionLocked(preconditionFailed("inequivalent arg 'auto_delete' for queue '%s' in vhost '/'", name))
		case q.exclusive != exclusive:
			return amqp.Queue{}, c.exceptionLocked(preconditionFailed("inequivalent arg 'exclusive' for queue '%s' in vhost '/'", name))
		}
		if key, differs := inequivalentArg(q.args, args); differs {
			return amqp.Queue{}, c.exceptionLocked(preconditionFailed("inequivalent arg '%s' for queue '%s' in vhost '/'", key, name))
		}
		return queueInfo(q), nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       cloneTable(args),
	}
	b.queues[name] = q
	return queueInfo(q), nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, c.exceptionLocked(notFound("queue", name))
	}
	return queueInfo(q), nil
}

func (c *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return c.exceptionLocked(notFound("queue", name))
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return c.exceptionLocked(notFound("exchange", exchangeName))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

func (c *Channel) QueuePurge(name string, noWait bool) (int, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return 0, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, c.exceptionLocked(notFound("queue", name))
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

// Qos sets the prefetch window for consumers started afterwards on this channel.
func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if prefetchCount < 0 {
		return fmt.Errorf("memory: negative prefetch count %d", prefetchCount)
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, c.exceptionLocked(notFound("queue", queueName))
	}
	if consumerTag == "" {
		consumerTag = generatedName("ctag-")
	}
	if _, dup := c.consumers[consumerTag]; dup {
		return nil, c.exceptionLocked(&amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag), Server: true})
	}

	cs := &consumer{
		tag:        consumerTag,
		queue:      q,
		ch:         c,
		autoAck:    autoAck,
		prefetch:   c.prefetch,
		done:       make(chan struct{}),
		deliveries: make(chan amqp.Delivery),
	}
	c.consumers[consumerTag] = cs
	q.consumers++

	go cs.run()
	return cs.deliveries, nil
}

func (c *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return amqp.Delivery{}, false, c.exceptionLocked(notFound("queue", queueName))
	}
	if len(q.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}

	env := q.ready[0]
	q.ready = q.ready[1:]
	tag := c.trackLocked(q, env, nil, autoAck)

	d := c.deliveryLocked(env, tag, "")
	d.MessageCount = uint32(len(q.ready))
	return d, true, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if err := b.routeLocked(exchangeName, key, msg); err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok {
			return c.exceptionLocked(amqpErr)
		}
		return err
	}
	return nil
}

// Close closes the channel. Its consumers stop and unacknowledged deliveries
// are requeued as redelivered.
func (c *Channel) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Channel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true

	for _, cs := range c.consumers {
		cs.cancelLocked()
	}
	c.requeueLocked(c.sortedTags(func(uint64) bool { return true }))
	delete(c.conn.channels, c)
	c.broker.cond.Broadcast()
}

// Ack acknowledges one delivery, or every outstanding delivery up to tag when
// multiple is set.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	return c.settle(tag, multiple, func(q *queue, env *envelope) {})
}

// Nack refuses deliveries. Without requeue they are dead-lettered.
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		b := c.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if c.closed {
			return amqp.ErrClosed
		}
		tags, err := c.selectLocked(tag, multiple)
		if err != nil {
			return err
		}
		c.requeueLocked(tags)
		return nil
	}
	return c.settle(tag, multiple, func(q *queue, env *envelope) {
		c.broker.deadLetterLocked(q, env, "rejected")
	})
}

// Reject refuses a single delivery.
func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

func (c *Channel) settle(tag uint64, multiple bool, dispose func(*queue, *envelope)) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	tags, err := c.selectLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		in := c.forgetLocked(t)
		dispose(in.queue, in.env)
	}
	b.cond.Broadcast()
	return nil
}

func (c *Channel) selectLocked(tag uint64, multiple bool) ([]uint64, error) {
	var tags []uint64
	if multiple {
		tags = c.sortedTags(func(t uint64) bool { return t <= tag })
	} else if _, ok := c.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		return nil, c.exceptionLocked(preconditionFailed("unknown delivery tag %d", tag))
	}
	return tags, nil
}

// requeueLocked returns the given deliveries to their queues in tag order.
func (c *Channel) requeueLocked(tags []uint64) {
	for i := len(tags) - 1; i >= 0; i-- {
		in := c.forgetLocked(tags[i])
		c.broker.requeueLocked(in.queue, in.env)
	}
}

func (c *Channel) forgetLocked(tag uint64) *inflight {
	in := c.unacked[tag]
	delete(c.unacked, tag)
	if in.consumer != nil {
		in.consumer.inFlight--
	}
	return in
}

func (c *Channel) sortedTags(keep func(uint64) bool) []uint64 {
	tags := make([]uint64, 0, len(c.unacked))
	for t := range c.unacked {
		if keep(t) {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func (c *Channel) trackLocked(q *queue, env *envelope, cs *consumer, autoAck bool) uint64 {
	c.nextTag++
	tag := c.nextTag
	if !autoAck {
		c.unacked[tag] = &inflight{queue: q, env: env, consumer: cs}
		if cs != nil {
			cs.inFlight++
		}
	}
	return tag
}

func (c *Channel) deliveryLocked(env *envelope, tag uint64, consumerTag string) amqp.Delivery {
	pub := clonePublishing(env.pub)
	return amqp.Delivery{
		Acknowledger:    c,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     env.redelivered,
		Exchange:        env.exchange,
		RoutingKey:      env.routingKey,
		Body:            pub.Body,
	}
}

func (cs *consumer) cancelLocked() {
	if cs.cancelled {
		return
	}
	cs.cancelled = true
	cs.queue.consumers--
	close(cs.done)
}

// run feeds deliveries to the consumer while it has prefetch capacity.
func (cs *consumer) run() {
	defer close(cs.deliveries)
	for {
		d, env, ok := cs.next()
		if !ok {
			return
		}
		select {
		case cs.deliveries <- d:
		case <-cs.done:
			cs.undeliver(d.DeliveryTag, env)
			return
		}
	}
}

func (cs *consumer) next() (amqp.Delivery, *envelope, bool) {
	b := cs.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if cs.cancelled {
			return amqp.Delivery{}, nil, false
		}
		q := cs.queue
		hasCapacity := cs.autoAck || cs.prefetch == 0 || cs.inFlight < cs.prefetch
		if len(q.ready) > 0 && hasCapacity {
			env := q.ready[0]
			q.ready = q.ready[1:]
			tag := cs.ch.trackLocked(q, env, cs, cs.autoAck)
			return cs.ch.deliveryLocked(env, tag, cs.tag), env, true
		}
		b.cond.Wait()
	}
}

// undeliver returns a message that was taken from the queue but never handed
// to the consumer.
func (cs *consumer) undeliver(tag uint64, env *envelope) {
	b := cs.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if cs.autoAck {
		b.requeueLocked(cs.queue, env)
		return
	}
	if _, ok := cs.ch.unacked[tag]; ok {
		cs.ch.requeueLocked([]uint64{tag})
	}
}

func queueInfo(q *queue) amqp.Queue {
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: q.consumers}
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
