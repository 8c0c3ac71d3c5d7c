// Package topology owns the broker layout: the live and dead-letter exchanges
// and the per-stage work and dead-letter queues.
package topology

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/internal/envelope"
)

const (
	Exchange           = "orders"
	DeadLetterExchange = "orders.dlx"
	ExchangeKind       = amqp.ExchangeTopic
)

// Stage describes one consumer in the chain.
type Stage struct {
	Name       string
	Queue      string
	BindingKey envelope.Type
	PublishKey envelope.Type
	DeadKey    string
}

// DeadLetterQueue is the durable queue receiving this stage's refused messages.
func (s Stage) DeadLetterQueue() string {
	return s.Queue + ".dlq"
}

// QueueArgs routes refused deliveries to the dead-letter exchange.
func (s Stage) QueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": s.DeadKey,
	}
}

var (
	Payment = Stage{
		Name:       "payment",
		Queue:      "q.payment",
		BindingKey: envelope.OrderCreated,
		PublishKey: envelope.PaymentAuthorized,
		DeadKey:    "payment.dead",
	}
	Inventory = Stage{
		Name:       "inventory",
		Queue:      "q.inventory",
		BindingKey: envelope.PaymentAuthorized,
		PublishKey: envelope.InventoryReserved,
		DeadKey:    "inventory.dead",
	}
	Shipping = Stage{
		Name:       "shipping",
		Queue:      "q.shipping",
		BindingKey: envelope.InventoryReserved,
		PublishKey: envelope.ShippingReady,
		DeadKey:    "shipping.dead",
	}
)

// Stages returns the consuming stages in chain order.
func Stages() []Stage {
	return []Stage{Payment, Inventory, Shipping}
}

// Lookup finds a stage by name.
func Lookup(name string) (Stage, error) {
	for _, s := range Stages() {
		if s.Name == name {
			return s, nil
		}
	}
	return Stage{}, fmt.Errorf("unknown stage %q (want payment, inventory or shipping)", name)
}

// Declarer is the part of a broker channel needed to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareExchanges declares the live and dead-letter exchanges.
func DeclareExchanges(ch Declarer) error {
	for _, name := range []string{Exchange, DeadLetterExchange} {
		if err := ch.ExchangeDeclare(name, ExchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// Declare idempotently declares both exchanges plus the queues and bindings of
// the given stages. Redeclaring with different properties returns the broker's
// precondition error.
func Declare(ch Declarer, stages ...Stage) error {
	if err := DeclareExchanges(ch); err != nil {
		return err
	}
	for _, s := range stages {
		if err := declareStage(ch, s); err != nil {
			return fmt.Errorf("stage %s: %w", s.Name, err)
		}
	}
	return nil
}

func declareStage(ch Declarer, s Stage) error {
	if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, s.QueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.Queue, err)
	}
	if err := ch.QueueBind(s.Queue, string(s.BindingKey), Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", s.Queue, err)
	}

	dlq := s.DeadLetterQueue()
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, s.DeadKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}
	return nil
}
