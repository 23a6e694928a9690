package bus

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpDelivery adapts a broker delivery to the Delivery interface. The
// broker owns the message until exactly one of Ack or Nack is called.
type amqpDelivery struct {
	d amqp.Delivery
}

func (a *amqpDelivery) Body() []byte {
	return a.d.Body
}

func (a *amqpDelivery) Ack() error {
	return a.d.Ack(false)
}

func (a *amqpDelivery) Nack(requeue bool) error {
	return a.d.Nack(false, requeue)
}
