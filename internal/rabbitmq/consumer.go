package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consume reads deliveries until the broker consumer goes away.
func (s *Subscription) consume(tag string, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		s.onMessage(delivery)
	}
	s.logger.Debug("delivery channel closed", "consumerTag", tag)
}

// onMessage acknowledges the delivery and hands it to every subscription of
// the delivery's exchange whose pattern matches the routing key. All
// subscriptions share one queue, so the consumer that receives a message is
// not necessarily the one it was bound for.
func (s *Subscription) onMessage(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		s.logger.Error("failed to ack message",
			"error", err,
			"deliveryTag", delivery.DeliveryTag)
	}

	e := s.exchange
	if delivery.Exchange != "" && delivery.Exchange != e.name {
		if other := e.manager.exchange(delivery.Exchange); other != nil {
			e = other
		} else {
			s.logger.Debug("delivery for unknown exchange dropped",
				"deliveryExchange", delivery.Exchange,
				"routingKey", delivery.RoutingKey)
			return
		}
	}

	targets := e.matching(delivery.RoutingKey)
	if len(targets) == 0 {
		s.logger.Debug("no subscription matches delivery",
			"deliveryExchange", e.name,
			"routingKey", delivery.RoutingKey)
		return
	}

	for _, target := range targets {
		target.dispatch(delivery.RoutingKey, delivery.Body)
	}
}

// dispatch runs the consumer callback, containing errors and panics.
func (s *Subscription) dispatch(routingKey string, body []byte) {
	metrics := s.exchange.manager.metrics
	metrics.Deliveries.WithLabelValues(s.exchange.name).Inc()

	if err := s.invoke(routingKey, body); err != nil {
		metrics.ConsumerErrors.WithLabelValues(s.exchange.name).Inc()
		s.logger.Error("consumer failed to handle message",
			"error", &ConsumerError{
				Exchange:    s.exchange.name,
				Pattern:     s.pattern,
				ConsumerTag: s.ConsumerTag(),
				Op:          "handle",
				Err:         err,
				Timestamp:   time.Now(),
			},
			"routingKey", routingKey)
	}
}

func (s *Subscription) invoke(routingKey string, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in consumer: %v", r)
		}
	}()
	return s.consumer(routingKey, body)
}
