package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Consumer receives the routing key and body of every message delivered to
// a subscription. A returned error is logged; it does not stop delivery.
type Consumer func(routingKey string, body []byte) error

// SubscriptionState is the lifecycle state of a Subscription
type SubscriptionState int

const (
	StateIdle SubscriptionState = iota
	StateInitializing
	StateActive
	StateShuttingDown
)

// String returns a string representation of the state
func (s SubscriptionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Subscription binds the session queue to its exchange with one
// routing-key pattern and consumes from it. Setup and shutdown never
// overlap: each waits for the other to finish.
type Subscription struct {
	pattern  string
	exchange *Exchange
	consumer Consumer
	logger   *slog.Logger

	mu              sync.Mutex
	consumerTag     string
	session         *Session
	pendingInit     *future
	pendingShutdown *future

	// guarded by exchange.mu
	removing bool
}

func newSubscription(e *Exchange, pattern string, consumer Consumer) *Subscription {
	return &Subscription{
		pattern:  pattern,
		exchange: e,
		consumer: consumer,
		logger:   e.logger.With("pattern", pattern),
	}
}

// Pattern returns the routing-key pattern
func (s *Subscription) Pattern() string {
	return s.pattern
}

// ConsumerTag returns the tag of the active broker consumer, if any
func (s *Subscription) ConsumerTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerTag
}

// State reports where the subscription is in its lifecycle
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.pendingShutdown != nil:
		return StateShuttingDown
	case s.pendingInit == nil:
		return StateIdle
	case s.pendingInit.resolved():
		return StateActive
	default:
		return StateInitializing
	}
}

// Info returns a snapshot of the subscription
func (s *Subscription) Info() SubscriptionInfo {
	return SubscriptionInfo{
		Exchange:    s.exchange.name,
		Pattern:     s.pattern,
		State:       s.State(),
		ConsumerTag: s.ConsumerTag(),
	}
}

// setup binds and starts consuming. Callers arriving while a setup is in
// flight or done share its result; callers arriving during a shutdown wait
// for it before starting over.
func (s *Subscription) setup(ctx context.Context) error {
	for {
		s.mu.Lock()
		if sh := s.pendingShutdown; sh != nil {
			s.mu.Unlock()
			select {
			case <-sh.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if f := s.pendingInit; f != nil {
			s.mu.Unlock()
			return f.wait(ctx)
		}
		f := newFuture()
		s.pendingInit = f
		s.mu.Unlock()

		go s.runSetup(f)
		return f.wait(ctx)
	}
}

func (s *Subscription) runSetup(f *future) {
	err := s.bind()

	s.mu.Lock()
	if err != nil && s.pendingInit == f {
		s.pendingInit = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("subscription setup failed", "error", err)
	}
	f.resolve(err)
}

func (s *Subscription) bind() error {
	cm := s.exchange.manager
	sess, err := cm.EnsureConnected(cm.ctx)
	if err != nil {
		return err
	}

	ch := sess.Channel()
	if err := bindQueue(ch, s.binding(sess.Queue())); err != nil {
		return err
	}

	tag := newConsumerTag()
	s.mu.Lock()
	s.consumerTag = tag
	s.session = sess
	s.mu.Unlock()

	deliveries, err := ch.Consume(
		sess.Queue(),
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		s.mu.Lock()
		if s.consumerTag == tag {
			s.consumerTag = ""
			s.session = nil
		}
		s.mu.Unlock()
		return &ConsumerError{
			Exchange:    s.exchange.name,
			Pattern:     s.pattern,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	go s.consume(tag, deliveries)

	s.logger.Info("subscribed", "queue", sess.Queue(), "consumerTag", tag)
	return nil
}

// shutdown cancels the consumer and removes the binding. It is a no-op if
// the subscription was never set up, and it does not wait for a shutdown
// that is already running.
func (s *Subscription) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.pendingInit == nil || s.pendingShutdown != nil {
		s.mu.Unlock()
		return nil
	}
	init := s.pendingInit
	f := newFuture()
	s.pendingShutdown = f
	s.mu.Unlock()

	go s.runShutdown(init, f)
	return f.wait(ctx)
}

func (s *Subscription) runShutdown(init, f *future) {
	var err error
	if initErr := init.wait(context.Background()); initErr == nil {
		err = s.unbind()
	}

	s.mu.Lock()
	s.pendingShutdown = nil
	if s.pendingInit == init {
		s.pendingInit = nil
	}
	s.consumerTag = ""
	s.session = nil
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("subscription shutdown failed", "error", err)
	}
	f.resolve(err)
}

func (s *Subscription) unbind() error {
	s.mu.Lock()
	sess, tag := s.session, s.consumerTag
	s.mu.Unlock()

	// The consumer and binding died with their channel.
	if sess == nil || sess.Channel().IsClosed() || !s.exchange.manager.isCurrent(sess) {
		s.logger.Debug("session gone, nothing to tear down")
		return nil
	}

	ch := sess.Channel()
	if tag != "" {
		if err := ch.Cancel(tag, false); err != nil {
			return &ConsumerError{
				Exchange:    s.exchange.name,
				Pattern:     s.pattern,
				ConsumerTag: tag,
				Op:          "cancel",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	if err := unbindQueue(ch, s.binding(sess.Queue())); err != nil {
		return err
	}

	s.logger.Info("unsubscribed", "consumerTag", tag)
	return nil
}

// rebindAfterReconnection discards the binding made on the old session and
// sets up again. A setup already running is awaited first; if it bound on
// the current session there is nothing left to do.
func (s *Subscription) rebindAfterReconnection(ctx context.Context) error {
	s.mu.Lock()
	f := s.pendingInit
	s.mu.Unlock()

	if f != nil && !f.resolved() {
		if err := f.wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if f != nil && sess != nil && s.exchange.manager.isCurrent(sess) {
		return nil
	}

	s.mu.Lock()
	if s.pendingInit == f {
		s.pendingInit = nil
		s.consumerTag = ""
		s.session = nil
	}
	s.mu.Unlock()

	return s.setup(ctx)
}

// onConsumerCancelled handles a basic.cancel sent by the broker. The
// subscription drops back to idle; the next Subscribe for its pattern binds
// it again.
func (s *Subscription) onConsumerCancelled() {
	s.mu.Lock()
	if s.pendingShutdown != nil {
		s.mu.Unlock()
		return
	}
	tag := s.consumerTag
	s.pendingInit = nil
	s.consumerTag = ""
	s.session = nil
	s.mu.Unlock()

	s.logger.Warn("consumer cancelled by broker",
		"consumerTag", tag,
		"error", ErrConsumerCancelled)
}

// release drops all state; the subscription is no longer reachable.
func (s *Subscription) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingInit = nil
	s.consumerTag = ""
	s.session = nil
}

func (s *Subscription) binding(queue string) Binding {
	return Binding{
		Queue:      queue,
		Exchange:   s.exchange.name,
		RoutingKey: s.pattern,
	}
}

func newConsumerTag() string {
	return "mmate-worker-" + uuid.NewString()
}
