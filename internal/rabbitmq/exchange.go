package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Exchange is a broker fanout exchange plus the subscriptions bound to it,
// keyed by routing-key pattern.
type Exchange struct {
	name    string
	kind    ExchangeKind
	manager *ConnectionManager
	logger  *slog.Logger

	mu            sync.Mutex
	declared      *future
	subscriptions map[string]*Subscription
}

func newExchange(cm *ConnectionManager, name string) *Exchange {
	return &Exchange{
		name:          name,
		kind:          KindFanout,
		manager:       cm,
		logger:        cm.logger.With("exchange", name),
		subscriptions: make(map[string]*Subscription),
	}
}

// Name returns the exchange name
func (e *Exchange) Name() string {
	return e.name
}

// declare makes sure the exchange exists on the broker. Only one
// declaration runs at a time; a successful one is remembered until the next
// reconnect, a failed one is forgotten so the next caller retries.
func (e *Exchange) declare(ctx context.Context) error {
	e.mu.Lock()
	f := e.declared
	if f == nil {
		f = newFuture()
		e.declared = f
		go e.runDeclare(f)
	}
	e.mu.Unlock()

	return f.wait(ctx)
}

func (e *Exchange) runDeclare(f *future) {
	err := e.doDeclare()
	if err != nil {
		e.mu.Lock()
		if e.declared == f {
			e.declared = nil
		}
		e.mu.Unlock()
		e.logger.Error("failed to declare exchange", "error", err)
	}
	f.resolve(err)
}

func (e *Exchange) doDeclare() error {
	sess, err := e.manager.EnsureConnected(e.manager.ctx)
	if err != nil {
		return err
	}
	decl := workerExchange(e.name)
	decl.Kind = e.kind
	return declareExchange(sess.Channel(), decl)
}

// subscription returns the subscription for pattern, creating it with
// consumer if none exists. An existing subscription keeps its original
// consumer.
func (e *Exchange) subscription(pattern string, consumer Consumer) (*Subscription, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.subscriptions[pattern]; ok {
		s.removing = false
		return s, false
	}

	s := newSubscription(e, pattern, consumer)
	e.subscriptions[pattern] = s
	return s, true
}

// discard drops sub if it is still registered, idle and not being removed.
// It reports whether sub was dropped.
func (e *Exchange) discard(sub *Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subscriptions[sub.pattern] != sub || sub.removing || sub.State() != StateIdle {
		return false
	}
	delete(e.subscriptions, sub.pattern)
	return true
}

// addSubscription declares the exchange and brings sub up.
func (e *Exchange) addSubscription(ctx context.Context, sub *Subscription) error {
	if err := e.declare(ctx); err != nil {
		return err
	}
	return sub.setup(ctx)
}

// removeSubscription shuts the subscription for pattern down and drops it.
// It reports whether a subscription was dropped.
func (e *Exchange) removeSubscription(ctx context.Context, pattern string) (bool, error) {
	e.mu.Lock()
	sub, ok := e.subscriptions[pattern]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("unsubscribe from unknown pattern", "pattern", pattern)
		return false, nil
	}
	sub.removing = true
	e.mu.Unlock()

	err := sub.shutdown(ctx)

	e.mu.Lock()
	removed := false
	// A Subscribe for the same pattern during shutdown revives it.
	if e.subscriptions[pattern] == sub && sub.removing {
		delete(e.subscriptions, pattern)
		removed = true
	}
	e.mu.Unlock()

	if removed {
		e.logger.Info("subscription removed", "pattern", pattern)
	}
	return removed, err
}

// rebindAfterReconnection redeclares the exchange on the new session and
// rebinds every subscription concurrently.
func (e *Exchange) rebindAfterReconnection(ctx context.Context) error {
	e.mu.Lock()
	e.declared = nil
	e.mu.Unlock()

	if err := e.declare(ctx); err != nil {
		return err
	}

	var g errgroup.Group
	for _, sub := range e.snapshot(true) {
		sub := sub
		g.Go(func() error {
			return sub.rebindAfterReconnection(ctx)
		})
	}
	return g.Wait()
}

// snapshot copies the subscriptions; live skips those being removed.
func (e *Exchange) snapshot(live bool) []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, s := range e.subscriptions {
		if live && s.removing {
			continue
		}
		subs = append(subs, s)
	}
	return subs
}

// matching returns the live subscriptions whose pattern matches routingKey.
func (e *Exchange) matching(routingKey string) []*Subscription {
	var subs []*Subscription
	for _, s := range e.snapshot(true) {
		if MatchRoutingKey(s.pattern, routingKey) {
			subs = append(subs, s)
		}
	}
	return subs
}

func (e *Exchange) subscriptionByTag(tag string) *Subscription {
	for _, s := range e.snapshot(false) {
		if s.ConsumerTag() == tag {
			return s
		}
	}
	return nil
}

func (e *Exchange) isEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscriptions) == 0
}

// release forgets the declaration and every subscription.
func (e *Exchange) release() {
	e.mu.Lock()
	subs := e.subscriptions
	e.subscriptions = make(map[string]*Subscription)
	e.declared = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.release()
	}
}
