package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/mmate-worker/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Session is one live broker connection together with the channel and the
// exclusive queue every subscription binds.
type Session struct {
	conn  Connection
	ch    Channel
	queue string
}

// Channel returns the session channel.
func (s *Session) Channel() Channel {
	return s.ch
}

// Queue returns the broker-assigned exclusive queue name.
func (s *Session) Queue() string {
	return s.queue
}

func (s *Session) close() error {
	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ConnectionManager owns the single broker connection of a worker and the
// exchanges subscribed through it. It reconnects and rebinds every
// subscription when the broker drops the connection.
type ConnectionManager struct {
	url            string
	dialer         Dialer
	reconnectDelay time.Duration
	retryPolicy    reliability.RetryPolicy
	strict         bool
	logger         *slog.Logger
	metrics        *Metrics

	mu        sync.Mutex
	session   *Session
	exchanges map[string]*Exchange
	closed    bool

	connectGroup singleflight.Group
	recoverMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithRetryPolicy replaces the default fixed-delay, unlimited connect retry.
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryPolicy = policy
	}
}

// WithDialer sets the dialer used to open broker connections
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = metrics
	}
}

// WithStrictSubscriptions makes a second subscription for an already
// registered pattern fail with ErrDuplicateSubscription instead of being
// ignored.
func WithStrictSubscriptions(strict bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.strict = strict
	}
}

// WithStateListener registers a connection state listener
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.stateListeners = append(cm.stateListeners, listener)
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// made until the first subscription.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		logger:         slog.Default(),
		exchanges:      make(map[string]*Exchange),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.dialer == nil {
		cm.dialer = NewAMQPDialer("")
	}
	if cm.metrics == nil {
		cm.metrics = NewMetrics(nil)
	}
	if cm.retryPolicy == nil {
		cm.retryPolicy = reliability.NewFixedDelay(cm.reconnectDelay, 0)
	}
	cm.ctx, cm.cancel = context.WithCancel(context.Background())

	return cm
}

// EnsureConnected returns the live session, connecting first if needed.
// Concurrent callers share one connection attempt. Dial failures are retried
// according to the retry policy (forever by default) and never returned;
// channel and queue declaration failures are. ctx only bounds the wait.
func (cm *ConnectionManager) EnsureConnected(ctx context.Context) (*Session, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrClientClosed
	}
	if s := cm.session; s != nil {
		cm.mu.Unlock()
		return s, nil
	}
	cm.mu.Unlock()

	result := cm.connectGroup.DoChan("connect", func() (interface{}, error) {
		return cm.connect()
	})

	select {
	case r := <-result:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials until it gets a connection, then opens the channel and the
// exclusive queue and starts watching for close notifications.
func (cm *ConnectionManager) connect() (*Session, error) {
	cm.mu.Lock()
	if s := cm.session; s != nil {
		cm.mu.Unlock()
		return s, nil
	}
	cm.mu.Unlock()

	start := time.Now()
	var conn Connection
	err := reliability.Retry(cm.ctx, cm.retryPolicy,
		func(attempt int) error {
			if attempt > 0 {
				cm.notifyReconnecting(attempt + 1)
			}
			cm.metrics.ConnectAttempts.Inc()
			c, err := cm.dialer.Dial(cm.url)
			if err != nil {
				cm.metrics.ConnectFailures.Inc()
				return err
			}
			conn = c
			return nil
		},
		func(attempt int, err error, delay time.Duration) {
			cm.logger.Error("connection attempt failed",
				"error", err,
				"attempt", attempt+1,
				"url", SanitizeURL(cm.url),
				"nextRetryIn", delay)
		},
	)
	if err != nil {
		if cm.ctx.Err() != nil {
			return nil, ErrClientClosed
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       errors.Join(ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  cm.retryPolicy.MaxRetries(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	queue, err := declareQueue(ch, exclusiveQueue())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sess := &Session{conn: conn, ch: ch, queue: queue.Name}
	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 16))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = sess.close()
		return nil, ErrClientClosed
	}
	cm.session = sess
	cm.wg.Add(1)
	cm.mu.Unlock()

	go cm.watch(sess, connClose, chClose, cancels)

	cm.metrics.Connected.Set(1)
	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"queue", sess.queue,
		"duration", time.Since(start))
	cm.notifyConnected()

	return sess, nil
}

// watch waits for the broker to close the session and routes broker-side
// consumer cancellations to their subscriptions.
func (cm *ConnectionManager) watch(sess *Session, connClose, chClose <-chan *amqp.Error, cancels <-chan string) {
	defer cm.wg.Done()

	for {
		select {
		case err := <-connClose:
			cm.handleClose(sess, "connection", err)
			return

		case err := <-chClose:
			if err != nil {
				// A channel exception leaves the connection usable but the
				// session is gone; drop the connection and start over.
				cm.logger.Error("channel closed by broker",
					"code", err.Code,
					"reason", err.Reason)
				_ = sess.conn.Close()
			}
			cm.handleClose(sess, "channel", err)
			return

		case tag, ok := <-cancels:
			if !ok {
				cancels = nil
				continue
			}
			cm.consumerCancelled(tag)

		case <-cm.ctx.Done():
			return
		}
	}
}

// handleClose forgets a session closed by the broker and, if subscriptions
// remain, starts recovery. Sessions closed by the manager itself are no
// longer current and are ignored.
func (cm *ConnectionManager) handleClose(sess *Session, source string, amqpErr *amqp.Error) {
	cm.mu.Lock()
	if cm.session != sess {
		cm.mu.Unlock()
		return
	}
	cm.session = nil
	recoverable := !cm.closed && len(cm.exchanges) > 0
	if recoverable {
		cm.wg.Add(1)
	}
	cm.mu.Unlock()

	var cause error = ErrConnectionClosed
	if amqpErr != nil {
		cause = amqpErr
	}

	_ = sess.close()
	cm.metrics.Connected.Set(0)
	cm.notifyDisconnected(cause)

	if !recoverable {
		cm.logger.Info("connection closed", "source", source, "reason", cause)
		return
	}

	cm.logger.Warn("connection lost, scheduling recovery", "source", source, "error", cause)
	cm.metrics.Reconnects.Inc()
	go cm.recover()
}

// recover reconnects and rebinds every exchange. It keeps trying until it
// succeeds or the manager is closed.
func (cm *ConnectionManager) recover() {
	defer cm.wg.Done()

	cm.recoverMu.Lock()
	defer cm.recoverMu.Unlock()

	start := time.Now()
	for {
		_, err := cm.EnsureConnected(cm.ctx)
		if err == nil {
			break
		}
		if cm.ctx.Err() != nil || errors.Is(err, ErrClientClosed) {
			return
		}
		cm.logger.Error("recovery failed to connect", "error", err, "nextRetryIn", cm.reconnectDelay)
		select {
		case <-time.After(cm.reconnectDelay):
		case <-cm.ctx.Done():
			return
		}
	}

	exchanges := cm.snapshotExchanges()
	var g errgroup.Group
	for _, e := range exchanges {
		e := e
		g.Go(func() error {
			return e.rebindAfterReconnection(cm.ctx)
		})
	}
	if err := g.Wait(); err != nil {
		cm.logger.Error("rebind after reconnection failed", "error", err)
		return
	}

	cm.metrics.RebindDuration.Observe(time.Since(start).Seconds())
	cm.logger.Info("recovered subscriptions after reconnection",
		"exchanges", len(exchanges),
		"duration", time.Since(start))
}

// Subscribe registers consumer for messages on exchange matching pattern and
// blocks until the binding is live.
func (cm *ConnectionManager) Subscribe(ctx context.Context, exchange, pattern string, consumer Consumer) error {
	if exchange == "" || consumer == nil {
		return fmt.Errorf("%w: exchange name and consumer are required", ErrInvalidConfiguration)
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClientClosed
	}
	e, ok := cm.exchanges[exchange]
	if !ok {
		e = newExchange(cm, exchange)
		cm.exchanges[exchange] = e
	}
	sub, created := e.subscription(pattern, consumer)
	cm.mu.Unlock()

	if created {
		cm.metrics.Subscriptions.Inc()
	} else {
		if cm.strict {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateSubscription, exchange, pattern)
		}
		cm.logger.Debug("subscription already registered, keeping existing consumer",
			"exchange", exchange,
			"pattern", pattern)
	}

	err := e.addSubscription(ctx, sub)
	if err != nil && created {
		cm.discardFailed(e, sub)
	}
	return err
}

// discardFailed forgets a subscription whose first setup failed, so it is
// neither rebound on reconnect nor reported as a duplicate on retry.
func (cm *ConnectionManager) discardFailed(e *Exchange, sub *Subscription) {
	if !e.discard(sub) {
		return
	}
	cm.metrics.Subscriptions.Dec()
	cm.logger.Debug("dropped subscription after failed setup",
		"exchange", e.name,
		"pattern", sub.pattern)
	cm.releaseIfEmpty(e)
}

// Unsubscribe removes the subscription for pattern on exchange. Dropping the
// last subscription of the last exchange closes the session.
func (cm *ConnectionManager) Unsubscribe(ctx context.Context, exchange, pattern string) error {
	cm.mu.Lock()
	e, ok := cm.exchanges[exchange]
	cm.mu.Unlock()
	if !ok {
		cm.logger.Warn("unsubscribe from unknown exchange", "exchange", exchange, "pattern", pattern)
		return nil
	}

	removed, err := e.removeSubscription(ctx, pattern)
	if removed {
		cm.metrics.Subscriptions.Dec()
	}

	cm.releaseIfEmpty(e)
	return err
}

// releaseIfEmpty drops e once it has no subscriptions and closes the session
// when no exchange is left.
func (cm *ConnectionManager) releaseIfEmpty(e *Exchange) {
	var idle *Session
	cm.mu.Lock()
	if cur, ok := cm.exchanges[e.name]; ok && cur == e && e.isEmpty() {
		delete(cm.exchanges, e.name)
		e.release()
		if len(cm.exchanges) == 0 {
			idle = cm.session
			cm.session = nil
		}
	}
	cm.mu.Unlock()

	if idle != nil {
		cm.logger.Info("no subscriptions left, closing channel")
		cm.metrics.Connected.Set(0)
		if cerr := idle.close(); cerr != nil {
			cm.logger.Debug("error closing idle session", "error", cerr)
		}
	}
}

// Close stops reconnection, closes the session and drops every subscription.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	sess := cm.session
	cm.session = nil
	exchanges := cm.exchanges
	cm.exchanges = make(map[string]*Exchange)
	cm.mu.Unlock()

	cm.cancel()

	for _, e := range exchanges {
		e.release()
	}

	var err error
	if sess != nil {
		err = sess.close()
	}

	cm.wg.Wait()
	cm.metrics.Connected.Set(0)
	cm.metrics.Subscriptions.Set(0)
	cm.logger.Info("connection manager shut down")

	return err
}

// IsConnected reports whether a live session exists
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.session != nil
}

// SubscriptionInfo describes one registered subscription
type SubscriptionInfo struct {
	Exchange    string
	Pattern     string
	State       SubscriptionState
	ConsumerTag string
}

// Subscriptions returns a snapshot of every registered subscription
func (cm *ConnectionManager) Subscriptions() []SubscriptionInfo {
	var infos []SubscriptionInfo
	for _, e := range cm.snapshotExchanges() {
		for _, s := range e.snapshot(false) {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

func (cm *ConnectionManager) snapshotExchanges() []*Exchange {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	exchanges := make([]*Exchange, 0, len(cm.exchanges))
	for _, e := range cm.exchanges {
		exchanges = append(exchanges, e)
	}
	return exchanges
}

func (cm *ConnectionManager) exchange(name string) *Exchange {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.exchanges[name]
}

// isCurrent reports whether sess is still the live session
func (cm *ConnectionManager) isCurrent(sess *Session) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.session == sess
}

// consumerCancelled handles a broker-initiated basic.cancel
func (cm *ConnectionManager) consumerCancelled(tag string) {
	for _, e := range cm.snapshotExchanges() {
		if s := e.subscriptionByTag(tag); s != nil {
			s.onConsumerCancelled()
			return
		}
	}
	cm.logger.Debug("cancellation for unknown consumer", "consumerTag", tag)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
