// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-worker/internal/rabbitmq"
	"github.com/glimte/mmate-worker/internal/reliability"
)

// Consumer handles one delivered message. Returned errors are logged and
// never stop the subscription.
type Consumer = rabbitmq.Consumer

// SubscriptionInfo describes one registered subscription
type SubscriptionInfo = rabbitmq.SubscriptionInfo

// SubscriptionState is the lifecycle state of a subscription
type SubscriptionState = rabbitmq.SubscriptionState

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener = rabbitmq.ConnectionStateListener

// Dialer opens broker connections
type Dialer = rabbitmq.Dialer

// RetryPolicy decides whether and when a failed connection attempt is retried
type RetryPolicy = reliability.RetryPolicy

const (
	StateIdle         = rabbitmq.StateIdle
	StateInitializing = rabbitmq.StateInitializing
	StateActive       = rabbitmq.StateActive
	StateShuttingDown = rabbitmq.StateShuttingDown
)

var (
	ErrClientClosed          = rabbitmq.ErrClientClosed
	ErrDuplicateSubscription = rabbitmq.ErrDuplicateSubscription
	ErrInvalidConfiguration  = rabbitmq.ErrInvalidConfiguration
)

// FixedDelayPolicy retries after the same delay each time; maxRetries <= 0
// retries forever.
func FixedDelayPolicy(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// ExponentialBackoffPolicy doubles the delay up to max; maxRetries <= 0
// retries forever.
func ExponentialBackoffPolicy(initial, max time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
}

// Client provides the main entry point for mmate-worker
type Client struct {
	manager *rabbitmq.ConnectionManager
	metrics *rabbitmq.Metrics
	logger  *slog.Logger
	name    string
}

// NewClient creates a new worker client with default options
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a new worker client with options. It does not
// connect; the first Subscribe does.
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	if _, err := amqp.ParseURI(connectionString); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		reconnectDelay: 5 * time.Second,
		connectionName: "mmate-worker-" + uuid.NewString()[:8],
	}

	for _, opt := range options {
		opt(cfg)
	}

	metrics := rabbitmq.NewMetrics(cfg.registerer)

	dialer := cfg.dialer
	if dialer == nil {
		dialer = rabbitmq.NewAMQPDialer(cfg.connectionName)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithReconnectDelay(cfg.reconnectDelay),
		rabbitmq.WithDialer(dialer),
		rabbitmq.WithMetrics(metrics),
		rabbitmq.WithStrictSubscriptions(cfg.strict),
	}
	if cfg.retryPolicy != nil {
		connOpts = append(connOpts, rabbitmq.WithRetryPolicy(cfg.retryPolicy))
	}
	for _, l := range cfg.listeners {
		connOpts = append(connOpts, rabbitmq.WithStateListener(l))
	}

	cfg.logger.Info("worker client created",
		"url", rabbitmq.SanitizeURL(connectionString),
		"connectionName", cfg.connectionName)

	return &Client{
		manager: rabbitmq.NewConnectionManager(connectionString, connOpts...),
		metrics: metrics,
		logger:  cfg.logger,
		name:    cfg.connectionName,
	}, nil
}

// Subscribe registers consumer for messages published to exchange whose
// routing key matches pattern ("*" matches one word, "#" zero or more). It
// returns once the binding is live. Subscribing an already registered
// pattern keeps the original consumer.
func (c *Client) Subscribe(ctx context.Context, exchange, pattern string, consumer Consumer) error {
	return c.manager.Subscribe(ctx, exchange, pattern, consumer)
}

// Unsubscribe removes the subscription for pattern on exchange. Removing the
// last subscription closes the broker channel.
func (c *Client) Unsubscribe(ctx context.Context, exchange, pattern string) error {
	return c.manager.Unsubscribe(ctx, exchange, pattern)
}

// IsConnected reports whether a live broker session exists
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// Subscriptions returns a snapshot of the registered subscriptions
func (c *Client) Subscriptions() []SubscriptionInfo {
	return c.manager.Subscriptions()
}

// ConnectionName returns the name advertised to the broker
func (c *Client) ConnectionName() string {
	return c.name
}

// AddStateListener adds a connection state listener
func (c *Client) AddStateListener(listener ConnectionStateListener) {
	c.manager.AddStateListener(listener)
}

// Close closes all resources
func (c *Client) Close() error {
	return c.manager.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	reconnectDelay time.Duration
	retryPolicy    RetryPolicy
	connectionName string
	dialer         Dialer
	registerer     prometheus.Registerer
	listeners      []ConnectionStateListener
	strict         bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithRetryPolicy replaces the fixed reconnect delay with a custom policy
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = policy
	}
}

// WithConnectionName sets the connection name shown in the broker UI
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithRegisterer registers the worker metrics with reg
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithStateListener registers a connection state listener
func WithStateListener(listener ConnectionStateListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners = append(cfg.listeners, listener)
	}
}

// WithStrictSubscriptions makes subscribing an already registered pattern
// fail with ErrDuplicateSubscription
func WithStrictSubscriptions(strict bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.strict = strict
	}
}
