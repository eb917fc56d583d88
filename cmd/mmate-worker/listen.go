package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	worker "github.com/glimte/mmate-worker"
	"github.com/glimte/mmate-worker/health"
	"github.com/glimte/mmate-worker/internal/config"
)

type listenOptions struct {
	out       io.Writer
	logOut    io.Writer
	printBody bool
	shutdown  time.Duration
	dialer    worker.Dialer
}

// runListen subscribes every binding, serves metrics and health, and blocks
// until ctx is done.
func runListen(ctx context.Context, cfg *config.Config, opts listenOptions) error {
	logger := cfg.NewLogger(opts.logOut)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clientOpts := []worker.ClientOption{
		worker.WithLogger(logger),
		worker.WithReconnectDelay(cfg.ReconnectDelay),
		worker.WithRegisterer(reg),
		worker.WithStrictSubscriptions(cfg.StrictSubscriptions),
	}
	if cfg.ConnectionName != "" {
		clientOpts = append(clientOpts, worker.WithConnectionName(cfg.ConnectionName))
	}
	if opts.dialer != nil {
		clientOpts = append(clientOpts, worker.WithDialer(opts.dialer))
	}

	client, err := worker.NewClientWithOptions(cfg.URL, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	registry := health.NewRegistry()
	registry.Register(health.NewWorkerChecker(client))
	registry.Register(health.NewRuntimeChecker(5000, 20000))
	registry.SetMetadata("version", version)
	registry.SetMetadata("connection", client.ConnectionName())

	var srv *http.Server
	if cfg.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.Listen,
			Handler:           newMux(reg, registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics and health", "addr", cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
			}
		}()
	}

	printer := &deliveryPrinter{out: opts.out, printBody: opts.printBody}
	for _, b := range cfg.Bindings {
		for _, pattern := range b.Patterns {
			if err := client.Subscribe(ctx, b.Exchange, pattern, printer.consumer(b.Exchange, pattern)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to subscribe %s/%s: %w", b.Exchange, pattern, err)
			}
		}
	}
	logger.Info("listening", "subscriptions", len(client.Subscriptions()))

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
	}
	return nil
}

func newMux(reg *prometheus.Registry, registry *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

// deliveryPrinter writes one line per delivery. Consumers run concurrently,
// so writes are serialized.
type deliveryPrinter struct {
	mu        sync.Mutex
	out       io.Writer
	printBody bool
}

func (p *deliveryPrinter) consumer(exchange, pattern string) worker.Consumer {
	return func(routingKey string, body []byte) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		line := fmt.Sprintf("%s %s [%s] %s %d bytes",
			time.Now().Format(time.RFC3339), exchange, pattern, routingKey, len(body))
		if p.printBody {
			line += " " + string(body)
		}
		_, err := fmt.Fprintln(p.out, line)
		return err
	}
}

// parseBindings turns exchange:pattern flags into bindings.
func parseBindings(flags []string) ([]config.Binding, error) {
	var out []config.Binding
	for _, f := range flags {
		exchange, pattern, ok := strings.Cut(f, ":")
		if !ok || exchange == "" || pattern == "" {
			return nil, fmt.Errorf("invalid binding %q, expected exchange:pattern", f)
		}
		out = mergeBindings(out, []config.Binding{{Exchange: exchange, Patterns: []string{pattern}}})
	}
	return out, nil
}

// mergeBindings adds extra to base, grouping patterns by exchange and
// dropping duplicates.
func mergeBindings(base, extra []config.Binding) []config.Binding {
	out := make([]config.Binding, 0, len(base)+len(extra))
	index := make(map[string]int)
	seen := make(map[string]bool)

	for _, b := range append(append([]config.Binding{}, base...), extra...) {
		i, ok := index[b.Exchange]
		if !ok {
			i = len(out)
			index[b.Exchange] = i
			out = append(out, config.Binding{Exchange: b.Exchange})
		}
		for _, p := range b.Patterns {
			key := b.Exchange + "\x00" + p
			if seen[key] {
				continue
			}
			seen[key] = true
			out[i].Patterns = append(out[i].Patterns, p)
		}
	}
	return out
}
