package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports forwarding metrics to Prometheus. It observes every RPC on
// either side of the transport and samples registered counter sources on
// scrape.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	rpcCounter  *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcErrors   *prometheus.CounterVec

	sources  *sourceSet
	handlers map[string]http.Handler

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: true, Address: ":9090"}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "iof"
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),
		sources:  &sourceSet{namespace: config.Namespace},
	}

	c.rpcCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "rpc_total",
		Help:      "Forwarded operations by side, operation and outcome.",
	}, []string{"side", "operation", "status"})
	c.rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "rpc_duration_seconds",
		Help:      "Round trip (client) or service (server) time of forwarded operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"side", "operation"})
	c.rpcErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "rpc_errors_total",
		Help:      "Transport-level failures of forwarded operations.",
	}, []string{"side", "operation"})

	for _, col := range []prometheus.Collector{c.rpcCounter, c.rpcDuration, c.rpcErrors, c.sources} {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

// Registry returns the Prometheus registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRPC records one completed call.
func (c *Collector) ObserveRPC(side, op string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.rpcErrors.WithLabelValues(side, op).Inc()
	}
	c.rpcCounter.WithLabelValues(side, op, status).Inc()
	c.rpcDuration.WithLabelValues(side, op).Observe(d.Seconds())
}

// RegisterSource exports the counters returned by fn as
// <namespace>_<subsystem>_<key> with a "name" label. fn is called on every
// scrape and must be safe for concurrent use.
func (c *Collector) RegisterSource(subsystem, name string, fn func() map[string]uint64) {
	c.sources.add(source{subsystem: subsystem, name: name, fn: fn})
}

// UnregisterSource stops exporting a source.
func (c *Collector) UnregisterSource(subsystem, name string) {
	c.sources.remove(subsystem, name)
}

// Handle serves h at pattern next to the metrics endpoint. Handlers added
// after Start are served from the next Start.
func (c *Collector) Handle(pattern string, h http.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]http.Handler)
	}
	c.handlers[pattern] = h
}

// Start serves the registry on the configured address until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	lis, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	for pattern, h := range c.handlers {
		mux.Handle(pattern, h)
	}

	c.listener = lis
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := c.server
	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server failed", "error", err)
		}
	}()
	c.logger.Info("Serving metrics", "address", lis.Addr().String(), "path", c.config.Path)
	return nil
}

// Addr returns the address the metrics server listens on, or "" when stopped.
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server, c.listener = nil, nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type source struct {
	subsystem string
	name      string
	fn        func() map[string]uint64
}

// sourceSet turns counter snapshots into const metrics on scrape.
type sourceSet struct {
	namespace string

	mu      sync.Mutex
	sources []source
}

func (s *sourceSet) add(src source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, old := range s.sources {
		if old.subsystem == src.subsystem && old.name == src.name {
			s.sources[i] = src
			return
		}
	}
	s.sources = append(s.sources, src)
}

func (s *sourceSet) remove(subsystem, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, old := range s.sources {
		if old.subsystem == subsystem && old.name == name {
			s.sources = append(s.sources[:i], s.sources[i+1:]...)
			return
		}
	}
}

// Describe sends nothing, which makes the set an unchecked collector.
func (s *sourceSet) Describe(chan<- *prometheus.Desc) {}

func (s *sourceSet) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	sources := append([]source(nil), s.sources...)
	s.mu.Unlock()

	for _, src := range sources {
		values := src.fn()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			desc := prometheus.NewDesc(
				prometheus.BuildFQName(s.namespace, src.subsystem, k),
				fmt.Sprintf("%s counter %s.", src.subsystem, k),
				[]string{"name"}, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.UntypedValue, float64(values[k]), src.name)
		}
	}
}
