/*
运行指标

prometheus 指标注册在私有 registry 上，避免测试之间互相干扰
所有方法允许 nil 接收者，未开启指标时调用方无需判断
*/
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lineserver/internal/utils/rlog"
)

const namespace = "lineserver"

// Metrics 服务端指标集合
type Metrics struct {
	registry *prometheus.Registry

	requests            *prometheus.CounterVec
	rejectedFrames      *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter
	lineReadDuration    prometheus.Histogram
	indexLines          prometheus.Gauge
}

// New 创建指标集合
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by command and response status",
		}, []string{"command", "status"}),
		rejectedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_frames_total",
			Help:      "Request frames rejected by reason",
		}, []string{"reason"}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open client connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections accepted",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Client connections rejected because the connection limit was reached",
		}),
		lineReadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "line_read_seconds",
			Help:      "Positioned read latency for a single line",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		indexLines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_lines",
			Help:      "Lines in the loaded index",
		}),
	}
}

// Registry 私有 registry，测试时用于读取指标
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(command, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, status).Inc()
}

func (m *Metrics) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) ObserveLineRead(d time.Duration) {
	if m == nil {
		return
	}
	m.lineReadDuration.Observe(d.Seconds())
}

func (m *Metrics) SetIndexLines(n uint64) {
	if m == nil {
		return
	}
	m.indexLines.Set(float64(n))
}

// Handler /metrics 的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve 在 address 上提供 /metrics，ctx 取消后优雅关闭
func (m *Metrics) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start metrics listener: %w", err)
	}
	return m.serve(ctx, listener)
}

func (m *Metrics) serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	rlog.Info("metrics listening on %s", listener.Addr())

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
