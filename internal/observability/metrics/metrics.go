package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultops"

// Collector 汇总部署、运维操作、作业与 HTTP 请求的指标。
// 它同时满足 deploy.Observer、ops.Observer、verify.Observer 与 task.Observer。
type Collector struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	operations    *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	transactions  *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	verifications *prometheus.CounterVec
}

// NewCollector 在独立 registry 上注册全部指标，并附带 Go 运行时与进程指标。
func NewCollector() *Collector {
	slow := []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "steps_total",
			Help: "Deployment steps by outcome.",
		}, []string{"step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "step_duration_seconds",
			Help: "Deployment step duration in seconds.", Buckets: slow,
		}, []string{"step"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ops", Name: "operations_total",
			Help: "Operational tasks by outcome.",
		}, []string{"operation", "status"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ops", Name: "operation_duration_seconds",
			Help: "Operational task duration in seconds.", Buckets: slow,
		}, []string{"operation"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ops", Name: "transactions_total",
			Help: "Transactions sent by operational tasks.",
		}, []string{"operation"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "processed_total",
			Help: "Queued jobs processed by outcome.",
		}, []string{"operation", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
			Help: "Queued job execution time in seconds.", Buckets: slow,
		}, []string{"operation"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "verify", Name: "contracts_total",
			Help: "Explorer source verifications by outcome.",
		}, []string{"status"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpDuration,
		c.steps, c.stepDuration,
		c.operations, c.opDuration, c.transactions,
		c.jobs, c.jobDuration,
		c.verifications,
	)
	return c
}

// Registry 返回底层 registry，主要供测试读取。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveStep 记录部署步骤结果。
func (c *Collector) ObserveStep(stepID, status string, duration time.Duration) {
	c.steps.WithLabelValues(stepID, status).Inc()
	if status != "skipped" {
		c.stepDuration.WithLabelValues(stepID).Observe(duration.Seconds())
	}
}

// ObserveOperation 记录运维操作结果。
func (c *Collector) ObserveOperation(name, status string, duration time.Duration) {
	c.operations.WithLabelValues(name, status).Inc()
	c.opDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveTransactions 累加运维操作发送的交易数。
func (c *Collector) ObserveTransactions(operation string, count int) {
	c.transactions.WithLabelValues(operation).Add(float64(count))
}

// ObserveJob 记录排队作业的执行结果。
func (c *Collector) ObserveJob(operation, status string, duration time.Duration) {
	c.jobs.WithLabelValues(operation, status).Inc()
	c.jobDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveVerification 记录合约源码验证结果。
func (c *Collector) ObserveVerification(status string) {
	c.verifications.WithLabelValues(status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
