package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VaultOps/internal/config"
	"VaultOps/internal/deploy"
	"VaultOps/internal/ops"
	"VaultOps/internal/verify"
)

var (
	_ deploy.Observer = (*Collector)(nil)
	_ ops.Observer    = (*Collector)(nil)
	_ ops.TxObserver  = (*Collector)(nil)
	_ verify.Observer = (*Collector)(nil)
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.ObserveStep("001_core", "executed", 2*time.Second)
	c.ObserveStep("002_oracles", "skipped", 0)
	c.ObserveOperation("rebase", "succeeded", time.Second)
	c.ObserveOperation("rebase", "failed", time.Second)
	c.ObserveJob("rebase", "succeeded", time.Second)
	c.ObserveTransactions("harvest", 3)
	c.ObserveVerification("verified")
	c.ObserveVerification("verified")
	c.ObserveHTTPRequest("/api/v1/jobs", "POST", 202, 30*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("002_oracles", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration), "skipped steps carry no duration")
	assert.Equal(t, 2, testutil.CollectAndCount(c.operations))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.transactions.WithLabelValues("harvest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("rebase", "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.verifications.WithLabelValues("verified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("/api/v1/jobs", "POST", "202")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveOperation("allocate", "succeeded", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `vaultops_ops_operations_total{operation="allocate",status="succeeded"} 1`), text)
	assert.Contains(t, text, "go_goroutines")
}

func TestStartServerRequiresAddress(t *testing.T) {
	err := NewCollector().StartServer(context.Background(), "")
	assert.EqualError(t, err, "metrics address is empty")
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TelemetryConfig{ServiceName: "vaultops"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop")
	span.End()
}
