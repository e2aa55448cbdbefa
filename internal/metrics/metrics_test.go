package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInvalidationsBySource(t *testing.T) {
	before := testutil.ToFloat64(TableInvalidations.WithLabelValues("metrics_test", SourceListener))

	TableInvalidations.WithLabelValues("metrics_test", SourceListener).Inc()
	TableInvalidations.WithLabelValues("metrics_test", SourceResync).Inc()

	assert.Equal(t, before+1, testutil.ToFloat64(TableInvalidations.WithLabelValues("metrics_test", SourceListener)))
	assert.Equal(t, 1.0, testutil.ToFloat64(TableInvalidations.WithLabelValues("metrics_test", SourceResync)))
}

func TestServerConnectionsGauge(t *testing.T) {
	before := testutil.ToFloat64(ServerConnections)
	ServerConnections.Inc()
	ServerConnections.Inc()
	ServerConnections.Dec()
	assert.Equal(t, before+1, testutil.ToFloat64(ServerConnections))
	ServerConnections.Dec()
}

func TestMetricNames(t *testing.T) {
	TableRefreshes.WithLabelValues("metrics_test", "stored").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(TableRefreshes, "aoserv_table_refreshes_total"))
}
