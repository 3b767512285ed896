package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aposazhennikov/lancast/metrics"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.Sent(1024)
	m.Sent(100)
	m.Fetched(6144)
	m.Underrun()
	m.Track(metrics.ResultCast)
	m.Track(metrics.ResultFailed)
	m.Track(metrics.ResultFailed)
	m.State(3)
	m.Queued(7)

	assert.Equal(t, 1124.0, testutil.ToFloat64(m.CastBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Datagrams))
	assert.Equal(t, 6144.0, testutil.ToFloat64(m.FetchedBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Underruns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TracksTotal.WithLabelValues(metrics.ResultFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrackState))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueLength))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.Sent(1)
	m.Fetched(1)
	m.Underrun()
	m.Track(metrics.ResultCast)
	m.State(1)
	m.Playable(0.5)
	m.FetchFailed()
	m.Queued(1)
}
