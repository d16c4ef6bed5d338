package sync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestObserveBatch(t *testing.T) {
	batchDurationHistogram.Reset()

	observeBatch(true, 150*time.Millisecond)
	observeBatch(false, 20*time.Millisecond)
	observeBatch(false, 30*time.Millisecond)

	metrics := make(chan prometheus.Metric, 10)
	batchDurationHistogram.Collect(metrics)
	close(metrics)

	counts := map[string]uint64{}
	for metric := range metrics {
		m := &dto.Metric{}
		require.NoError(t, metric.Write(m))
		require.NotNil(t, m.GetHistogram())
		counts[m.GetLabel()[0].GetValue()] = m.GetHistogram().GetSampleCount()
	}
	require.Equal(t, map[string]uint64{"true": 1, "false": 2}, counts)
}

func TestRoomsCounterByMembership(t *testing.T) {
	roomsCounter.Reset()
	roomsCounter.WithLabelValues("join").Inc()
	roomsCounter.WithLabelValues("join").Inc()
	roomsCounter.WithLabelValues("leave").Inc()

	require.Equal(t, 2, testutil.CollectAndCount(roomsCounter))
	require.InDelta(t, 2, testutil.ToFloat64(roomsCounter.WithLabelValues("join")), 0)
}
