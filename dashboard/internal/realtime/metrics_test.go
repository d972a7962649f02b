package realtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthGaugeValues() map[Health]float64 {
	out := map[Health]float64{}
	for _, h := range []Health{HealthHealthy, HealthDegraded, HealthDisconnected} {
		out[h] = testutil.ToFloat64(healthGauge.WithLabelValues(string(h)))
	}
	return out
}

func TestHealthGaugeHasSingleActiveLabel(t *testing.T) {
	_, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, map[Health]float64{HealthHealthy: 0, HealthDegraded: 0, HealthDisconnected: 1}, healthGaugeValues())

	_, err = New(Config{SSEURL: "http://unused", Logger: quietLogger})
	require.NoError(t, err)
	assert.Equal(t, map[Health]float64{HealthHealthy: 0, HealthDegraded: 1, HealthDisconnected: 0}, healthGaugeValues())
}
