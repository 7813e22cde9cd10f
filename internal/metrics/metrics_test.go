package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.MessageSettled("ack", 5*time.Millisecond)
	c.MessageSettled("ack", time.Millisecond)
	c.MessageSettled("reject", time.Millisecond)
	c.NotificationCreated("event.created")
	c.Delivered(3)
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed("heartbeat_timeout")
	c.ConsumerState(2)
	c.BrokerReconnect()

	families := gather(t, reg)

	consumed := families["notification_service_messages_consumed_total"]
	require.NotNil(t, consumed)
	byDisposition := map[string]float64{}
	for _, m := range consumed.GetMetric() {
		byDisposition[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"ack": 2, "reject": 1}, byDisposition)

	assert.Equal(t, float64(3), families["notification_service_deliveries_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, float64(1), families["notification_service_active_connections"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(2), families["notification_service_consumer_state"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(1), families["notification_service_broker_reconnects_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, uint64(3), families["notification_service_message_handle_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.MessageSettled("ack", time.Millisecond)
		c.NotificationCreated("event.created")
		c.Delivered(1)
		c.ConnectionOpened()
		c.ConnectionClosed("closed")
		c.ConsumerState(1)
		c.BrokerReconnect()
	})
}
