package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonnyyang123/CANopenLinux/pkg/errmonitor"
)

func TestCollectorImplementsPrometheusInterface(t *testing.T) {
	c := New(nil)
	var _ prometheus.Collector = c
}

func TestCollectReportsRegisteredInterface(t *testing.T) {
	c := New(nil)
	c.AddInterface("can0", errmonitor.New("can0"))
	c.IncStorageFailure()
	c.IncGatewayConnection()
	c.IncWakeup("timer")

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.GreaterOrEqual(t, count, 5)
}

func TestRegistryAcceptsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(nil)
	require.NoError(t, reg.Register(c))
}
