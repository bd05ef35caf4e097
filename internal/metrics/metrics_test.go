// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestCollectorIncConnects(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.IncConnects()
	c.IncConnects()
	require.Equal(t, 2.0, counterValue(t, c.connects))
}

func TestCollectorThreadHighWaterMonotonic(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.SetThreadCount(3)
	c.SetThreadCount(1)
	require.Equal(t, 1.0, gaugeValue(t, c.threads))
	require.Equal(t, 3.0, gaugeValue(t, c.threadHigh))
	c.SetThreadCount(5)
	require.Equal(t, 5.0, gaugeValue(t, c.threadHigh))
}

func TestCollectorObserveRuleEval(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveRuleEval(5 * time.Millisecond)

	m := &dto.Metric{}
	require.NoError(t, c.ruleEval.(prometheus.Metric).Write(m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}

func TestCollectorIncRejectedByClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.IncRejected("blocked")
	c.IncRejected("blocked")
	c.IncRejected("other")

	m := &dto.Metric{}
	require.NoError(t, c.rejected.WithLabelValues("blocked").Write(m))
	require.Equal(t, 2.0, m.GetCounter().GetValue())
}
