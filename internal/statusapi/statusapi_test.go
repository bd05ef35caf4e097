// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"grimm.is/gatekeepd/internal/dispatch"
	"grimm.is/gatekeepd/internal/logging"
)

type fakeSnapshotter struct {
	st dispatch.Status
}

func (f fakeSnapshotter) Snapshot() dispatch.Status { return f.st }

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	snap := fakeSnapshotter{st: dispatch.Status{TotalConnects: 42, ActiveConns: 3}}
	s := New(snap, prometheus.NewRegistry(), logging.NewDiscard())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var got dispatch.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, int64(42), got.TotalConnects)
	require.Equal(t, 3, got.ActiveConns)
}

func TestHandleHealthz(t *testing.T) {
	s := New(fakeSnapshotter{}, nil, logging.NewDiscard())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestMetricsEndpointAbsentWithoutRegistry(t *testing.T) {
	s := New(fakeSnapshotter{}, nil, logging.NewDiscard())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total"})
	c.Inc()
	reg.MustRegister(c)

	s := New(fakeSnapshotter{}, reg, logging.NewDiscard())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "probe_total")
}
