package main

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakePool struct{ acquired, idle, total int32 }

func (f *fakePool) Stats() (int32, int32, int32) { return f.acquired, f.idle, f.total }

func TestRegisterPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := &fakePool{acquired: 3, idle: 2, total: 5}
	registerPoolMetrics(reg, pool)

	expected := `
# HELP prerana_db_connections_acquired Connections currently in use.
# TYPE prerana_db_connections_acquired gauge
prerana_db_connections_acquired 3
# HELP prerana_db_connections_total All connections held by the pool.
# TYPE prerana_db_connections_total gauge
prerana_db_connections_total 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"prerana_db_connections_acquired", "prerana_db_connections_total"))

	n, err := testutil.GatherAndCount(reg, "prerana_db_connections_idle")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRegisterBuildInfo(t *testing.T) {
	reg := prometheus.NewRegistry()
	registerBuildInfo(reg, "1.2.3", "test")

	expected := `
# HELP prerana_build_info Build and deployment metadata.
# TYPE prerana_build_info gauge
prerana_build_info{environment="test",version="1.2.3"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "prerana_build_info"))
}
