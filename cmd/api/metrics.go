package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// poolStats is satisfied by database.ConnectionPool.
type poolStats interface {
	Stats() (acquired, idle, total int32)
}

// registerPoolMetrics exposes connection pool occupancy, sampled on scrape.
func registerPoolMetrics(reg prometheus.Registerer, pool poolStats) {
	gauge := func(name, help string, pick func(acquired, idle, total int32) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "prerana",
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(pick(pool.Stats()))
		})
	}
	reg.MustRegister(
		gauge("connections_acquired", "Connections currently in use.",
			func(acquired, _, _ int32) int32 { return acquired }),
		gauge("connections_idle", "Idle connections in the pool.",
			func(_, idle, _ int32) int32 { return idle }),
		gauge("connections_total", "All connections held by the pool.",
			func(_, _, total int32) int32 { return total }),
	)
}

func registerBuildInfo(reg prometheus.Registerer, version, environment string) {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "prerana",
		Name:        "build_info",
		Help:        "Build and deployment metadata.",
		ConstLabels: prometheus.Labels{"version": version, "environment": environment},
	})
	info.Set(1)
	reg.MustRegister(info)
}
