package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector exposes pgxpool statistics as gauges sampled at scrape
// time rather than on a timer.
type poolCollector struct {
	pool *pgxpool.Pool

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
}

// RegisterPgxPoolMetrics registers a collector for the pool's connection
// statistics on the default registry.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	prometheus.MustRegister(&poolCollector{
		pool: pool,
		acquired: prometheus.NewDesc("tokengate_db_pool_acquired_conns",
			"Connections currently acquired from the pool", nil, nil),
		idle: prometheus.NewDesc("tokengate_db_pool_idle_conns",
			"Idle connections in the pool", nil, nil),
		total: prometheus.NewDesc("tokengate_db_pool_total_conns",
			"Total connections held by the pool", nil, nil),
		max: prometheus.NewDesc("tokengate_db_pool_max_conns",
			"Configured pool connection ceiling", nil, nil),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(stat.MaxConns()))
}
