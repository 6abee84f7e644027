package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStatFunc returns connection pool statistics without importing pgxpool.
type DBPoolStatFunc func() (total, idle, acquired int32)

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc    *prometheus.Desc
	idleDesc     *prometheus.Desc
	acquiredDesc *prometheus.Desc
}

// NewDBPoolCollector creates a collector that exposes pool gauges on scrape.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	return &dbPoolCollector{
		statFunc:     statFunc,
		totalDesc:    prometheus.NewDesc(namespace+"_db_pool_total_conns", "Connections in the pool.", nil, nil),
		idleDesc:     prometheus.NewDesc(namespace+"_db_pool_idle_conns", "Idle connections in the pool.", nil, nil),
		acquiredDesc: prometheus.NewDesc(namespace+"_db_pool_acquired_conns", "Connections in use.", nil, nil),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(acquired))
}
