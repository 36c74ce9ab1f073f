// Package metrics implements the Metrics Engine (C4): a cooperative
// background sampler, a single-writer/multi-reader persistent time-series
// store with retention, and a filtered, aggregated query surface. Grounded
// on agent/internal/metrics/metrics.go (the sampling side, whose TODO names
// gopsutil) and server/internal/db/db.go + server/internal/scheduler/scheduler.go
// (the storage and scheduling sides).
package metrics

// MetricType enumerates the sampled series. The set is open in principle
// (metadata carries anything extra) but these are the ones the sampler
// knows how to collect.
type MetricType string

const (
	MetricCPUPercent        MetricType = "cpu_percent"
	MetricMemoryPercent     MetricType = "memory_percent"
	MetricDiskPercent       MetricType = "disk_percent"
	MetricCPUTempCelsius    MetricType = "cpu_temperature_celsius"
)

// row is the GORM-mapped persistent row, matching spec.md §3's Metric
// Sample and §4.4's store schema exactly:
// metrics(id, timestamp REAL, metric_type TEXT, value REAL, metadata TEXT).
type row struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Timestamp  float64 `gorm:"column:timestamp;index:idx_metrics_timestamp"`
	MetricType string  `gorm:"column:metric_type;index:idx_metrics_type_timestamp,priority:1"`
	Value      float64 `gorm:"column:value"`
	Metadata   string  `gorm:"column:metadata"`
}

func (row) TableName() string { return "metrics" }

// Sample is one observation, as produced by the sampler and returned by
// queries.
type Sample struct {
	Timestamp  float64
	MetricType MetricType
	Value      float64
	Metadata   map[string]any
}
