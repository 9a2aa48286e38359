package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voxsynq/pkg/logger"
)

var (
	StoreWALBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxsynq_store_wal_bytes",
		Help: "Size of the storage engine write-ahead log.",
	})
	StoreDiskBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxsynq_store_disk_bytes",
		Help: "Estimated on-disk size of the storage engine.",
	})
)

// MetricsSource yields storage engine counters for the monitor.
type MetricsSource interface {
	WALSize() uint64
	DiskUsage() uint64
}

// walWarnBytes is the WAL size past which the monitor starts warning.
const walWarnBytes = 1 << 30

// StartStoreMonitor polls the storage engine and exports its WAL and
// disk footprint as gauges. Oversized WALs are logged so operators see
// a stalled compaction before it becomes an outage.
func StartStoreMonitor(ctx context.Context, src MetricsSource, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wal := src.WALSize()
				disk := src.DiskUsage()
				StoreWALBytes.Set(float64(wal))
				StoreDiskBytes.Set(float64(disk))
				if wal >= walWarnBytes {
					logger.Warn("store_wal_oversized", "wal_bytes", wal, "disk_bytes", disk)
				}
			}
		}
	}()
	return cancel
}
