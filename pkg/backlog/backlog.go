// Package backlog samples the pending directories and publishes the
// upload backlog as gauges. A backlog that only grows means the remote
// store is down or the shipper is underprovisioned.
package backlog

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"reportd/pkg/logger"
	"reportd/pkg/metrics"
	"reportd/pkg/sink"
)

// Monitor polls the pending segment backlog for a set of streams.
type Monitor struct {
	base     string
	streams  []string
	interval time.Duration
}

func New(basePath string, streams []string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{base: basePath, streams: streams, interval: interval}
}

// Run samples until ctx is cancelled. Always returns nil so a sampling
// problem never tears the task group down.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.sample()
	for {
		select {
		case <-t.C:
			m.sample()
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) sample() {
	for _, stream := range m.streams {
		dir := sink.Layout{Base: m.base, Stream: stream}.PendingDir()
		names, err := sink.ListSegments(dir)
		if err != nil {
			logger.Warn("backlog_sample_failed", "stream", stream, "error", err)
			continue
		}
		var bytes int64
		for _, name := range names {
			if fi, err := os.Stat(filepath.Join(dir, name)); err == nil {
				bytes += fi.Size()
			}
		}
		metrics.PendingSegments.WithLabelValues(stream).Set(float64(len(names)))
		metrics.PendingBytes.WithLabelValues(stream).Set(float64(bytes))
	}
}
