// Package janitor periodically sweeps the sink directories for debris
// left behind by crashes: half-written temp files, manifest sidecars
// whose segment is gone, and segments quarantined as unreadable.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"reportd/pkg/logger"
	"reportd/pkg/sink"
)

// Options configures one janitor run loop.
type Options struct {
	BasePath string
	Streams  []string
	Cron     string
	MaxAge   time.Duration
}

// Run sweeps on the configured cron schedule until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cronExpr := opts.Cron
	if cronExpr == "" {
		cronExpr = "*/30 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid janitor cron expression: %s", opts.Cron)
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	logger.Info("janitor_started", "cron", cronExpr, "max_age", opts.MaxAge)

	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("janitor_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-time.After(time.Until(next)):
			Sweep(opts)
		case <-ctx.Done():
			logger.Info("janitor_stopping")
			return nil
		}
	}
}

// Sweep walks every stream directory once and removes stale debris.
// It is safe to call while the sinks and shipper are running: only temp
// files, orphaned sidecars and quarantined segments past MaxAge are
// touched, never live segments.
func Sweep(opts Options) {
	cutoff := time.Now().Add(-opts.MaxAge)
	for _, stream := range opts.Streams {
		l := sink.Layout{Base: opts.BasePath, Stream: stream}
		for _, dir := range []string{l.OpenDir(), l.PendingDir()} {
			sweepDir(dir, cutoff)
		}
	}
}

func sweepDir(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, ".tmp"):
			if olderThan(path, cutoff) {
				removeStale(path, "temp")
			}
		case strings.HasSuffix(name, ".corrupt"):
			// segments quarantined during recovery
			if olderThan(path, cutoff) {
				removeStale(path, "corrupt")
			}
		case strings.HasSuffix(name, ".json"):
			// sidecar is orphaned once its segment was uploaded or removed
			seg := strings.TrimSuffix(path, ".json")
			if _, err := os.Stat(seg); os.IsNotExist(err) && olderThan(path, cutoff) {
				removeStale(path, "sidecar")
			}
		}
	}
}

func olderThan(path string, cutoff time.Time) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.ModTime().Before(cutoff)
}

func removeStale(path, kind string) {
	if err := os.Remove(path); err != nil {
		logger.Warn("janitor_remove_failed", "kind", kind, "path", path, "error", err)
		return
	}
	logger.Info("janitor_removed", "kind", kind, "path", path)
}
