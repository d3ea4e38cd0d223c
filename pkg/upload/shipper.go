package upload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"reportd/pkg/logger"
	"reportd/pkg/metrics"
	"reportd/pkg/sink"
)

// Options configure the shipper.
type Options struct {
	BasePath     string
	Streams      []string
	Prefix       string        // object key prefix
	PollInterval time.Duration // discovery cadence when idle
	MaxAttempts  int           // per discovery pass, per segment
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Concurrency  int           // distinct segments uploading at once
	Wake         <-chan string // optional sink sealing notifications

	AttemptTimeout time.Duration // ceiling for one store call
}

// Shipper discovers sealed segments from on-disk state and uploads them.
// Discovery reads pending/ directories on every pass, so a crash between
// sealing and upload loses nothing: a fresh process finds the same
// segments again. A segment is removed locally only after the store
// acknowledges it; exhausting the retry budget leaves it for a later pass.
type Shipper struct {
	store Store
	opts  Options

	mu     sync.Mutex
	claims map[string]struct{}
}

// New builds a shipper over the given store.
func New(store Store, opts Options) *Shipper {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = time.Minute
	}
	return &Shipper{store: store, opts: opts, claims: make(map[string]struct{})}
}

// Run is the shipper's long-lived loop: discover, upload, wait, repeat.
// On cancellation in-flight uploads finish their current attempt and no
// new ones start.
func (sh *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sh.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := sh.sweep(ctx); err != nil {
			logger.Error("shipper_sweep_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("shipper_stopped")
			return nil
		case <-ticker.C:
		case <-sh.wake():
		}
	}
}

func (sh *Shipper) wake() <-chan string {
	if sh.opts.Wake != nil {
		return sh.opts.Wake
	}
	return nil
}

// sweep uploads every pending segment it can claim, bounded by the
// configured concurrency, and waits for the batch to finish.
func (sh *Shipper) sweep(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sh.opts.Concurrency)

	for _, stream := range sh.opts.Streams {
		dir := filepath.Join(sh.opts.BasePath, stream, "pending")
		names, err := sink.ListSegments(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("list pending for %s: %w", stream, err)
		}
		for _, name := range names {
			if ctx.Err() != nil {
				break
			}
			if !sh.claim(name) {
				continue
			}
			stream, name := stream, name
			g.Go(func() error {
				defer sh.release(name)
				sh.uploadSegment(gctx, stream, filepath.Join(dir, name))
				return nil
			})
		}
	}
	return g.Wait()
}

// claim marks a segment as owned by one upload task. The pending/
// directory itself is the cross-restart claim; this map only prevents two
// tasks in the same process from racing on one segment.
func (sh *Shipper) claim(name string) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.claims[name]; ok {
		return false
	}
	sh.claims[name] = struct{}{}
	return true
}

func (sh *Shipper) release(name string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.claims, name)
}

// uploadSegment compresses and transmits one segment, retrying transient
// failures with bounded exponential backoff. On ack the local files are
// deleted; on exhaustion the segment stays on disk for the next pass.
func (sh *Shipper) uploadSegment(ctx context.Context, stream, path string) {
	name := filepath.Base(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Error("shipper_read_failed", "segment", name, "error", err)
		return
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		logger.Error("shipper_compress_failed", "segment", name, "error", err)
		return
	}
	if err := zw.Close(); err != nil {
		logger.Error("shipper_compress_failed", "segment", name, "error", err)
		return
	}

	meta := map[string]string{"stream": stream, "raw_bytes": strconv.Itoa(len(raw))}
	if m, ok := sink.ReadManifest(path); ok {
		meta["records"] = strconv.Itoa(m.Records)
		meta["crc32c"] = strconv.FormatUint(uint64(m.CRC32C), 10)
	}
	key := sh.opts.Prefix + stream + "/" + name + ".gz"

	for attempt := 1; attempt <= sh.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		metrics.UploadAttempts.WithLabelValues(stream).Inc()
		// A started attempt runs to completion even during shutdown.
		// ctx gates the gaps between attempts; the attempt itself is
		// detached from it and bounded by its own timeout.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sh.opts.AttemptTimeout)
		err := sh.store.Put(actx, key, bytes.NewReader(buf.Bytes()), meta)
		cancel()
		if err == nil {
			sh.confirm(stream, path)
			return
		}
		logger.Warn("shipper_put_failed",
			"segment", name, "attempt", attempt, "max_attempts", sh.opts.MaxAttempts, "error", err)
		if attempt == sh.opts.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, sh.backoff(attempt)) {
			return
		}
	}
	metrics.UploadsFailed.WithLabelValues(stream).Inc()
	logger.Error("shipper_retries_exhausted", "segment", name, "stream", stream)
}

// confirm deletes the local copy after the remote ack. Deleting the
// sidecar first keeps a re-crash harmless: a segment without a sidecar is
// still uploadable, a sidecar without a segment is janitor fodder.
func (sh *Shipper) confirm(stream, path string) {
	if err := os.Remove(path + ".json"); err != nil && !os.IsNotExist(err) {
		logger.Warn("shipper_remove_manifest_failed", "path", path, "error", err)
	}
	if err := os.Remove(path); err != nil {
		logger.Error("shipper_remove_segment_failed", "path", path, "error", err)
		return
	}
	metrics.UploadsConfirmed.WithLabelValues(stream).Inc()
	logger.Info("shipper_confirmed", "stream", stream, "segment", filepath.Base(path))
}

func (sh *Shipper) backoff(attempt int) time.Duration {
	d := sh.opts.BackoffBase << (attempt - 1)
	if d > sh.opts.BackoffCap || d <= 0 {
		d = sh.opts.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
