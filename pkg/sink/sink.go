// Package sink implements the durable file sink: a bounded channel in
// front of a single consumer task that appends records to a rotating
// segment file and seals segments for the upload shipper.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"reportd/pkg/logger"
	"reportd/pkg/metrics"
)

// ErrSinkClosed is returned by Write once the sink is shutting down. It is
// the only failure mode of Write besides context cancellation.
var ErrSinkClosed = errors.New("sink closed")

// Options configure one sink instance.
type Options struct {
	Stream       string
	BasePath     string
	Capacity     int           // bounded channel size; producers suspend when full
	RollInterval time.Duration // rotation deadline per segment
	RollMaxSize  int64         // rotation size threshold in bytes
	Sealed       chan<- string // optional shipper wakeup; sends never block
}

type item struct {
	buf  *bytebufferpool.ByteBuffer
	data []byte
}

var itemPool = sync.Pool{New: func() any { return &item{} }}

func newItem(rec []byte) *item {
	it := itemPool.Get().(*item)
	it.buf = bytebufferpool.Get()
	it.buf.B = append(it.buf.B[:0], rec...)
	it.data = it.buf.B[:len(rec)]
	return it
}

func (it *item) release() {
	if it.buf != nil {
		bytebufferpool.Put(it.buf)
		it.buf = nil
	}
	it.data = nil
	itemPool.Put(it)
}

// Sink buffers accepted records and appends them to segment files. One
// consumer task owns the open segment; producers only touch the channel.
type Sink struct {
	opts   Options
	layout Layout

	ch        chan *item
	done      chan struct{}
	closeOnce sync.Once
	enqWg     sync.WaitGroup

	// consumer-task state
	nextSeq  uint64
	w        *writer
	deadline time.Time
}

// New prepares the stream's directories, recovers any segments left open
// by a previous process, and returns a sink ready to Run. Recovery seals
// every non-empty leftover (truncated to its last valid frame) so records
// appended before a crash are never lost.
func New(opts Options) (*Sink, error) {
	if opts.Stream == "" {
		return nil, errors.New("sink: stream name required")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 50
	}
	if opts.RollInterval <= 0 {
		opts.RollInterval = 5 * time.Minute
	}
	if opts.RollMaxSize <= 0 {
		opts.RollMaxSize = 64 * 1024 * 1024
	}
	l := Layout{Base: opts.BasePath, Stream: opts.Stream}
	if err := l.Ensure(); err != nil {
		return nil, err
	}
	s := &Sink{
		opts:   opts,
		layout: l,
		ch:     make(chan *item, opts.Capacity),
		done:   make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// recover seals leftover open segments and restores the sequence counter
// from on-disk names.
func (s *Sink) recover() error {
	var maxSeq uint64
	bump := func(dir string) error {
		names, err := ListSegments(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			if meta, err := ParseSegmentName(name); err == nil && meta.Seq > maxSeq {
				maxSeq = meta.Seq
			}
		}
		return nil
	}
	if err := bump(s.layout.PendingDir()); err != nil {
		return err
	}

	names, err := ListSegments(s.layout.OpenDir())
	if err != nil {
		return err
	}
	for _, name := range names {
		if meta, err := ParseSegmentName(name); err == nil && meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	for _, name := range names {
		path := filepath.Join(s.layout.OpenDir(), name)
		records, validSize, crc, err := ScanSegment(path)
		if err != nil {
			// Quarantine under a .corrupt suffix so discovery stops
			// retrying it; the janitor ages the file out later.
			logger.Warn("sink_recover_unreadable", "stream", s.opts.Stream, "segment", name, "error", err)
			if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
				return fmt.Errorf("quarantine segment %s: %w", name, rerr)
			}
			continue
		}
		if records == 0 {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove empty segment %s: %w", name, err)
			}
			continue
		}
		if err := os.Truncate(path, validSize); err != nil {
			return fmt.Errorf("truncate torn segment %s: %w", name, err)
		}
		m := Manifest{Records: records, Bytes: validSize, CRC32C: crc}
		if err := seal(path, s.layout.PendingDir(), m); err != nil {
			return err
		}
		logger.Info("sink_recovered_segment", "stream", s.opts.Stream, "segment", name, "records", records)
	}
	s.nextSeq = maxSeq + 1
	return nil
}

// Write enqueues one serialized record. It returns immediately when the
// channel has capacity, suspends when full, and fails only with
// ErrSinkClosed on shutdown or the context's error. A nil return means the
// record will be appended (or counted as dropped on an append failure)
// before the sink finishes shutting down.
func (s *Sink) Write(ctx context.Context, rec []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	s.enqWg.Add(1)
	defer s.enqWg.Done()

	// Re-check after the Add: shutdown may have observed a zero waitgroup
	// and closed the channel between the first check and the Add. After
	// this point drainAndSeal cannot pass enqWg.Wait until we return, so
	// the send below never races the close.
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	it := newItem(rec)
	select {
	case s.ch <- it:
		return nil
	case <-s.done:
		it.release()
		return ErrSinkClosed
	case <-ctx.Done():
		it.release()
		return ctx.Err()
	}
}

// Run is the single consumer task. It drains the channel strictly in
// arrival order, rotates on deadline or size, and on ctx cancellation
// stops accepting, drains everything already queued, seals the current
// segment, and returns.
func (s *Sink) Run(ctx context.Context) error {
	rollTimer := time.NewTimer(time.Hour)
	if !rollTimer.Stop() {
		<-rollTimer.C
	}
	timerActive := false

	for {
		var rollC <-chan time.Time
		if timerActive {
			rollC = rollTimer.C
		}
		select {
		case it := <-s.ch:
			s.consume(it)
			if s.w != nil && !timerActive {
				rollTimer.Reset(time.Until(s.deadline))
				timerActive = true
			}
			if s.w == nil && timerActive {
				// consume rotated by size
				if !rollTimer.Stop() {
					<-rollTimer.C
				}
				timerActive = false
			}
		case <-rollC:
			timerActive = false
			s.rotate("interval")
		case <-ctx.Done():
			s.drainAndSeal()
			logger.Info("sink_stopped", "stream", s.opts.Stream)
			return nil
		}
	}
}

// consume appends one record, opening a segment lazily. Append failures
// are logged and counted, never fatal: the caller already got a response.
func (s *Sink) consume(it *item) {
	defer it.release()
	if s.w == nil {
		if err := s.open(); err != nil {
			logger.Error("sink_open_segment_failed", "stream", s.opts.Stream, "error", err)
			metrics.SinkDropped.WithLabelValues(s.opts.Stream).Inc()
			return
		}
	}
	if err := s.w.append(it.data); err != nil {
		logger.Error("sink_append_failed", "stream", s.opts.Stream, "error", err)
		metrics.SinkDropped.WithLabelValues(s.opts.Stream).Inc()
		return
	}
	metrics.SinkAppended.WithLabelValues(s.opts.Stream).Inc()
	if s.w.size >= s.opts.RollMaxSize {
		s.rotate("size")
	}
}

func (s *Sink) open() error {
	created := time.Now()
	name := SegmentName(s.opts.Stream, s.nextSeq, created)
	w, err := createSegment(filepath.Join(s.layout.OpenDir(), name), created)
	if err != nil {
		return err
	}
	s.nextSeq++
	s.w = w
	s.deadline = created.Add(s.opts.RollInterval)
	return nil
}

// rotate seals the current segment and leaves the sink ready to open a
// fresh one on the next record. Empty segments are discarded, not sealed.
func (s *Sink) rotate(cause string) {
	if s.w == nil {
		return
	}
	w := s.w
	s.w = nil
	if err := w.close(); err != nil {
		logger.Error("sink_close_segment_failed", "stream", s.opts.Stream, "error", err)
	}
	if w.records == 0 {
		if err := os.Remove(w.path); err != nil {
			logger.Warn("sink_remove_empty_failed", "stream", s.opts.Stream, "error", err)
		}
		return
	}
	name := filepath.Base(w.path)
	if err := seal(w.path, s.layout.PendingDir(), w.manifest()); err != nil {
		// The segment stays in open/; startup recovery will seal it.
		logger.Error("sink_seal_failed", "stream", s.opts.Stream, "segment", name, "error", err)
		return
	}
	metrics.SegmentsSealed.WithLabelValues(s.opts.Stream).Inc()
	logger.Info("sink_sealed_segment",
		"stream", s.opts.Stream, "segment", name,
		"records", w.records, "bytes", w.size, "cause", cause)
	if s.opts.Sealed != nil {
		select {
		case s.opts.Sealed <- name:
		default:
		}
	}
}

// drainAndSeal stops accepting, waits out in-flight Write calls, drains
// the queue into the current segment, and force-seals it. Every record
// accepted by Write is on the channel before it closes, so none is lost.
func (s *Sink) drainAndSeal() {
	s.closeOnce.Do(func() { close(s.done) })
	s.enqWg.Wait()
	close(s.ch)
	for it := range s.ch {
		s.consume(it)
	}
	s.rotate("shutdown")
}
