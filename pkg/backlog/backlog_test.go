package backlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"reportd/pkg/metrics"
	"reportd/pkg/sink"
)

func TestSampleCountsPendingSegments(t *testing.T) {
	base := t.TempDir()
	l := sink.Layout{Base: base, Stream: "witness"}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	var total int64
	for seq, size := range map[uint64]int{1: 100, 2: 250} {
		name := sink.SegmentName("witness", seq, time.Now())
		if err := os.WriteFile(filepath.Join(l.PendingDir(), name), make([]byte, size), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		total += int64(size)
	}

	m := New(base, []string{"witness"}, time.Minute)
	m.sample()

	if got := testutil.ToFloat64(metrics.PendingSegments.WithLabelValues("witness")); got != 2 {
		t.Fatalf("pending segments gauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PendingBytes.WithLabelValues("witness")); got != float64(total) {
		t.Fatalf("pending bytes gauge = %v, want %d", got, total)
	}
}
