package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"reportd/pkg/sink"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestSweepRemovesDebris(t *testing.T) {
	base := t.TempDir()
	l := sink.Layout{Base: base, Stream: "beacon"}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	staleTmp := filepath.Join(l.PendingDir(), ".mf-123.tmp")
	writeAged(t, staleTmp, 2*time.Hour)

	freshTmp := filepath.Join(l.PendingDir(), ".mf-456.tmp")
	writeAged(t, freshTmp, time.Minute)

	orphanSidecar := filepath.Join(l.PendingDir(), "beacon-000000001-1.seg.json")
	writeAged(t, orphanSidecar, 2*time.Hour)

	// sidecar whose segment still exists must survive at any age
	pairedSeg := filepath.Join(l.PendingDir(), "beacon-000000002-2.seg")
	writeAged(t, pairedSeg, 3*time.Hour)
	pairedSidecar := pairedSeg + ".json"
	writeAged(t, pairedSidecar, 3*time.Hour)

	staleCorrupt := filepath.Join(l.OpenDir(), "beacon-000000003-3.seg.corrupt")
	writeAged(t, staleCorrupt, 2*time.Hour)

	freshCorrupt := filepath.Join(l.OpenDir(), "beacon-000000004-4.seg.corrupt")
	writeAged(t, freshCorrupt, time.Minute)

	Sweep(Options{BasePath: base, Streams: []string{"beacon"}, MaxAge: time.Hour})

	for _, gone := range []string{staleTmp, orphanSidecar, staleCorrupt} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Fatalf("%s not removed", gone)
		}
	}
	for _, kept := range []string{freshTmp, pairedSeg, pairedSidecar, freshCorrupt} {
		if _, err := os.Stat(kept); err != nil {
			t.Fatalf("%s removed or unreadable: %v", kept, err)
		}
	}
}
