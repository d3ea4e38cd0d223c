package sink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSegmentNameRoundTrip(t *testing.T) {
	created := time.UnixMilli(1700000000123)
	name := SegmentName("beacon", 42, created)
	meta, err := ParseSegmentName(name)
	if err != nil {
		t.Fatalf("ParseSegmentName(%q): %v", name, err)
	}
	if meta.Stream != "beacon" || meta.Seq != 42 || !meta.Created.Equal(created) {
		t.Fatalf("meta = %+v", meta)
	}
	if _, err := ParseSegmentName("not-a-segment.txt"); err == nil {
		t.Fatalf("expected error for non-segment name")
	}
}

func TestWriteScanReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SegmentName("witness", 1, time.Now()))
	w, err := createSegment(path, time.Now())
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	recs := [][]byte{[]byte("one"), []byte("two two"), []byte("three three three")}
	for _, r := range recs {
		if err := w.append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	n, size, _, err := ScanSegment(path)
	if err != nil {
		t.Fatalf("ScanSegment: %v", err)
	}
	if n != len(recs) {
		t.Fatalf("records = %d, want %d", n, len(recs))
	}
	fi, _ := os.Stat(path)
	if size != fi.Size() {
		t.Fatalf("validSize = %d, file size = %d", size, fi.Size())
	}

	var got [][]byte
	if err := ReadRecords(path, func(rec []byte) error {
		got = append(got, append([]byte{}, rec...))
		return nil
	}); err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("read %d records, want %d", len(got), len(recs))
	}
	for i := range recs {
		if !bytes.Equal(got[i], recs[i]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], recs[i])
		}
	}
}

func TestScanStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SegmentName("beacon", 1, time.Now()))
	w, err := createSegment(path, time.Now())
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	if err := w.append([]byte("intact record")); err != nil {
		t.Fatalf("append: %v", err)
	}
	goodSize := w.size
	if err := w.append([]byte("record to tear")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// simulate a crash mid-write of the second record
	if err := os.Truncate(path, goodSize+5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	n, size, _, err := ScanSegment(path)
	if err != nil {
		t.Fatalf("ScanSegment: %v", err)
	}
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	if size != goodSize {
		t.Fatalf("validSize = %d, want %d", size, goodSize)
	}
}

func TestScanRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.seg")
	if err := os.WriteFile(path, []byte("XXXXYYYYrest of garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, _, err := ScanSegment(path); err == nil {
		t.Fatalf("expected bad magic error")
	}
}

func TestSealMovesSegmentAndManifest(t *testing.T) {
	base := t.TempDir()
	l := Layout{Base: base, Stream: "speedtest"}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	name := SegmentName("speedtest", 3, time.Now())
	openPath := filepath.Join(l.OpenDir(), name)
	w, err := createSegment(openPath, time.Now())
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	if err := w.append([]byte("payload")); err != nil {
		t.Fatalf("append: %v", err)
	}
	m := w.manifest()
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := seal(openPath, l.PendingDir(), m); err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := os.Stat(openPath); !os.IsNotExist(err) {
		t.Fatalf("segment still in open/: %v", err)
	}
	sealedPath := filepath.Join(l.PendingDir(), name)
	if _, err := os.Stat(sealedPath); err != nil {
		t.Fatalf("segment missing from pending/: %v", err)
	}
	got, ok := ReadManifest(sealedPath)
	if !ok {
		t.Fatalf("manifest sidecar missing")
	}
	if got != m {
		t.Fatalf("manifest = %+v, want %+v", got, m)
	}
}

func TestListSegmentsOrder(t *testing.T) {
	dir := t.TempDir()
	// create out of order, with a decoy non-segment file
	for _, seq := range []uint64{7, 2, 11} {
		name := SegmentName("beacon", seq, time.Now())
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write decoy: %v", err)
	}
	names, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("got %d names: %v", len(names), names)
	}
	var seqs []uint64
	for _, n := range names {
		meta, err := ParseSegmentName(n)
		if err != nil {
			t.Fatalf("parse %q: %v", n, err)
		}
		seqs = append(seqs, meta.Seq)
	}
	if fmt.Sprint(seqs) != "[2 7 11]" {
		t.Fatalf("order = %v", seqs)
	}
}
