package sink

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Segment files are framed: an 8-byte header (magic + format version)
// followed by records of (crc32c uint32, length int32, bytes). A torn tail
// from a crash is detected by CRC and truncated away on recovery.
const (
	segmentHeaderSize = 8
	recordHeaderSize  = 8
	segmentMagic      = 0x52534547 // "RSEG"
	segmentVersion    = 1

	segmentSuffix  = ".seg"
	manifestSuffix = ".json"

	maxRecordSize = 16 * 1024 * 1024
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Layout resolves the on-disk directories for one report stream. Open
// segments live under open/; sealed segments are renamed into pending/
// where the shipper discovers them.
type Layout struct {
	Base   string
	Stream string
}

func (l Layout) OpenDir() string    { return filepath.Join(l.Base, l.Stream, "open") }
func (l Layout) PendingDir() string { return filepath.Join(l.Base, l.Stream, "pending") }

// Ensure creates the stream's directories.
func (l Layout) Ensure() error {
	for _, d := range []string{l.OpenDir(), l.PendingDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// SegmentName builds the canonical file name: stream, zero-padded sequence
// number, creation time in unix milliseconds.
func SegmentName(stream string, seq uint64, created time.Time) string {
	return fmt.Sprintf("%s-%09d-%d%s", stream, seq, created.UnixMilli(), segmentSuffix)
}

// SegmentMeta is what a segment file name encodes.
type SegmentMeta struct {
	Stream  string
	Seq     uint64
	Created time.Time
}

// ParseSegmentName decodes a segment file name.
func ParseSegmentName(name string) (SegmentMeta, error) {
	base := strings.TrimSuffix(name, segmentSuffix)
	if base == name {
		return SegmentMeta{}, fmt.Errorf("not a segment file: %s", name)
	}
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return SegmentMeta{}, fmt.Errorf("malformed segment name: %s", name)
	}
	ms, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return SegmentMeta{}, fmt.Errorf("malformed segment timestamp in %s: %w", name, err)
	}
	rest := base[:i]
	j := strings.LastIndexByte(rest, '-')
	if j < 0 {
		return SegmentMeta{}, fmt.Errorf("malformed segment name: %s", name)
	}
	seq, err := strconv.ParseUint(rest[j+1:], 10, 64)
	if err != nil {
		return SegmentMeta{}, fmt.Errorf("malformed segment sequence in %s: %w", name, err)
	}
	return SegmentMeta{Stream: rest[:j], Seq: seq, Created: time.UnixMilli(ms)}, nil
}

// Manifest describes a sealed segment. It is written as a JSON sidecar
// into pending/ before the segment rename, and attached to the upload as
// object metadata.
type Manifest struct {
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
	CRC32C  uint32 `json:"crc32c"`
}

// writer appends framed records to one open segment file.
type writer struct {
	f       *os.File
	path    string
	created time.Time
	size    int64
	records int
	crc     uint32
}

func createSegment(path string, created time.Time) (*writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	var hdr [segmentHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.BigEndian.PutUint32(hdr[4:8], segmentVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		f.Close()
		return nil, err
	}
	return &writer{f: f, path: path, created: created, size: segmentHeaderSize}, nil
}

// append frames one record and fsyncs so the record survives a crash as
// soon as the call returns.
func (w *writer) append(rec []byte) error {
	if len(rec) == 0 || len(rec) > maxRecordSize {
		return fmt.Errorf("record size %d out of range", len(rec))
	}
	var buf bytes.Buffer
	crc := crc32.Checksum(rec, crcTable)
	if err := binary.Write(&buf, binary.BigEndian, crc); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, int32(len(rec))); err != nil {
		return err
	}
	buf.Write(rec)
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("fsync segment: %w", err)
	}
	w.size += int64(buf.Len())
	w.records++
	w.crc = crc32.Update(w.crc, crcTable, rec)
	return nil
}

func (w *writer) manifest() Manifest {
	return Manifest{Records: w.records, Bytes: w.size, CRC32C: w.crc}
}

func (w *writer) close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// seal moves a closed segment into pending/: manifest sidecar first (via
// temp file and rename), then the segment rename, which is the commit
// point. An orphan sidecar from a crash between the two steps is cleaned
// by the janitor and ignored by the shipper.
func seal(openPath string, pendingDir string, m Manifest) error {
	name := filepath.Base(openPath)
	mfPath := filepath.Join(pendingDir, name+manifestSuffix)
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(pendingDir, ".mf-*.tmp")
	if err != nil {
		return fmt.Errorf("create manifest temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, mfPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install manifest: %w", err)
	}
	if err := os.Rename(openPath, filepath.Join(pendingDir, name)); err != nil {
		return fmt.Errorf("seal segment %s: %w", name, err)
	}
	if err := syncDir(pendingDir); err != nil {
		return err
	}
	return syncDir(filepath.Dir(openPath))
}

// ScanSegment walks a segment file and returns its record count, the byte
// offset of the last valid frame boundary, and the running CRC over record
// bytes. A short or corrupt tail stops the scan without error; callers
// truncate to validSize to recover.
func ScanSegment(path string) (records int, validSize int64, crc uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, 0, 0, nil
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != segmentMagic {
		return 0, 0, 0, fmt.Errorf("bad segment magic in %s", path)
	}
	validSize = segmentHeaderSize
	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(f, rh[:]); err != nil {
			break
		}
		want := binary.BigEndian.Uint32(rh[0:4])
		length := int32(binary.BigEndian.Uint32(rh[4:8]))
		if length <= 0 || length > maxRecordSize {
			break
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			break
		}
		if crc32.Checksum(data, crcTable) != want {
			break
		}
		records++
		crc = crc32.Update(crc, crcTable, data)
		validSize += recordHeaderSize + int64(length)
	}
	return records, validSize, crc, nil
}

// ReadRecords streams every valid record in a segment to fn, stopping at
// the first torn frame or when fn returns an error.
func ReadRecords(path string, fn func(rec []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return fmt.Errorf("short segment header in %s", path)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != segmentMagic {
		return fmt.Errorf("bad segment magic in %s", path)
	}
	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(f, rh[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return nil
		}
		want := binary.BigEndian.Uint32(rh[0:4])
		length := int32(binary.BigEndian.Uint32(rh[4:8]))
		if length <= 0 || length > maxRecordSize {
			return nil
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil
		}
		if crc32.Checksum(data, crcTable) != want {
			return nil
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}

// ReadManifest loads a sealed segment's sidecar if present.
func ReadManifest(segPath string) (Manifest, bool) {
	var m Manifest
	b, err := os.ReadFile(segPath + manifestSuffix)
	if err != nil {
		return m, false
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, false
	}
	return m, true
}

// ListSegments returns segment file names in dir sorted by sequence.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		a, erra := ParseSegmentName(names[i])
		b, errb := ParseSegmentName(names[j])
		if erra != nil || errb != nil {
			return names[i] < names[j]
		}
		return a.Seq < b.Seq
	})
	return names, nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
