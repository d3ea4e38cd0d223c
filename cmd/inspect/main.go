// Command inspect prints the contents of report segment files: frame
// integrity, manifest agreement, and optionally every buffered report
// with its recomputed event id.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"reportd/pkg/report"
	"reportd/pkg/sink"
)

func main() {
	var (
		path    string
		records bool
	)
	flag.StringVar(&path, "path", "", "segment file or directory to inspect")
	flag.BoolVar(&records, "records", false, "print every record")
	flag.Parse()
	if path == "" {
		fmt.Fprintln(os.Stderr, "--path required")
		os.Exit(2)
	}

	fi, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stat %s: %v\n", path, err)
		os.Exit(1)
	}

	var segs []string
	if fi.IsDir() {
		segs, err = sink.ListSegments(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list %s: %v\n", path, err)
			os.Exit(1)
		}
		for i, name := range segs {
			segs[i] = filepath.Join(path, name)
		}
	} else {
		segs = []string{path}
	}

	exit := 0
	for _, seg := range segs {
		if err := inspect(seg, records); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", seg, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

func inspect(path string, printRecords bool) error {
	n, size, crc, err := sink.ScanSegment(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", path)
	fmt.Printf("  records: %d  valid_bytes: %d  crc32c: %08x\n", n, size, crc)

	if meta, err := sink.ParseSegmentName(filepath.Base(path)); err == nil {
		fmt.Printf("  stream: %s  seq: %d  created: %s\n",
			meta.Stream, meta.Seq, meta.Created.UTC().Format(time.RFC3339))
	}

	if m, ok := sink.ReadManifest(path); ok {
		status := "ok"
		if m.Records != n || m.CRC32C != crc {
			status = "MISMATCH"
		}
		fmt.Printf("  manifest: records=%d bytes=%d crc32c=%08x (%s)\n",
			m.Records, m.Bytes, m.CRC32C, status)
	}

	if !printRecords {
		return nil
	}
	i := 0
	return sink.ReadRecords(path, func(rec []byte) error {
		i++
		in, err := report.Decode(rec)
		if err != nil {
			fmt.Printf("  [%d] undecodable: %v\n", i, err)
			return nil
		}
		received := time.UnixMilli(in.ReceivedTimestamp).UTC()
		line := fmt.Sprintf("  [%d] kind=%s received=%s pubkey=%s",
			i, in.Kind, received.Format(time.RFC3339Nano), base58.Encode(in.Report.PubKey()))
		if signed, err := in.Report.SignedBytes(); err == nil {
			id := report.EventID(signed, received, in.Report.PubKey())
			line += " id=" + report.EventIDString(id)
		}
		fmt.Println(strings.TrimRight(line, " "))
		return nil
	})
}
