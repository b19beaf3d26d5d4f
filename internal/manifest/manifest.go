// Package manifest appends human-readable records of patch applications to
// a sidecar file next to the ROM being patched, so a ROM hacker can later
// tell which patches were applied to which file and what the result looked
// like.
//
// The manifest's wire format is intentionally minimal: no structured
// document library in the retrieval pack targets this shape of record, so
// this is a flat `key = value` block writer in the same spirit as the
// engine's own preference for explicit, unsurprising I/O over a dependency
// that would only ever be used for one call site.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
)

// Record is one row of the manifest: everything known about a single
// `rompatch apply` invocation against one patch file.
type Record struct {
	SourcePath string
	PatchPath  string
	PatchKind  string
	AppliedAt  time.Time
	Outcome    string
	Report     patchcore.PatchReport
}

// Writer appends Records to a manifest file, opened once and reused across
// every patch application in a single CLI invocation.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
}

// Open opens (creating if necessary) the manifest file at path for
// appending.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	return &Writer{file: f, buf: bufio.NewWriter(f)}, nil
}

// Append writes one record as a "---"-delimited key=value block and flushes
// it immediately, so a crash mid-run still leaves every prior record intact
// on disk.
func (w *Writer) Append(r Record) error {
	fmt.Fprintln(w.buf, "---")
	fmt.Fprintf(w.buf, "source_path = %s\n", r.SourcePath)
	fmt.Fprintf(w.buf, "patch_path = %s\n", r.PatchPath)
	fmt.Fprintf(w.buf, "patch_kind = %s\n", r.PatchKind)
	fmt.Fprintf(w.buf, "applied_at = %s\n", r.AppliedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w.buf, "outcome = %s\n", r.Outcome)
	fmt.Fprintf(w.buf, "expected_source_crc32 = %s\n", r.Report.ExpectedSourceCRC32)
	fmt.Fprintf(w.buf, "actual_source_crc32 = %s\n", r.Report.ActualSourceCRC32)
	fmt.Fprintf(w.buf, "expected_target_crc32 = %s\n", r.Report.ExpectedTargetCRC32)
	fmt.Fprintf(w.buf, "actual_target_crc32 = %s\n", r.Report.ActualTargetCRC32)
	fmt.Fprintf(w.buf, "patch_internal_crc32 = %s\n", r.Report.PatchInternalCRC32)
	fmt.Fprintf(w.buf, "patch_whole_file_crc32 = %s\n", r.Report.PatchWholeFileCRC32)
	fmt.Fprintf(w.buf, "expected_source_size = %d\n", r.Report.ExpectedSourceSize)
	fmt.Fprintf(w.buf, "actual_source_size = %d\n", r.Report.ActualSourceSize)
	fmt.Fprintf(w.buf, "expected_target_size = %d\n", r.Report.ExpectedTargetSize)
	fmt.Fprintf(w.buf, "actual_target_size = %d\n", r.Report.ActualTargetSize)
	return w.buf.Flush()
}

// Close flushes any buffered data and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
