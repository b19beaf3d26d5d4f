// Package ips applies International Patching System (IPS) patches.
//
// An IPS patch is a list of (offset, data) records applied to a copy of the
// source file: bytes before the first record, and between records, are
// copied from the source unchanged; each record's bytes are written at its
// offset, overwriting whatever was there. A record with a zero-length size
// field is instead followed by a 2-byte repeat count and a single byte,
// meaning "write this byte that many times" (IPS's only concession to
// run-length compression). The record stream ends at the literal bytes
// "EOF"; an optional 3-byte trailer after that gives a final truncated size
// for the output file.
//
// Documentation: https://zerosoft.zophar.net/ips.php
package ips

import (
	"encoding/binary"
	"io"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
	"github.com/bitflip-labs/rompatch/internal/streamutil"
)

// Magic is the 5-byte signature every IPS patch begins with.
var Magic = []byte("PATCH")

const eofMarker = uint32(0x454F46) // "EOF" as a 24-bit big-endian value

// Apply applies patch to source, writing the result to output. The source
// must be seekable so unmodified spans can be copied forward as each hunk is
// applied; patch and output only need to be read/written sequentially.
//
// Apply returns patchcore.ErrBadPatch if the patch is malformed, declares an
// RLE repeat count of zero, or ends with a truncation trailer inconsistent
// with what was already written.
func Apply(source io.ReadSeeker, patch io.Reader, output io.Writer) (patchcore.PatchReport, error) {
	rom := streamutil.NewReadOnlyTracker(source)
	var out countingWriter
	countedOutput := io.MultiWriter(&out, output)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(patch, magic); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	if string(magic) != string(Magic) {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}

	for {
		offset, err := readUint24(patch)
		if err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
		if offset == eofMarker {
			break
		}

		if err := rom.CopyUntil(uint64(offset), countedOutput); err != nil {
			return patchcore.PatchReport{}, mapRomErr(err)
		}

		hunkSize, err := readUint16(patch)
		if err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}

		var written int64
		if hunkSize != 0 {
			if _, err := io.CopyN(countedOutput, patch, int64(hunkSize)); err != nil {
				return patchcore.PatchReport{}, patchcore.MapIOErr(err)
			}
			written = int64(hunkSize)
		} else {
			patternLen, err := readUint16(patch)
			if err != nil {
				return patchcore.PatchReport{}, patchcore.MapIOErr(err)
			}
			if patternLen == 0 {
				return patchcore.PatchReport{}, patchcore.ErrBadPatch
			}
			var b [1]byte
			if _, err := io.ReadFull(patch, b[:]); err != nil {
				return patchcore.PatchReport{}, patchcore.MapIOErr(err)
			}
			if _, err := io.CopyN(countedOutput, repeatByte(b[0]), int64(patternLen)); err != nil {
				return patchcore.PatchReport{}, patchcore.MapIOErr(err)
			}
			written = int64(patternLen)
		}

		if err := rom.SeekRelative(written); err != nil {
			return patchcore.PatchReport{}, mapRomErr(err)
		}
	}

	trailer, hasTrailer, err := tryReadUint24(patch)
	if err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	switch {
	case !hasTrailer:
		// No truncation trailer: copy the remainder of the source verbatim.
		// A patch that wrote nothing at all before reaching EOF is malformed
		// (a patch that *only* truncates, with no preceding hunks, is fine).
		if out.n == 0 {
			return patchcore.PatchReport{}, patchcore.ErrBadPatch
		}
		if _, err := io.Copy(countedOutput, rom); err != nil {
			return patchcore.PatchReport{}, mapRomErr(err)
		}
	default:
		truncatedSize := uint64(trailer)
		if truncatedSize < uint64(out.n) {
			return patchcore.PatchReport{}, patchcore.ErrBadPatch
		}
		if !atEOF(patch) {
			// Any further bytes after the trailer mean it wasn't actually EOF.
			return patchcore.PatchReport{}, patchcore.ErrBadPatch
		}
		if err := rom.CopyUntil(truncatedSize, countedOutput); err != nil {
			return patchcore.PatchReport{}, mapRomErr(err)
		}
	}

	return patchcore.PatchReport{
		ActualSourceSize: rom.Position(),
		ActualTargetSize: uint64(out.n),
	}, nil
}

// mapRomErr treats a backwards-copy request against the source (which can
// only happen if the patch's offsets aren't monotonically increasing) as a
// corrupt patch, same as any other source-stream violation.
func mapRomErr(err error) error {
	if err == streamutil.ErrBackwardsCopy || err == streamutil.ErrShortCopy {
		return patchcore.ErrBadPatch
	}
	return patchcore.MapIOErr(err)
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func repeatByte(b byte) io.Reader {
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = b
	}
	return &repeater{buf: buf}
}

type repeater struct{ buf []byte }

func (r *repeater) Read(p []byte) (int, error) {
	n := copy(p, r.buf)
	if n < len(p) {
		for i := n; i < len(p); i++ {
			p[i] = r.buf[0]
		}
		n = len(p)
	}
	return n, nil
}

func readUint24(r io.Reader) (uint32, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func tryReadUint24(r io.Reader) (uint32, bool, error) {
	var b [3]byte
	n, err := io.ReadFull(r, b[:])
	if err == io.EOF && n == 0 {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), true, nil
}

func atEOF(r io.Reader) bool {
	var b [1]byte
	n, err := r.Read(b[:])
	return n == 0 && err == io.EOF
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
