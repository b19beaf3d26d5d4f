package vcdiff

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
	"github.com/bitflip-labs/rompatch/internal/varint"
)

func mustWriteVarint(t *testing.T, w *bytes.Buffer, v uint64) {
	t.Helper()
	if err := varint.WriteVcdiff(w, v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func writeHeader(buf *bytes.Buffer, hdrIndicator byte) {
	buf.Write(Magic)
	buf.WriteByte(0) // version
	buf.WriteByte(hdrIndicator)
}

// seekableBuffer is a minimal in-memory io.ReadWriteSeeker standing in for a
// real output file: Vcdiff's VCD_TARGET windows need to read back bytes this
// same decode already wrote.
type seekableBuffer struct {
	buf []byte
	pos int
}

func newOutput() *seekableBuffer { return &seekableBuffer{} }

func (s *seekableBuffer) Read(p []byte) (int, error) {
	if s.pos >= len(s.buf) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += n
	return n, nil
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(s.pos) + offset
	case io.SeekEnd:
		newPos = int64(len(s.buf)) + offset
	}
	if newPos < 0 {
		return 0, io.EOF
	}
	s.pos = int(newPos)
	return newPos, nil
}

func TestApplyNoSourceWindowAddOnly(t *testing.T) {
	var patch bytes.Buffer
	writeHeader(&patch, 0)

	var body bytes.Buffer
	mustWriteVarint(t, &body, 3) // target window length
	body.WriteByte(0)            // delta indicator
	mustWriteVarint(t, &body, 3) // data length
	mustWriteVarint(t, &body, 1) // instructions length
	mustWriteVarint(t, &body, 0) // addresses length
	body.WriteString("ABC")      // add-and-run data
	body.WriteByte(4)            // code 4: Add size 3

	patch.WriteByte(0) // win indicator: no source segment
	mustWriteVarint(t, &patch, uint64(body.Len()))
	patch.Write(body.Bytes())

	source := []byte{}
	out := newOutput()
	report, err := Apply(bytes.NewReader(source), bytes.NewReader(patch.Bytes()), out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out.buf) != "ABC" {
		t.Fatalf("got %q, want %q", out.buf, "ABC")
	}
	if report.ActualTargetSize != 3 {
		t.Fatalf("target size = %d, want 3", report.ActualTargetSize)
	}
}

func TestApplySourceWindowCopyAndAdd(t *testing.T) {
	source := []byte("ABCDEF")

	var patch bytes.Buffer
	writeHeader(&patch, 0)

	var body bytes.Buffer
	mustWriteVarint(t, &body, 7) // target window length: "ABCDXYZ"
	body.WriteByte(0)            // delta indicator
	mustWriteVarint(t, &body, 3) // data length
	mustWriteVarint(t, &body, 2) // instructions length
	mustWriteVarint(t, &body, 1) // addresses length
	body.WriteString("XYZ")      // add-and-run data
	body.WriteByte(20)           // code 20: Copy size 4 mode 0 (VCD_SELF), offset=1 => 3+1
	body.WriteByte(4)            // code 4: Add size 3
	body.WriteByte(0)            // copy address: 0 (explicit varint, single byte)

	patch.WriteByte(winSource)
	mustWriteVarint(t, &patch, 6) // source segment length
	mustWriteVarint(t, &patch, 0) // source segment position
	mustWriteVarint(t, &patch, uint64(body.Len()))
	patch.Write(body.Bytes())

	out := newOutput()
	report, err := Apply(bytes.NewReader(source), bytes.NewReader(patch.Bytes()), out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out.buf) != "ABCDXYZ" {
		t.Fatalf("got %q, want %q", out.buf, "ABCDXYZ")
	}
	if report.ActualSourceSize != uint64(len(source)) {
		t.Fatalf("source size = %d, want %d", report.ActualSourceSize, len(source))
	}
}

func TestApplyRejectsBadMagic(t *testing.T) {
	patch := []byte("NOPE garbage data here")
	out := newOutput()
	_, err := Apply(bytes.NewReader([]byte("AAAA")), bytes.NewReader(patch), out)
	if !errors.Is(err, patchcore.ErrBadPatch) {
		t.Fatalf("got %v, want ErrBadPatch", err)
	}
}

func TestApplyRejectsUnsupportedCodeTable(t *testing.T) {
	var patch bytes.Buffer
	writeHeader(&patch, hdrCodeTable)

	out := newOutput()
	_, err := Apply(bytes.NewReader([]byte("AAAA")), bytes.NewReader(patch.Bytes()), out)
	if !errors.Is(err, patchcore.ErrUnsupportedPatchFeature) {
		t.Fatalf("got %v, want ErrUnsupportedPatchFeature", err)
	}
}
