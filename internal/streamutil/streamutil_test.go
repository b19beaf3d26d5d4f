package streamutil

import (
	"bytes"
	"hash/crc32"
	"io"
	"testing"
)

func TestRepeatSlice(t *testing.T) {
	r := NewRepeatSlice([]byte{1, 2, 3})
	buf := make([]byte, 2)

	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2}) {
		t.Fatalf("got %v, want [1 2]", buf)
	}

	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{3, 1}) {
		t.Fatalf("got %v, want [3 1]", buf)
	}

	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(buf, []byte{2, 3}) {
		t.Fatalf("got %v, want [2 3]", buf)
	}
}

func TestRepeatSliceSingleByte(t *testing.T) {
	r := NewRepeatSlice([]byte{0x42})
	buf := make([]byte, 5)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x42, 0x42, 0x42, 0x42, 0x42}
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %v, want %v", buf, want)
	}
}

func TestPositionTrackerTracksReadsAndSeeks(t *testing.T) {
	src := bytes.NewReader([]byte("hello world"))
	tr := NewReadOnlyTracker(src)

	buf := make([]byte, 5)
	if _, err := io.ReadFull(tr, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Position() != 5 {
		t.Fatalf("position = %d, want 5", tr.Position())
	}

	if err := tr.SeekRelative(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Position() != 6 {
		t.Fatalf("position = %d, want 6", tr.Position())
	}

	var out bytes.Buffer
	if err := tr.CopyExactly(5, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "world" {
		t.Fatalf("copied %q, want %q", out.String(), "world")
	}
	if tr.Position() != 11 {
		t.Fatalf("position = %d, want 11", tr.Position())
	}
}

func TestPositionTrackerCopyExactlyShortStream(t *testing.T) {
	tr := NewReadOnlyTracker(bytes.NewReader([]byte("abc")))
	var out bytes.Buffer
	if err := tr.CopyExactly(10, &out); err != ErrShortCopy {
		t.Fatalf("got %v, want ErrShortCopy", err)
	}
}

func TestPositionTrackerCopyUntilRejectsBackwards(t *testing.T) {
	tr := NewReadOnlyTracker(bytes.NewReader([]byte("abcdef")))
	if err := tr.SeekAbsolute(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out bytes.Buffer
	if err := tr.CopyUntil(2, &out); err != ErrBackwardsCopy {
		t.Fatalf("got %v, want ErrBackwardsCopy", err)
	}
}

func TestHashingReaderMatchesDirectCRC(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	hr := NewHashingReader(bytes.NewReader(data), crc32.NewIEEE())
	if _, err := io.Copy(io.Discard, hr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := crc32.ChecksumIEEE(data)
	if hr.Sum32() != want {
		t.Fatalf("got %08x, want %08x", hr.Sum32(), want)
	}
}

func TestMonotonicHashingReaderHashesEachByteOnce(t *testing.T) {
	data := []byte("0123456789abcdef")
	src := bytes.NewReader(data)
	mr := NewMonotonicHashingReader(src, crc32.NewIEEE())

	buf := make([]byte, 8)
	if _, err := io.ReadFull(mr, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Seek backward and re-read; this must not double-hash the overlap.
	if err := mr.SeekTo(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := io.ReadFull(mr, buf[:4]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Seek forward past the hashed prefix; the gap must be hashed in order.
	if err := mr.SeekTo(16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := crc32.ChecksumIEEE(data)
	if mr.Sum32() != want {
		t.Fatalf("got %08x, want %08x", mr.Sum32(), want)
	}
	if mr.HashedLen() != uint64(len(data)) {
		t.Fatalf("hashed length = %d, want %d", mr.HashedLen(), len(data))
	}
}
