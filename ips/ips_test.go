package ips

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
)

func buildIPS(body []byte, trailer []byte) []byte {
	var buf bytes.Buffer
	buf.Write(Magic)
	buf.Write(body)
	buf.Write([]byte{0x45, 0x4F, 0x46}) // "EOF"
	buf.Write(trailer)
	return buf.Bytes()
}

func TestApplySingleByteEdit(t *testing.T) {
	source := bytes.NewReader([]byte("AAAA"))
	// offset=1, size=1, data='B'
	patch := bytes.NewReader(buildIPS([]byte{0x00, 0x00, 0x01, 0x00, 0x01, 'B'}, nil))
	var out bytes.Buffer

	report, err := Apply(source, patch, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "ABAA" {
		t.Fatalf("got %q, want %q", out.String(), "ABAA")
	}
	if report.ActualTargetSize != 4 {
		t.Fatalf("target size = %d, want 4", report.ActualTargetSize)
	}
}

func TestApplyRLEHunk(t *testing.T) {
	source := bytes.NewReader([]byte("AAAA"))
	// offset=0, size=0 (RLE marker), patternLen=4, byte='X'
	patch := bytes.NewReader(buildIPS([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 'X'}, nil))
	var out bytes.Buffer

	_, err := Apply(source, patch, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "XXXX" {
		t.Fatalf("got %q, want %q", out.String(), "XXXX")
	}
}

func TestApplyTruncationTrailer(t *testing.T) {
	source := bytes.NewReader([]byte("ABCDEF"))
	// no hunks at all, trailer truncates to size 3
	patch := bytes.NewReader(buildIPS(nil, []byte{0x00, 0x00, 0x03}))
	var out bytes.Buffer

	_, err := Apply(source, patch, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "ABC" {
		t.Fatalf("got %q, want %q", out.String(), "ABC")
	}
}

func TestApplyRejectsBadMagic(t *testing.T) {
	source := bytes.NewReader([]byte("AAAA"))
	patch := bytes.NewReader([]byte("NOPE!garbage"))
	var out bytes.Buffer

	_, err := Apply(source, patch, &out)
	if !errors.Is(err, patchcore.ErrBadPatch) {
		t.Fatalf("got %v, want ErrBadPatch", err)
	}
}

func TestApplyRejectsEmptyPatchWithNoHunksOrTrailer(t *testing.T) {
	source := bytes.NewReader([]byte("AAAA"))
	patch := bytes.NewReader(buildIPS(nil, nil))
	var out bytes.Buffer

	_, err := Apply(source, patch, &out)
	if !errors.Is(err, patchcore.ErrBadPatch) {
		t.Fatalf("got %v, want ErrBadPatch", err)
	}
}
