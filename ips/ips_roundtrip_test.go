package ips

import (
	"bytes"
	"testing"

	"github.com/bitflip-labs/rompatch/internal/testutil"
)

// diffToIPS builds the record body (everything between the magic and the
// "EOF" marker) for a patch that turns source into target, one record per
// differing byte. It doesn't attempt to merge adjacent records or use the
// RLE hunk form; it only needs to be a valid patch, not a compact one.
func diffToIPS(source, target []byte) []byte {
	var buf bytes.Buffer
	for i := range source {
		if source[i] == target[i] {
			continue
		}
		buf.WriteByte(byte(i >> 16))
		buf.WriteByte(byte(i >> 8))
		buf.WriteByte(byte(i))
		buf.WriteByte(0) // size high byte
		buf.WriteByte(1) // size low byte
		buf.WriteByte(target[i])
	}
	return buf.Bytes()
}

// TestApplyRoundTripRandomROM generates a reproducible pseudo-random ROM and
// a scattered-edit mutation of it, builds the IPS patch describing that
// mutation, and checks that applying it against the original ROM reproduces
// the mutation exactly.
func TestApplyRoundTripRandomROM(t *testing.T) {
	rnd := testutil.NewRand(42)
	source := rnd.ROM(512)
	target := rnd.Mutate(source, 20)

	patch := buildIPS(diffToIPS(source, target), nil)

	var out bytes.Buffer
	report, err := Apply(bytes.NewReader(source), bytes.NewReader(patch), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out.Bytes(), target) {
		t.Fatalf("output mismatch: got %d bytes, want %d bytes", out.Len(), len(target))
	}
	if report.ActualTargetSize != uint64(len(target)) {
		t.Fatalf("target size = %d, want %d", report.ActualTargetSize, len(target))
	}
}
