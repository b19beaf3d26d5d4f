package rompatch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bitflip-labs/rompatch/bps"
	"github.com/bitflip-labs/rompatch/ips"
	"github.com/bitflip-labs/rompatch/ppf"
	"github.com/bitflip-labs/rompatch/ups"
	"github.com/bitflip-labs/rompatch/vcdiff"
)

// Kind identifies a patch format.
type Kind int

const (
	KindUnknown Kind = iota
	KindIPS
	KindUPS
	KindBPS
	KindPPF
	KindVcdiff
)

// String renders the kind the way the format's own documentation names it.
func (k Kind) String() string {
	switch k {
	case KindIPS:
		return "IPS"
	case KindUPS:
		return "UPS"
	case KindBPS:
		return "BPS"
	case KindPPF:
		return "PPF"
	case KindVcdiff:
		return "Vcdiff (a.k.a. xdelta)"
	default:
		return "unknown"
	}
}

// magicLen is the longest magic prefix any supported format checks (IPS's
// "PATCH" is the longest).
const magicLen = 5

// Sniff inspects patch's leading bytes and reports its format without
// consuming or otherwise disturbing the stream's position.
func Sniff(patch io.ReadSeeker) (Kind, error) {
	start, err := patch.Seek(0, io.SeekCurrent)
	if err != nil {
		return KindUnknown, err
	}
	defer patch.Seek(start, io.SeekStart)

	buf := make([]byte, magicLen)
	n, err := io.ReadFull(patch, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return KindUnknown, err
	}
	buf = buf[:n]

	switch {
	case bytes.HasPrefix(buf, []byte("PATCH")):
		return KindIPS, nil
	case bytes.HasPrefix(buf, []byte("UPS1")):
		return KindUPS, nil
	case bytes.HasPrefix(buf, []byte("BPS1")):
		return KindBPS, nil
	case bytes.HasPrefix(buf, []byte("PPF")):
		return KindPPF, nil
	case bytes.HasPrefix(buf, vcdiff.Magic):
		return KindVcdiff, nil
	default:
		return KindUnknown, ErrBadPatch
	}
}

// Apply detects patch's format and applies it to source, writing the result
// to output. output must support Read (BPS and Vcdiff copy from
// already-written target bytes), Write, and Seek.
//
// strict enables in-band checksum validation where the format carries one
// (UPS, BPS, and the PPF v2/v3 block check). For UPS and BPS, a mismatched
// declared source checksum is reported as ErrWrongInputFile unless the
// source's checksum instead matches the patch's declared target checksum,
// in which case it's ErrAlreadyPatched; a PPF block check mismatch is
// ErrWrongInputFile.
func Apply(source io.ReadSeeker, patch io.ReadSeeker, output io.ReadWriteSeeker, strict bool) (PatchReport, error) {
	kind, err := Sniff(patch)
	if err != nil {
		return PatchReport{}, err
	}

	switch kind {
	case KindIPS:
		return ips.Apply(source, patch, output)
	case KindUPS:
		return ups.Apply(source, patch, output, strict)
	case KindBPS:
		return bps.Apply(source, patch, output, strict)
	case KindPPF:
		return ppf.Apply(source, patch, output, strict)
	case KindVcdiff:
		return vcdiff.Apply(source, patch, output)
	default:
		return PatchReport{}, fmt.Errorf("rompatch: unreachable: sniffed kind %v has no decoder", kind)
	}
}
