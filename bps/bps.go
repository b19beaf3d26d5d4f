// Package bps applies beat's Binary Patching System (BPS) patches.
//
// A BPS patch is a stream of four instructions, each a varint combining an
// opcode in its low two bits with a (length-1) in the rest: SourceRead
// copies forward from the source at the output's current position;
// TargetRead copies literal bytes straight out of the patch; SourceCopy and
// TargetCopy seek to an offset (relative to the previous copy of the same
// kind, signed and delta-encoded) in the source or the output-so-far and
// copy from there, with TargetCopy allowed to copy more bytes than the
// distance it copies across, letting a single instruction encode a
// periodic run. Decoding hashes the source, the patch, and the target as it
// goes, and a 12-byte footer holds the expected source, target, and patch
// checksums.
//
// Format documentation: https://near.sh/articles/patching/bps
package bps

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
	"github.com/bitflip-labs/rompatch/internal/streamutil"
	"github.com/bitflip-labs/rompatch/internal/varint"
)

// Magic is the 4-byte signature every BPS patch begins with.
var Magic = []byte("BPS1")

const footerLen = 12 // 3 little-endian uint32 CRC-32s

// Apply applies patch to source, writing the result to output. patch must be
// seekable so its trailing checksum footer can be located up front; output
// must support reading back its own already-written bytes, since a
// TargetCopy instruction can reference target bytes this same patch already
// produced.
//
// strict mirrors ups.Apply's strict-mode semantics: a source checksum
// mismatch is reported as ErrAlreadyPatched if the source's checksum instead
// matches the patch's declared target checksum, or ErrWrongInputFile
// otherwise.
func Apply(source io.ReadSeeker, patch io.ReadSeeker, output io.ReadWriteSeeker, strict bool) (patchcore.PatchReport, error) {
	startOfFooter, err := patch.Seek(-footerLen, io.SeekEnd)
	if err != nil || startOfFooter < 0 {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	if _, err := patch.Seek(0, io.SeekStart); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}

	rom := streamutil.NewMonotonicHashingReader(source, crc32.NewIEEE())
	patchHasher := crc32.NewIEEE()
	p := streamutil.NewHashingReader(patch, patchHasher)
	out := streamutil.NewHashingReadWriteSeeker(output, crc32.NewIEEE())

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(p, magic); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	if string(magic) != string(Magic) {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}

	expectedSourceSize, err := varint.ReadByuu(p)
	if err != nil {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	expectedTargetSize, err := varint.ReadByuu(p)
	if err != nil {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	metadataSize, err := varint.ReadByuu(p)
	if err != nil {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	// Metadata is skipped, but its bytes are still fed to the patch hasher.
	if metadataSize > 0 {
		if _, err := io.CopyN(io.Discard, p, int64(metadataSize)); err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
	}

	applyErr := applyPatch(rom, p, out, uint64(startOfFooter), expectedSourceSize)

	// Checksum validation happens even if applying failed, so a corrupt
	// patch is reported as BadPatch rather than a false-positive
	// InputFileTooSmall.
	if p.Position() > uint64(startOfFooter) {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	if remaining := uint64(startOfFooter) - p.Position(); remaining > 0 {
		if _, err := io.CopyN(io.Discard, p, int64(remaining)); err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
	}

	var footer [footerLen]byte
	if _, err := io.ReadFull(patch, footer[:]); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	expectedSourceCRC32 := patchcore.Crc32(binary.LittleEndian.Uint32(footer[0:4]))
	expectedTargetCRC32 := patchcore.Crc32(binary.LittleEndian.Uint32(footer[4:8]))
	patchHasher.Write(footer[0:8])
	patchInternalCRC32 := patchcore.Crc32(patchHasher.Sum32())
	patchHasher.Write(footer[8:12])
	expectedPatchCRC32 := patchcore.Crc32(binary.LittleEndian.Uint32(footer[8:12]))
	patchWholeFileCRC32 := patchcore.Crc32(patchHasher.Sum32())

	if patchInternalCRC32 != expectedPatchCRC32 {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	if applyErr != nil {
		return patchcore.PatchReport{}, applyErr
	}

	actualTargetCRC32 := patchcore.Crc32(out.Sum32())
	actualTargetSize := out.Position()
	if actualTargetSize != expectedTargetSize {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}

	if err := rom.HashRemainder(); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	actualSourceCRC32 := patchcore.Crc32(rom.Sum32())
	actualSourceSize := rom.HashedLen()

	if strict {
		if actualSourceCRC32 != expectedSourceCRC32 || actualSourceSize != expectedSourceSize {
			if actualSourceCRC32 == expectedTargetCRC32 {
				return patchcore.PatchReport{}, patchcore.ErrAlreadyPatched
			}
			return patchcore.PatchReport{}, patchcore.ErrWrongInputFile
		}
		if actualTargetCRC32 != expectedTargetCRC32 {
			return patchcore.PatchReport{}, patchcore.ErrWrongInputFile
		}
	}

	return patchcore.PatchReport{
		ExpectedSourceCRC32: expectedSourceCRC32,
		ActualSourceCRC32:   actualSourceCRC32,
		ExpectedTargetCRC32: expectedTargetCRC32,
		ActualTargetCRC32:   actualTargetCRC32,
		PatchInternalCRC32:  patchInternalCRC32,
		PatchWholeFileCRC32: patchWholeFileCRC32,
		ExpectedSourceSize:  expectedSourceSize,
		ActualSourceSize:    actualSourceSize,
		ExpectedTargetSize:  expectedTargetSize,
		ActualTargetSize:    actualTargetSize,
	}, nil
}

// applyPatch executes instructions until the patch stream reaches the
// footer, returning any semantic error (offset arithmetic overflow, a copy
// that runs past a declared size, etc.) without letting it leak past the
// footer's own checksum check.
func applyPatch(rom *streamutil.MonotonicHashingReader, patch *streamutil.HashingReader, output *streamutil.HashingReadWriteSeeker, startOfFooter, expectedSourceSize uint64) error {
	var sourceRelOffset, targetRelOffset uint64

	for {
		cmd, err := decodeCommand(patch)
		if err != nil {
			return patchcore.ErrBadPatch
		}

		switch cmd.op {
		case opSourceRead:
			if end, ok := addUnsigned(output.Position(), cmd.length); !ok || end > expectedSourceSize {
				return patchcore.ErrBadPatch
			}
			if err := rom.SeekTo(output.Position()); err != nil {
				return patchcore.MapIOErr(err)
			}
			if err := copyFromRom(output, rom, cmd.length); err != nil {
				return err
			}

		case opTargetRead:
			if err := copyFromPatch(output, patch, cmd.length); err != nil {
				return err
			}

		case opSourceCopy:
			newOffset, ok := addSigned(sourceRelOffset, cmd.offset)
			if !ok {
				return patchcore.ErrBadPatch
			}
			sourceRelOffset = newOffset
			if end, ok := addUnsigned(sourceRelOffset, cmd.length); !ok || end > expectedSourceSize {
				return patchcore.ErrBadPatch
			}
			if err := rom.SeekTo(sourceRelOffset); err != nil {
				return patchcore.MapIOErr(err)
			}
			if err := copyFromRom(output, rom, cmd.length); err != nil {
				return err
			}
			sum, ok := addUnsigned(sourceRelOffset, cmd.length)
			if !ok {
				return patchcore.ErrBadPatch
			}
			sourceRelOffset = sum

		case opTargetCopy:
			newOffset, ok := addSigned(targetRelOffset, cmd.offset)
			if !ok {
				return patchcore.ErrBadPatch
			}
			targetRelOffset = newOffset
			if err := copyPeriodic(output, targetRelOffset, cmd.length); err != nil {
				return err
			}
			sum, ok := addUnsigned(targetRelOffset, cmd.length)
			if !ok {
				return patchcore.ErrBadPatch
			}
			targetRelOffset = sum
		}

		switch {
		case patch.Position() < startOfFooter:
			continue
		case patch.Position() == startOfFooter:
			return nil
		default:
			return patchcore.ErrBadPatch
		}
	}
}

// copyPeriodic implements TargetCopy: it reads back the shorter of length
// and the distance already written past targetOffset, then repeats that
// span forward until length bytes have been written, letting a single
// instruction encode a periodic run longer than the distance it copies from.
func copyPeriodic(output *streamutil.HashingReadWriteSeeker, targetOffset, length uint64) error {
	outputOffset := output.Position()
	if targetOffset > outputOffset {
		return patchcore.ErrBadPatch
	}
	periodLen := outputOffset - targetOffset
	if periodLen > length {
		periodLen = length
	}
	if periodLen == 0 {
		return patchcore.ErrBadPatch
	}

	if _, err := output.Seek(int64(targetOffset), io.SeekStart); err != nil {
		return patchcore.MapIOErr(err)
	}
	period := make([]byte, periodLen)
	if _, err := io.ReadFull(output, period); err != nil {
		return patchcore.MapIOErr(err)
	}
	if _, err := output.Seek(int64(outputOffset), io.SeekStart); err != nil {
		return patchcore.MapIOErr(err)
	}

	if _, err := io.CopyN(output, streamutil.NewRepeatSlice(period), int64(length)); err != nil {
		return patchcore.MapIOErr(err)
	}
	return nil
}

// copyFromRom copies n bytes from rom to output, reporting a short source as
// ErrInputFileTooSmall: running out of source bytes means the patch wasn't
// built for a file this small, not that the patch itself is corrupt.
func copyFromRom(output io.Writer, rom io.Reader, n uint64) error {
	if _, err := io.CopyN(output, rom, int64(n)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return patchcore.ErrInputFileTooSmall
		}
		return patchcore.MapIOErr(err)
	}
	return nil
}

// copyFromPatch copies n bytes from patch to output; running out of patch
// bytes here means the patch itself is truncated or corrupt.
func copyFromPatch(output io.Writer, patch io.Reader, n uint64) error {
	if _, err := io.CopyN(output, patch, int64(n)); err != nil {
		return patchcore.MapIOErr(err)
	}
	return nil
}

type commandOp int

const (
	opSourceRead commandOp = iota
	opTargetRead
	opSourceCopy
	opTargetCopy
)

type command struct {
	op     commandOp
	length uint64
	offset int64 // meaningful only for opSourceCopy / opTargetCopy
}

// decodeCommand reads one instruction: a varint whose low two bits select
// the opcode and whose remaining bits hold (length - 1), followed by a
// signed varint offset for the two copy opcodes.
func decodeCommand(r io.ByteReader) (command, error) {
	encoded, err := varint.ReadByuu(r)
	if err != nil {
		return command{}, err
	}
	length := (encoded >> 2) + 1
	if length == 0 {
		return command{}, varint.ErrOverflow
	}

	switch encoded & 3 {
	case 0:
		return command{op: opSourceRead, length: length}, nil
	case 1:
		return command{op: opTargetRead, length: length}, nil
	case 2:
		offset, err := varint.ReadByuuSigned(r)
		if err != nil {
			return command{}, err
		}
		return command{op: opSourceCopy, length: length, offset: offset}, nil
	default: // case 3
		offset, err := varint.ReadByuuSigned(r)
		if err != nil {
			return command{}, err
		}
		return command{op: opTargetCopy, length: length, offset: offset}, nil
	}
}

// addSigned adds a signed delta to an unsigned base, reporting overflow or
// underflow past zero rather than wrapping.
func addSigned(base uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		sum := base + uint64(delta)
		return sum, sum >= base
	}
	mag := uint64(-delta)
	if mag > base {
		return 0, false
	}
	return base - mag, true
}

// addUnsigned adds two unsigned values, reporting overflow rather than
// wrapping.
func addUnsigned(base, n uint64) (uint64, bool) {
	sum := base + n
	return sum, sum >= base
}
