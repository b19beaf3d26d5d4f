// Package ups applies Universal Patching System (UPS) patches.
//
// A UPS patch is a sequence of hunks, each an offset (relative to the end of
// the previous hunk) followed by a run of bytes XORed onto the source at
// that position, terminated by a 0x00 byte that is not itself XORed. The
// patch ends with a 12-byte footer: the source file's CRC-32, the target
// file's CRC-32, and the patch file's own CRC-32 (of everything before that
// last field), all little-endian.
//
// Format documentation: https://www.romhacking.net/documents/392/
package ups

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
	"github.com/bitflip-labs/rompatch/internal/streamutil"
	"github.com/bitflip-labs/rompatch/internal/varint"
)

// Magic is the 4-byte signature every UPS patch begins with.
var Magic = []byte("UPS1")

const footerLen = 12 // 3 little-endian uint32 CRC-32s

// Apply applies patch to source, writing the result to output. patch must be
// seekable so its trailing checksum footer can be located up front.
//
// When strict is true, a source checksum mismatch is reported as
// ErrAlreadyPatched if the source's checksum instead matches the patch's
// declared target checksum (i.e. the patch looks like it's already been
// applied), or ErrWrongInputFile otherwise.
func Apply(source io.Reader, patch io.ReadSeeker, output io.Writer, strict bool) (patchcore.PatchReport, error) {
	startOfFooter, err := patch.Seek(-footerLen, io.SeekEnd)
	if err != nil {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	if startOfFooter < 0 {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}
	if _, err := patch.Seek(0, io.SeekStart); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}

	rom := streamutil.NewHashingReader(source, crc32.NewIEEE())
	p := &trackedReader{r: patch, hasher: crc32.NewIEEE()}
	out := streamutil.NewHashingWriter(output, crc32.NewIEEE())

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

	applyErr := applyHunks(rom, p, out, uint64(startOfFooter), expectedTargetSize)

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
	p.hasher.Write(footer[0:8])
	patchInternalCRC32 := patchcore.Crc32(p.hasher.Sum32())
	p.hasher.Write(footer[8:12])
	expectedPatchCRC32 := patchcore.Crc32(binary.LittleEndian.Uint32(footer[8:12]))
	patchWholeFileCRC32 := patchcore.Crc32(p.hasher.Sum32())

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

	if _, err := io.Copy(io.Discard, rom); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	actualSourceCRC32 := patchcore.Crc32(rom.Sum32())
	actualSourceSize := rom.Position()

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

// applyHunks streams hunks until the patch reaches the footer.
func applyHunks(rom *streamutil.HashingReader, patch *trackedReader, output *streamutil.HashingWriter, startOfFooter, expectedTargetSize uint64) error {
	isSubsequentIteration := false
	for {
		relativeOffset, err := varint.ReadByuu(patch)
		if err != nil {
			return patchcore.ErrBadPatch
		}
		skip := relativeOffset
		if isSubsequentIteration {
			// The terminating 0x00 of the previous hunk isn't XORed with the
			// corresponding source byte, so it must be copied forward too.
			skip++
		}
		if _, err := io.CopyN(output, rom, int64(skip)); err != nil {
			if errors.Is(err, io.EOF) {
				return patchcore.ErrInputFileTooSmall
			}
			return patchcore.MapIOErr(err)
		}

		if err := applyHunkBlock(rom, patch, output); err != nil {
			return err
		}

		switch {
		case patch.Position() < startOfFooter:
			isSubsequentIteration = true
		case patch.Position() == startOfFooter:
			if output.Position() > expectedTargetSize {
				return patchcore.ErrBadPatch
			}
			remaining := expectedTargetSize - output.Position()
			if _, err := io.CopyN(output, rom, int64(remaining)); err != nil {
				if errors.Is(err, io.EOF) {
					return patchcore.ErrInputFileTooSmall
				}
				return patchcore.MapIOErr(err)
			}
			return nil
		default:
			return patchcore.ErrBadPatch
		}
	}
}

// applyHunkBlock reads patch bytes up to (and consuming) the next 0x00
// terminator, XORs them onto the corresponding source bytes — treating a
// source that runs out early as an infinite run of zero bytes, same as the
// original decoder's `rom.chain(io::repeat(0x00))` — and writes the result.
func applyHunkBlock(rom io.Reader, patch *trackedReader, output io.Writer) error {
	var hunk []byte
	for {
		b, err := patch.ReadByte()
		if err != nil {
			return patchcore.ErrBadPatch
		}
		if b == 0x00 {
			break
		}
		hunk = append(hunk, b)
	}
	if len(hunk) == 0 {
		return nil
	}

	romBytes := make([]byte, len(hunk))
	read, err := io.ReadFull(rom, romBytes)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return patchcore.MapIOErr(err)
	}
	for i := read; i < len(romBytes); i++ {
		romBytes[i] = 0x00
	}

	xorInto(romBytes, hunk)
	if _, err := output.Write(romBytes); err != nil {
		return patchcore.MapIOErr(err)
	}
	return nil
}

// xorInto XORs src onto dst in place (dst[i] ^= src[i]), fanning the work out
// across a bounded worker pool for large buffers. The shard width is chosen
// once at process start based on the CPU's vector width, matching the
// pattern klauspost/cpuid is used for elsewhere in the ecosystem: picking a
// SIMD-friendly granularity and letting the compiler auto-vectorize the
// inner loop rather than hand-writing assembly.
func xorInto(dst, src []byte) {
	n := len(dst)
	if n <= shardWidth*4 {
		xorWords(dst, src)
		return
	}

	shards := (n + shardWidth - 1) / shardWidth
	workers := runtime.GOMAXPROCS(0)
	if workers > shards {
		workers = shards
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i += shardWidth {
		end := i + shardWidth
		if end > n {
			end = n
		}
		i, end := i, end
		g.Go(func() error {
			xorWords(dst[i:end], src[i:end])
			return nil
		})
	}
	_ = g.Wait() // xorWords never errors
}

func xorWords(dst, src []byte) {
	i := 0
	for ; i+8 <= len(dst); i += 8 {
		d := binary.LittleEndian.Uint64(dst[i : i+8])
		s := binary.LittleEndian.Uint64(src[i : i+8])
		binary.LittleEndian.PutUint64(dst[i:i+8], d^s)
	}
	for ; i < len(dst); i++ {
		dst[i] ^= src[i]
	}
}

var shardWidth = func() int {
	if cpuid.CPU.Supports(cpuid.AVX2) {
		return 32
	}
	return 16
}()

// trackedReader reads from an underlying seekable patch stream while hashing
// every byte read and counting the stream's position from the start,
// mirroring the original decoder's PositionTracker<HashingReader<...>> stack
// without needing a generic wrapper type.
type trackedReader struct {
	r      io.Reader
	hasher interface {
		io.Writer
		Sum32() uint32
	}
	pos uint64
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.hasher.Write(p[:n])
		t.pos += uint64(n)
	}
	return n, err
}

func (t *trackedReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(t, b[:])
	return b[0], err
}

func (t *trackedReader) Position() uint64 { return t.pos }
