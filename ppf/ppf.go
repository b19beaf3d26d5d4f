// Package ppf applies PPF (PlayStation Patch Format) patches, versions
// 1 through 3.
//
// A PPF patch is a header (identifying the version and, for v2/v3, an
// optional 1024-byte "block check" snapshot of a fixed region of the source
// file) followed by a stream of records: an absolute offset into the
// target file, a one-byte length, and that many replacement bytes. Bytes
// between records are copied from the source unchanged. v2 patches always
// carry a block check against a fixed BIN-image offset; v3 patches choose
// BIN or GI and can opt out of the block check and opt into "undo data" (a
// second length-byte copy of the original bytes being replaced, interleaved
// with the replacement and skipped over here). v2/v3 patches may also end in
// an optional "file ID" footer, validated but otherwise ignored here.
//
// Format documentation: https://gomtuu.org/whatsnew/ppf/
package ppf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
	"github.com/bitflip-labs/rompatch/internal/streamutil"
)

const blockCheckLength = 1024

// maxFooterBodyLength is the largest "file ID" body a v2/v3 footer may
// declare; anything larger means the patch is corrupt.
const maxFooterBodyLength = 3072

// version identifies which of the three PPF generations a patch declares.
type version int

const (
	v1 version = iota
	v2
	v3
)

// imageType selects where a v3 patch's block check lands in the source
// file; v2 patches always use the BIN offset.
type imageType int

const (
	imageBIN imageType = iota
	imageGI
)

func (t imageType) blockCheckOffset() uint64 {
	if t == imageGI {
		return 0x80A0
	}
	return 0x9320
}

type blockCheck struct {
	start uint64
	crc32 uint32
}

type format struct {
	offsetSize        int
	hasUndoData       bool
	canHaveFooter     bool
	footerBodyLenSize int // 4 for v2, 2 for v3; meaningless unless canHaveFooter
	check             *blockCheck
}

// parseFormat reads a PPF header directly off patch (unbuffered, so the
// caller can learn the exact header length via patch.Seek(0, io.SeekCurrent)
// immediately afterward), leaving patch positioned at the start of the
// record stream.
func parseFormat(patch io.Reader) (format, error) {
	var magic [5]byte
	if _, err := io.ReadFull(patch, magic[:]); err != nil {
		return format{}, patchcore.MapIOErr(err)
	}
	ver, ok := versionFromMagic(magic)
	if !ok {
		return format{}, patchcore.ErrBadPatch
	}

	verByte, err := readByte(patch)
	if err != nil {
		return format{}, err
	}
	if int(verByte) != int(ver) {
		return format{}, patchcore.ErrBadPatch
	}

	// 50-byte free-form description; not meaningful to decoding.
	if _, err := io.CopyN(io.Discard, patch, 50); err != nil {
		return format{}, patchcore.MapIOErr(err)
	}

	switch ver {
	case v1:
		return format{offsetSize: 4}, nil

	case v2:
		var sizeBuf [4]byte
		if _, err := io.ReadFull(patch, sizeBuf[:]); err != nil {
			return format{}, patchcore.MapIOErr(err)
		}
		if binary.LittleEndian.Uint32(sizeBuf[:]) == 0 {
			return format{}, patchcore.ErrBadPatch
		}
		snapshot := make([]byte, blockCheckLength)
		if _, err := io.ReadFull(patch, snapshot); err != nil {
			return format{}, patchcore.MapIOErr(err)
		}
		return format{
			offsetSize:        4,
			canHaveFooter:     true,
			footerBodyLenSize: 4,
			check: &blockCheck{
				start: imageBIN.blockCheckOffset(),
				crc32: crc32.ChecksumIEEE(snapshot),
			},
		}, nil

	case v3:
		imgByte, err := readByte(patch)
		if err != nil {
			return format{}, err
		}
		img, ok := imageTypeFromByte(imgByte)
		if !ok {
			return format{}, patchcore.ErrBadPatch
		}
		hasCheckByte, err := readByte(patch)
		if err != nil {
			return format{}, err
		}
		hasCheck, ok := boolFromByte(hasCheckByte)
		if !ok {
			return format{}, patchcore.ErrBadPatch
		}
		hasUndoByte, err := readByte(patch)
		if err != nil {
			return format{}, err
		}
		hasUndo, ok := boolFromByte(hasUndoByte)
		if !ok {
			return format{}, patchcore.ErrBadPatch
		}
		if _, err := readByte(patch); err != nil { // unused in v3
			return format{}, err
		}

		f := format{offsetSize: 8, canHaveFooter: true, footerBodyLenSize: 2, hasUndoData: hasUndo}
		if hasCheck {
			snapshot := make([]byte, blockCheckLength)
			if _, err := io.ReadFull(patch, snapshot); err != nil {
				return format{}, patchcore.MapIOErr(err)
			}
			f.check = &blockCheck{start: img.blockCheckOffset(), crc32: crc32.ChecksumIEEE(snapshot)}
		}
		return f, nil

	default:
		panic("unreachable")
	}
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, patchcore.MapIOErr(err)
	}
	return buf[0], nil
}

// validateFooter probes patch's tail for a well-formed optional v2/v3 "file
// ID" footer without consuming any record-stream bytes: patch is always left
// positioned at headerEnd, whether or not a footer was found.
//
// A footer is "@BEGIN_FILE_ID.DIZ", a body of at most maxFooterBodyLength
// bytes, "@END_FILE_ID.DIZ", then the body's length as a footerBodyLenSize-
// byte little-endian integer. Detection works backward from EOF: the last
// footerBodyLenSize+len(endMagic) bytes are checked against endMagic first
// (their absence means there's no footer at all, the common case), then the
// declared body length locates where the begin magic should be, which is
// checked in turn. A body length over the limit, or a footer that would
// extend past headerEnd, is reported as ErrBadPatch rather than silently
// treated as absent.
func validateFooter(patch io.ReadSeeker, headerEnd uint64, bodyLenSize int) error {
	end, err := patch.Seek(0, io.SeekEnd)
	if err != nil {
		return patchcore.MapIOErr(err)
	}
	restore := func() error {
		if _, err := patch.Seek(int64(headerEnd), io.SeekStart); err != nil {
			return patchcore.MapIOErr(err)
		}
		return nil
	}
	if uint64(end) < headerEnd {
		return patchcore.ErrBadPatch
	}
	remaining := uint64(end) - headerEnd

	footerEndLen := uint64(len(endMagic)) + uint64(bodyLenSize)
	if remaining < footerEndLen {
		return restore() // too short to hold a footer; none present
	}

	endMagicPos := uint64(end) - footerEndLen
	if _, err := patch.Seek(int64(endMagicPos), io.SeekStart); err != nil {
		return patchcore.MapIOErr(err)
	}
	gotEndMagic := make([]byte, len(endMagic))
	if _, err := io.ReadFull(patch, gotEndMagic); err != nil {
		return patchcore.MapIOErr(err)
	}
	if !bytes.Equal(gotEndMagic, endMagic) {
		return restore() // no footer; this is ordinary record data
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(patch, lenBuf[:bodyLenSize]); err != nil {
		return patchcore.MapIOErr(err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])

	footerLen := uint64(len(beginMagic)) + uint64(bodyLen) + uint64(len(endMagic)) + uint64(bodyLenSize)
	if bodyLen > maxFooterBodyLength || footerLen > remaining {
		return patchcore.ErrBadPatch
	}

	footerPos := uint64(end) - footerLen
	if _, err := patch.Seek(int64(footerPos), io.SeekStart); err != nil {
		return patchcore.MapIOErr(err)
	}
	gotBeginMagic := make([]byte, len(beginMagic))
	if _, err := io.ReadFull(patch, gotBeginMagic); err != nil {
		return patchcore.MapIOErr(err)
	}
	if !bytes.Equal(gotBeginMagic, beginMagic) {
		return patchcore.ErrBadPatch
	}

	return restore()
}

func versionFromMagic(magic [5]byte) (version, bool) {
	switch string(magic[:]) {
	case "PPF10":
		return v1, true
	case "PPF20":
		return v2, true
	case "PPF30":
		return v3, true
	default:
		return 0, false
	}
}

func imageTypeFromByte(b byte) (imageType, bool) {
	switch b {
	case 0:
		return imageBIN, true
	case 1:
		return imageGI, true
	default:
		return 0, false
	}
}

func boolFromByte(b byte) (bool, bool) {
	switch b {
	case 0:
		return false, true
	case 1:
		return true, true
	default:
		return false, false
	}
}

// Apply applies patch to source, writing the result to output.
//
// source and patch must both be independently seekable: source because a
// v2/v3 patch's declared block check (if any) is validated against a fixed
// region of source as a single upfront read rather than interleaved with
// the records that happen to overlap it — simpler than, and observationally
// equivalent to, tracking the overlap record-by-record for the fixed,
// early-file regions PPF block checks use in practice; patch because a
// v2/v3 patch's optional trailing "file ID" footer is detected and
// structurally validated by probing backward from EOF before any record is
// read.
//
// strict controls whether a block check mismatch is fatal (ErrWrongInputFile)
// or merely ignored, the same as the other formats' in-band checksums.
//
// PPF carries no whole-file source or target checksum, so PatchReport's
// ExpectedSourceCRC32/ExpectedTargetCRC32 are always zero for this format.
// The patch stream is not hashed either, so PatchInternalCRC32 and
// PatchWholeFileCRC32 are zero too; only the size and actual-CRC fields are
// meaningful.
func Apply(source io.ReadSeeker, patch io.ReadSeeker, output io.Writer, strict bool) (patchcore.PatchReport, error) {
	f, err := parseFormat(patch)
	if err != nil {
		return patchcore.PatchReport{}, err
	}

	if f.check != nil {
		if _, err := source.Seek(int64(f.check.start), io.SeekStart); err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
		snapshot := make([]byte, blockCheckLength)
		if _, err := io.ReadFull(source, snapshot); err != nil {
			return patchcore.PatchReport{}, patchcore.ErrInputFileTooSmall
		}
		if strict && crc32.ChecksumIEEE(snapshot) != f.check.crc32 {
			return patchcore.PatchReport{}, patchcore.ErrWrongInputFile
		}
		if _, err := source.Seek(0, io.SeekStart); err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
	}

	headerEnd, err := patch.Seek(0, io.SeekCurrent)
	if err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	if f.canHaveFooter {
		if err := validateFooter(patch, uint64(headerEnd), f.footerBodyLenSize); err != nil {
			return patchcore.PatchReport{}, err
		}
	}

	var magicOffsetBuf [8]byte
	copy(magicOffsetBuf[:], beginMagic[:f.offsetSize])
	magicOffset := binary.LittleEndian.Uint64(magicOffsetBuf[:])

	rom := streamutil.NewReadOnlyTracker(source)
	out := streamutil.NewHashingWriter(output, crc32.NewIEEE())
	br := bufio.NewReader(patch)

	for {
		offset, err := readOffset(br, f.offsetSize)
		if err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
		if f.canHaveFooter && offset == magicOffset {
			break
		}

		hunkLength, err := br.ReadByte()
		if err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
		if hunkLength == 0 {
			return patchcore.PatchReport{}, patchcore.ErrBadPatch
		}

		if offset < rom.Position() {
			return patchcore.PatchReport{}, patchcore.ErrBadPatch
		}
		if err := rom.CopyUntil(offset, out); err != nil {
			return patchcore.PatchReport{}, mapRomErr(err)
		}

		if _, err := io.CopyN(out, br, int64(hunkLength)); err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
		if f.hasUndoData {
			if _, err := br.Discard(int(hunkLength)); err != nil {
				return patchcore.PatchReport{}, patchcore.MapIOErr(err)
			}
		}
		// The replaced span is gone from the source for good: the next
		// unmodified-copy run must resume past it, not re-read it.
		if err := rom.SeekRelative(int64(hunkLength)); err != nil {
			return patchcore.PatchReport{}, mapRomErr(err)
		}

		if _, err := br.Peek(1); err != nil {
			break // patch stream exhausted
		}
	}

	if rom.Position() == 0 {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}

	// Copy whatever of the source follows the last record unchanged; a
	// patch's records only ever need to cover the bytes that actually
	// change.
	if _, err := io.Copy(out, rom); err != nil {
		return patchcore.PatchReport{}, mapRomErr(err)
	}

	// The record loop skips the replaced spans without reading them, so the
	// source checksum is taken in a separate pass over the whole file.
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	sourceHasher := crc32.NewIEEE()
	if _, err := io.Copy(sourceHasher, source); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}

	return patchcore.PatchReport{
		ActualSourceCRC32: patchcore.Crc32(sourceHasher.Sum32()),
		ActualSourceSize:  rom.Position(),
		ActualTargetSize:  out.Position(),
		ActualTargetCRC32: patchcore.Crc32(out.Sum32()),
	}, nil
}

// beginMagic and endMagic delimit a v2/v3 patch's optional trailing "file
// ID" footer: "@BEGIN_FILE_ID.DIZ" body "@END_FILE_ID.DIZ" body_length. The
// record loop also reuses beginMagic's leading bytes, reinterpreted as a
// little-endian integer, as a sentinel record offset that should only ever
// be seen where a footer's begin marker actually starts.
var (
	beginMagic = []byte("@BEGIN_FILE_ID.DIZ")
	endMagic   = []byte("@END_FILE_ID.DIZ")
)

func readOffset(br *bufio.Reader, size int) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(br, buf[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func mapRomErr(err error) error {
	if err == streamutil.ErrBackwardsCopy || err == streamutil.ErrShortCopy {
		return patchcore.ErrInputFileTooSmall
	}
	return patchcore.MapIOErr(err)
}
