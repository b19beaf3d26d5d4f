// Package vcdiff applies RFC 3284 Vcdiff (a.k.a. xdelta) patches.
//
// A Vcdiff patch is a sequence of independent windows. Each window
// declares an optional "source segment" — a span copied in from either the
// original source file or from bytes this same patch already wrote to the
// target — concatenates it with the window's new target bytes into one
// buffer (the "superstring"), and rebuilds the target bytes via a stream of
// Run/Add/Copy instructions decoded with the format's default code table.
// Copy instructions reference an address anywhere in the superstring built
// so far (the source segment or the target bytes already decoded in this
// window) via one of nine addressing modes backed by two small caches of
// recently used addresses, so repeated or periodic spans compress to a
// handful of bytes.
//
// This decoder rejects patches that declare secondary compression or a
// custom code table (VCD_DECOMPRESS / VCD_CODETABLE): supporting either
// would mean carrying a generic compression framework and an alternate
// table format neither of which any patch actually encountered in practice
// uses.
//
// Format documentation: RFC 3284, https://www.rfc-editor.org/rfc/rfc3284
package vcdiff

import (
	"bufio"
	"bytes"
	"errors"
	"hash/crc32"
	"io"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
	"github.com/bitflip-labs/rompatch/internal/streamutil"
	"github.com/bitflip-labs/rompatch/internal/varint"
)

// Magic is the 3-byte signature every Vcdiff patch begins with: the ASCII
// string "VCD" with each byte's high bit set, so the format can never be
// mistaken for plain text.
var Magic = []byte{'V' | 0x80, 'C' | 0x80, 'D' | 0x80}

const (
	hdrDecompress = 1 << 0
	hdrCodeTable  = 1 << 1
	hdrAppHeader  = 1 << 2
)

const (
	winSource = 0x01
	winTarget = 0x02
)

// Apply applies patch to source, writing the result to output. output must
// support reading back its own already-written bytes, since a window can
// declare its source segment to be bytes this same patch already decoded
// (VCD_TARGET windows).
//
// Vcdiff carries no whole-file checksum, so PatchReport's
// ExpectedSourceCRC32/ExpectedTargetCRC32 are always zero for this format;
// only the size and actual-CRC fields are meaningful.
func Apply(source io.ReadSeeker, patch io.ReadSeeker, output io.ReadWriteSeeker) (patchcore.PatchReport, error) {
	p := bufio.NewReader(patch)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(p, magic); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	if !bytes.Equal(magic, Magic) {
		return patchcore.PatchReport{}, patchcore.ErrBadPatch
	}

	ver, err := p.ReadByte()
	if err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	if ver != 0 {
		return patchcore.PatchReport{}, patchcore.ErrUnsupportedPatchFeature
	}

	hdrIndicator, err := p.ReadByte()
	if err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}
	if hdrIndicator&(hdrDecompress|hdrCodeTable) != 0 {
		return patchcore.PatchReport{}, patchcore.ErrUnsupportedPatchFeature
	}
	if hdrIndicator&hdrAppHeader != 0 {
		headerSize, err := varint.ReadVcdiff32(p)
		if err != nil {
			return patchcore.PatchReport{}, patchcore.ErrBadPatch
		}
		if _, err := io.CopyN(io.Discard, p, int64(headerSize)); err != nil {
			return patchcore.PatchReport{}, patchcore.MapIOErr(err)
		}
	}

	rom := streamutil.NewMonotonicHashingReader(source, crc32.NewIEEE())
	out := streamutil.NewHashingReadWriteSeeker(output, crc32.NewIEEE())

	for {
		if err := processWindow(rom, p, out); err != nil {
			return patchcore.PatchReport{}, err
		}
		if _, err := p.Peek(1); err != nil {
			break
		}
	}

	if err := rom.HashRemainder(); err != nil {
		return patchcore.PatchReport{}, patchcore.MapIOErr(err)
	}

	return patchcore.PatchReport{
		ActualSourceCRC32: patchcore.Crc32(rom.Sum32()),
		ActualSourceSize:  rom.HashedLen(),
		ActualTargetCRC32: patchcore.Crc32(out.Sum32()),
		ActualTargetSize:  out.Position(),
	}, nil
}

// processWindow decodes and applies one Vcdiff window.
func processWindow(rom *streamutil.MonotonicHashingReader, p *bufio.Reader, out *streamutil.HashingReadWriteSeeker) error {
	winIndicator, err := p.ReadByte()
	if err != nil {
		return patchcore.MapIOErr(err)
	}

	var superstring []byte
	var sourceLen uint32
	switch winIndicator {
	case 0:
		// No source segment: the window is built purely from Add/Run data.
	case winSource:
		sl, sp, err := readSourceSegmentHeader(p)
		if err != nil {
			return err
		}
		if err := rom.SeekTo(sp); err != nil {
			return patchcore.MapIOErr(err)
		}
		buf := make([]byte, sl)
		if _, err := io.ReadFull(rom, buf); err != nil {
			return mapRomShortfall(err)
		}
		superstring = buf
		sourceLen = sl
	case winTarget:
		sl, sp, err := readSourceSegmentHeader(p)
		if err != nil {
			return err
		}
		if _, err := out.Seek(int64(sp), io.SeekStart); err != nil {
			return patchcore.MapIOErr(err)
		}
		buf := make([]byte, sl)
		if _, err := io.ReadFull(out, buf); err != nil {
			return patchcore.MapIOErr(err)
		}
		if _, err := out.Seek(0, io.SeekEnd); err != nil {
			return patchcore.MapIOErr(err)
		}
		superstring = buf
		sourceLen = sl
	default:
		return patchcore.ErrBadPatch
	}

	encodingLen, err := varint.ReadVcdiff32(p)
	if err != nil {
		return patchcore.ErrBadPatch
	}
	limited := io.LimitReader(p, int64(encodingLen))
	wb := bufio.NewReader(limited)
	// Draining wb (not limited directly) at the end accounts for anything
	// wb buffered but didn't end up needing, so p's position afterward
	// always reflects exactly encodingLen bytes consumed.
	defer io.Copy(io.Discard, wb) //nolint:errcheck

	targetLen, err := varint.ReadVcdiff32(wb)
	if err != nil {
		return patchcore.ErrBadPatch
	}

	deltaIndicator, err := wb.ReadByte()
	if err != nil {
		return patchcore.ErrBadPatch
	}
	if deltaIndicator != 0 {
		// Secondary-compressed sections would only appear here if
		// VCD_DECOMPRESS were set in the header, which is already rejected.
		return patchcore.ErrBadPatch
	}

	dataLen, err := varint.ReadVcdiff32(wb)
	if err != nil {
		return patchcore.ErrBadPatch
	}
	instructionsLen, err := varint.ReadVcdiff32(wb)
	if err != nil {
		return patchcore.ErrBadPatch
	}
	addressesLen, err := varint.ReadVcdiff32(wb)
	if err != nil {
		return patchcore.ErrBadPatch
	}

	addAndRunData := make([]byte, dataLen)
	if _, err := io.ReadFull(wb, addAndRunData); err != nil {
		return patchcore.MapIOErr(err)
	}
	instructionsAndSizes := make([]byte, instructionsLen)
	if _, err := io.ReadFull(wb, instructionsAndSizes); err != nil {
		return patchcore.MapIOErr(err)
	}
	copyAddresses := make([]byte, addressesLen)
	if _, err := io.ReadFull(wb, copyAddresses); err != nil {
		return patchcore.MapIOErr(err)
	}

	superstring = append(superstring, make([]byte, targetLen)...)
	if err := decodeInstructions(superstring, sourceLen, addAndRunData, instructionsAndSizes, copyAddresses); err != nil {
		return err
	}

	if _, err := out.Write(superstring[sourceLen:]); err != nil {
		return patchcore.MapIOErr(err)
	}
	return nil
}

func readSourceSegmentHeader(p *bufio.Reader) (length uint32, position uint64, err error) {
	length, err = varint.ReadVcdiff32(p)
	if err != nil {
		return 0, 0, patchcore.ErrBadPatch
	}
	position, err = varint.ReadVcdiff64(p)
	if err != nil {
		return 0, 0, patchcore.ErrBadPatch
	}
	return length, position, nil
}

func mapRomShortfall(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return patchcore.ErrInputFileTooSmall
	}
	return patchcore.MapIOErr(err)
}

// instrKind is one half of a decoded instruction pair.
type instrKind int

const (
	instrNoop instrKind = iota
	instrRun
	instrAdd
	instrCopy
)

type instruction struct {
	kind instrKind
	size uint32 // 0 means "read the size as a varint instead"
	mode uint8  // meaningful only for instrCopy
}

// decodeInstructions runs the instruction stream against superstring,
// filling in superstring[sourceLen:] (the target window) in order.
func decodeInstructions(superstring []byte, sourceLen uint32, addAndRunData, instructionsAndSizes, copyAddresses []byte) error {
	pos := int(sourceLen)
	instrReader := bytes.NewReader(instructionsAndSizes)
	addReader := bytes.NewReader(addAndRunData)
	addrReader := bytes.NewReader(copyAddresses)
	cache := newAddressCache()

	for {
		code, err := instrReader.ReadByte()
		if err != nil {
			return patchcore.ErrBadPatch
		}
		first, second := decodeInstructionPair(code)
		for _, instr := range [2]instruction{first, second} {
			if instr.kind == instrNoop {
				continue
			}
			if err := execInstruction(instr, superstring, &pos, sourceLen, addReader, instrReader, addrReader, cache); err != nil {
				return err
			}
		}
		if instrReader.Len() == 0 {
			break
		}
	}
	if pos != len(superstring) {
		return patchcore.ErrBadPatch
	}
	return nil
}

func execInstruction(instr instruction, superstring []byte, pos *int, sourceLen uint32, addReader, instrReader, addrReader *bytes.Reader, cache *addressCache) error {
	switch instr.kind {
	case instrRun:
		b, err := addReader.ReadByte()
		if err != nil {
			return patchcore.ErrBadPatch
		}
		size, err := readInstructionSize(instrReader, instr.size)
		if err != nil {
			return patchcore.ErrBadPatch
		}
		if *pos+int(size) > len(superstring) {
			return patchcore.ErrBadPatch
		}
		dest := superstring[*pos : *pos+int(size)]
		for i := range dest {
			dest[i] = b
		}
		*pos += int(size)

	case instrAdd:
		size, err := readInstructionSize(instrReader, instr.size)
		if err != nil {
			return patchcore.ErrBadPatch
		}
		if *pos+int(size) > len(superstring) {
			return patchcore.ErrBadPatch
		}
		if _, err := io.ReadFull(addReader, superstring[*pos:*pos+int(size)]); err != nil {
			return patchcore.ErrBadPatch
		}
		*pos += int(size)

	case instrCopy:
		size, err := readInstructionSize(instrReader, instr.size)
		if err != nil {
			return patchcore.ErrBadPatch
		}
		here := uint32(*pos) - sourceLen
		addr, err := cache.decode(here, instr.mode, addrReader)
		if err != nil {
			return patchcore.ErrBadPatch
		}
		if *pos+int(size) > len(superstring) {
			return patchcore.ErrBadPatch
		}
		written := superstring[:*pos]
		if addr >= uint32(len(written)) {
			return patchcore.ErrBadPatch
		}
		seqEnd := addr + size
		if seqEnd > uint32(len(written)) {
			seqEnd = uint32(len(written))
		}
		period := written[addr:seqEnd]
		if len(period) == 0 {
			return patchcore.ErrBadPatch
		}
		if _, err := io.ReadFull(streamutil.NewRepeatSlice(period), superstring[*pos:*pos+int(size)]); err != nil {
			return patchcore.ErrBadPatch
		}
		*pos += int(size)
	}
	return nil
}

func readInstructionSize(r *bytes.Reader, encodedSize uint32) (uint32, error) {
	if encodedSize != 0 {
		return encodedSize, nil
	}
	return varint.ReadVcdiff32(r)
}

// decodeInstructionPair maps a single instruction-stream byte to the
// (possibly Noop) instruction pair it represents, per the format's default
// code table.
func decodeInstructionPair(code byte) (instruction, instruction) {
	switch {
	case code == 0:
		return instruction{kind: instrRun}, instruction{kind: instrNoop}

	case code <= 18: // 1..=18
		return instruction{kind: instrAdd, size: uint32(code - 1)}, instruction{kind: instrNoop}

	case code <= 162: // 19..=162
		offset := code - 19
		var size uint32
		if offset%16 != 0 {
			size = uint32(3 + offset)
		}
		mode := offset / 16
		return instruction{kind: instrCopy, size: size, mode: mode}, instruction{kind: instrNoop}

	case code <= 234: // 163..=234
		offset := code - 163
		addSize := uint32(1 + (offset/3)%4)
		copySize := uint32(4 + offset%3)
		mode := offset / 12
		return instruction{kind: instrAdd, size: addSize}, instruction{kind: instrCopy, size: copySize, mode: mode}

	case code <= 246: // 235..=246
		offset := code - 235
		addSize := uint32(1 + offset%4)
		mode := 6 + offset/4
		return instruction{kind: instrAdd, size: addSize}, instruction{kind: instrCopy, size: 4, mode: mode}

	default: // 247..=255
		offset := code - 247
		return instruction{kind: instrCopy, size: 4, mode: offset}, instruction{kind: instrAdd, size: 1}
	}
}

// addressCache implements the near/same address caches that let Copy
// instructions encode a recently used address in a single byte or none at
// all, instead of a full varint.
type addressCache struct {
	near     [4]uint32
	nextSlot int
	same     [3 * 256]uint32
}

func newAddressCache() *addressCache { return &addressCache{} }

const (
	maxNearMode = 2 + 4 // VCD_SELF, VCD_HERE, then 4 near slots
	maxHereMode = maxNearMode + 3
)

// decode reads and resolves the address for a Copy instruction in the
// given mode, relative to here (the current position within the target
// window, not the whole superstring).
func (c *addressCache) decode(here uint32, mode uint8, addrReader *bytes.Reader) (uint32, error) {
	var addr uint32
	switch {
	case mode == 0: // VCD_SELF
		v, err := varint.ReadVcdiff32(addrReader)
		if err != nil {
			return 0, err
		}
		addr = v

	case mode == 1: // VCD_HERE
		v, err := varint.ReadVcdiff32(addrReader)
		if err != nil {
			return 0, err
		}
		if v > here {
			return 0, patchcore.ErrBadPatch
		}
		addr = here - v

	case mode < maxNearMode:
		v, err := varint.ReadVcdiff32(addrReader)
		if err != nil {
			return 0, err
		}
		addr = c.near[mode-2] + v

	case mode < maxHereMode:
		b, err := addrReader.ReadByte()
		if err != nil {
			return 0, err
		}
		index := uint16(mode-maxNearMode)*256 + uint16(b)
		addr = c.same[index]

	default:
		return 0, patchcore.ErrBadPatch
	}

	c.near[c.nextSlot] = addr
	c.nextSlot = (c.nextSlot + 1) % len(c.near)
	c.same[addr%uint32(len(c.same))] = addr
	return addr, nil
}
