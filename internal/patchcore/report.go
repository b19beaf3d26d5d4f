// Package patchcore holds the types shared by the root rompatch package and
// every format decoder package, kept in internal/ so the decoders can depend
// on them without importing the root package and creating an import cycle.
package patchcore

import "fmt"

// Crc32 is a CRC-32/IEEE checksum. It's a distinct type from plain uint32 so
// a checksum can't be silently confused with a file size or byte offset.
type Crc32 uint32

// String renders the checksum the way ROM-hacking tools conventionally do:
// lowercase hex, no leading "0x".
func (c Crc32) String() string {
	return fmt.Sprintf("%08x", uint32(c))
}

// PatchReport summarizes a single patch application: the checksums and
// sizes the patch declared (where the format carries them in-band) against
// what was actually observed while streaming source, patch, and target.
type PatchReport struct {
	// ExpectedSourceCRC32 and ExpectedTargetCRC32 are the checksums the
	// patch format declares in-band (UPS and BPS only); zero if the format
	// carries no such field.
	ExpectedSourceCRC32 Crc32
	ExpectedTargetCRC32 Crc32
	ActualSourceCRC32   Crc32
	ActualTargetCRC32   Crc32

	// PatchInternalCRC32 is the CRC-32 of the patch file's content, not
	// counting a trailing in-band CRC-32 field (UPS/BPS). PatchWholeFileCRC32
	// includes that trailing field, i.e. the CRC of the file as it exists on
	// disk.
	PatchInternalCRC32  Crc32
	PatchWholeFileCRC32 Crc32

	ExpectedSourceSize uint64
	ActualSourceSize   uint64
	ExpectedTargetSize uint64
	ActualTargetSize   uint64
}
