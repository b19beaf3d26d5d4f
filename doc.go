// Package rompatch applies binary delta patches (IPS, UPS, BPS, PPF, and
// Vcdiff) to ROM image files, reporting the checksums of everything it
// touched along the way.
package rompatch

import "github.com/bitflip-labs/rompatch/internal/patchcore"

// Crc32 is a CRC-32/IEEE checksum. It's a distinct type from plain uint32 so
// a checksum can't be silently confused with a file size or byte offset.
type Crc32 = patchcore.Crc32

// PatchReport summarizes a single patch application: the checksums and
// sizes the patch declared (where the format carries them in-band) against
// what was actually observed while streaming source, patch, and target.
type PatchReport = patchcore.PatchReport

// The sentinel errors every decoder returns, aliased here so callers only
// ever need to import the root package.
var (
	ErrBadPatch                = patchcore.ErrBadPatch
	ErrWrongInputFile          = patchcore.ErrWrongInputFile
	ErrAlreadyPatched          = patchcore.ErrAlreadyPatched
	ErrInputFileTooSmall       = patchcore.ErrInputFileTooSmall
	ErrUnsupportedPatchFeature = patchcore.ErrUnsupportedPatchFeature
)
