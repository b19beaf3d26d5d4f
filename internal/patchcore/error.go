package patchcore

import (
	"errors"
	"io"
)

// Error is the wrapper type for the sentinel errors this package returns,
// generalizing the teacher's typed-string-error pattern with support for
// errors.Is/errors.Unwrap wrapping of an underlying cause.
type Error struct {
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is the same sentinel, ignoring any wrapped
// cause, so errors.Is(wrapped, ErrBadPatch) succeeds even when wrapped
// carries a concrete I/O cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.msg == e.msg
}

func newSentinel(msg string) *Error { return &Error{msg: msg} }

// Wrap returns a copy of the sentinel carrying cause as its wrapped error.
func (e *Error) Wrap(cause error) *Error {
	return &Error{msg: e.msg, cause: cause}
}

var (
	// ErrBadPatch means the patch file is structurally corrupt, references
	// data past its own end, or fails an in-band checksum.
	ErrBadPatch = newSentinel("rompatch: patch file is corrupt")
	// ErrWrongInputFile means the patch was built against a different
	// source file than the one supplied.
	ErrWrongInputFile = newSentinel("rompatch: patch is not intended for the input file")
	// ErrAlreadyPatched means the input file's checksum already matches the
	// patch's declared target checksum (strict mode only).
	ErrAlreadyPatched = newSentinel("rompatch: patch has already been applied to the input file")
	// ErrInputFileTooSmall means the source file is shorter than the patch
	// requires.
	ErrInputFileTooSmall = newSentinel("rompatch: input file is too small for this patch")
	// ErrUnsupportedPatchFeature means the patch uses a feature this
	// decoder deliberately doesn't implement (e.g. Vcdiff secondary
	// compression or a custom code table).
	ErrUnsupportedPatchFeature = newSentinel("rompatch: patch uses an unsupported feature")
)

// MapIOErr mirrors the original implementation's rom_err/patch_err mapping:
// violated-expectation I/O errors become BadPatch, wrapping the original
// cause so it is still inspectable; everything else passes through
// unchanged.
func MapIOErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ErrBadPatch.Wrap(err)
	case errors.Is(err, io.ErrShortWrite), errors.Is(err, io.ErrShortBuffer):
		return ErrBadPatch.Wrap(err)
	default:
		return err
	}
}
