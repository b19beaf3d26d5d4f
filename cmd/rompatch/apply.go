package main

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bitflip-labs/rompatch"
	"github.com/bitflip-labs/rompatch/internal/manifest"
)

// Exit codes mirror the Outcome taxonomy so shell scripts can branch on
// apply's result without parsing stderr.
const (
	exitOK                      = 0
	exitGenericError            = 1
	exitBadPatch                = 2
	exitWrongInputFile          = 3
	exitAlreadyPatched          = 4
	exitInputFileTooSmall       = 5
	exitUnsupportedPatchFeature = 6
)

// exitError carries the process exit code a command should terminate with,
// alongside the error cobra prints.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func outcomeExitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, rompatch.ErrBadPatch):
		return exitBadPatch
	case errors.Is(err, rompatch.ErrWrongInputFile):
		return exitWrongInputFile
	case errors.Is(err, rompatch.ErrAlreadyPatched):
		return exitAlreadyPatched
	case errors.Is(err, rompatch.ErrInputFileTooSmall):
		return exitInputFileTooSmall
	case errors.Is(err, rompatch.ErrUnsupportedPatchFeature):
		return exitUnsupportedPatchFeature
	default:
		return exitGenericError
	}
}

func outcomeName(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, rompatch.ErrBadPatch):
		return "BadPatch"
	case errors.Is(err, rompatch.ErrWrongInputFile):
		return "WrongInputFile"
	case errors.Is(err, rompatch.ErrAlreadyPatched):
		return "AlreadyPatched"
	case errors.Is(err, rompatch.ErrInputFileTooSmall):
		return "InputFileTooSmall"
	case errors.Is(err, rompatch.ErrUnsupportedPatchFeature):
		return "UnsupportedPatchFeature"
	default:
		return "Error"
	}
}

func newApplyCmd() *cobra.Command {
	var strict bool
	var keepBackup bool

	cmd := &cobra.Command{
		Use:   "apply <rom-path> <patch-path>...",
		Short: "Apply one or more patches to a ROM image, in sequence",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(args[0], args[1:], strict, keepBackup)
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", true, "validate in-band checksums where the format carries one")
	cmd.Flags().BoolVar(&keepBackup, "keep-backup", false, "copy the original ROM to <rom>.bak before the first patch")
	return cmd
}

func runApply(romPath string, patchPaths []string, strict, keepBackup bool) error {
	manifestPath := romPath + ".manifest"
	mw, err := manifest.Open(manifestPath)
	if err != nil {
		return &exitError{exitGenericError, fmt.Errorf("rompatch: open manifest: %w", err)}
	}
	defer mw.Close()

	if keepBackup {
		if err := copyFile(romPath, romPath+".bak"); err != nil {
			return &exitError{exitGenericError, fmt.Errorf("rompatch: backup rom: %w", err)}
		}
		log.WithField("backup_path", romPath+".bak").Info("backed up rom")
	}

	for _, patchPath := range patchPaths {
		outcome, report, err := applyOne(romPath, patchPath, strict)
		fields := logrus.Fields{
			"rom_path":   romPath,
			"patch_path": patchPath,
			"outcome":    outcome,
		}
		if err == nil {
			fields["actual_source_crc32"] = report.ActualSourceCRC32.String()
			fields["actual_target_crc32"] = report.ActualTargetCRC32.String()
			fields["actual_target_size"] = report.ActualTargetSize
			log.WithFields(fields).Info("applied patch")
		} else {
			fields["error"] = err.Error()
			log.WithFields(fields).Error("patch application failed")
		}

		kind, sniffErr := sniffKind(patchPath)
		if sniffErr != nil {
			kind = "unknown"
		}
		mErr := mw.Append(manifest.Record{
			SourcePath: romPath,
			PatchPath:  patchPath,
			PatchKind:  kind,
			AppliedAt:  time.Now(),
			Outcome:    outcome,
			Report:     report,
		})
		if mErr != nil {
			log.WithError(mErr).Warn("failed to append manifest record")
		}

		if err != nil {
			return &exitError{outcomeExitCode(err), err}
		}
	}
	return nil
}

// applyOne applies a single patch to romPath via a uniquely-named temp
// output file, renaming it into place on success and removing it on
// failure.
func applyOne(romPath, patchPath string, strict bool) (outcome string, report rompatch.PatchReport, err error) {
	source, err := os.Open(romPath)
	if err != nil {
		return "Error", rompatch.PatchReport{}, err
	}
	defer source.Close()

	patch, err := os.Open(patchPath)
	if err != nil {
		return "Error", rompatch.PatchReport{}, err
	}
	defer patch.Close()

	tempPath := tempOutputPath(romPath)
	out, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "Error", rompatch.PatchReport{}, err
	}
	removeTemp := true
	defer func() {
		out.Close()
		if removeTemp {
			os.Remove(tempPath)
		}
	}()

	report, applyErr := rompatch.Apply(source, patch, out, strict)
	if applyErr != nil {
		return outcomeName(applyErr), report, applyErr
	}

	if err := source.Close(); err != nil {
		return outcomeName(err), report, err
	}
	if err := out.Close(); err != nil {
		return outcomeName(err), report, err
	}
	if err := os.Rename(tempPath, romPath); err != nil {
		return outcomeName(err), report, err
	}
	removeTemp = false
	return "OK", report, nil
}

func tempOutputPath(romPath string) string {
	return fmt.Sprintf("%s.%08x.tmp", romPath, rand.Uint32())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func sniffKind(patchPath string) (string, error) {
	f, err := os.Open(patchPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	kind, err := rompatch.Sniff(f)
	if err != nil {
		return "", err
	}
	return kind.String(), nil
}

func init() {
	rand.Seed(time.Now().UnixNano())
}
