package main

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bitflip-labs/rompatch"
	"github.com/bitflip-labs/rompatch/internal/patchcore"
)

func newSniffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sniff <patch-path>",
		Short: "Print a patch file's detected format without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSniff(cmd, args[0])
		},
	}
}

func runSniff(cmd *cobra.Command, patchPath string) error {
	f, err := os.Open(patchPath)
	if err != nil {
		return &exitError{exitGenericError, err}
	}
	defer f.Close()

	kind, err := rompatch.Sniff(f)
	if err != nil {
		log.WithField("patch_path", patchPath).WithError(err).Error("sniff failed")
		return &exitError{outcomeExitCode(err), err}
	}

	hasher := crc32.NewIEEE()
	if _, err := io.Copy(hasher, f); err != nil {
		return &exitError{exitGenericError, err}
	}
	whole := patchcore.Crc32(hasher.Sum32())

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", kind, whole)
	return nil
}
