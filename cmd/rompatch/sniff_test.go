package main

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
)

func TestRunSniffPrintsKindAndWholeFileCRC(t *testing.T) {
	dir := t.TempDir()
	patchPath := filepath.Join(dir, "fix.ips")
	patchBytes := buildIPSPatch(1, 'B')

	if err := os.WriteFile(patchPath, patchBytes, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := runSniff(cmd, patchPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := patchcore.Crc32(crc32.ChecksumIEEE(patchBytes))
	gotLine := strings.TrimSpace(out.String())
	if !strings.HasPrefix(gotLine, "IPS\t") {
		t.Fatalf("expected output to start with %q, got %q", "IPS\t", gotLine)
	}
	if !strings.HasSuffix(gotLine, want.String()) {
		t.Fatalf("expected output to end with whole-file crc32 %s, got %q", want, gotLine)
	}
}
