package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitflip-labs/rompatch/internal/patchcore"
)

func TestAppendWritesKeyValueBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rom.manifest")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := Record{
		SourcePath: "game.rom",
		PatchPath:  "fix.ips",
		PatchKind:  "IPS",
		AppliedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Outcome:    "OK",
		Report: patchcore.PatchReport{
			ActualSourceSize: 1024,
			ActualTargetSize: 1024,
		},
	}
	if err := w.Append(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(data)
	for _, want := range []string{
		"---\n",
		"source_path = game.rom\n",
		"patch_path = fix.ips\n",
		"patch_kind = IPS\n",
		"applied_at = 2026-01-02T03:04:05Z\n",
		"outcome = OK\n",
		"actual_source_size = 1024\n",
		"actual_target_size = 1024\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("manifest missing %q, got:\n%s", want, got)
		}
	}
}

func TestAppendIsCumulativeAcrossRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rom.manifest")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, kind := range []string{"IPS", "UPS"} {
		if err := w.Append(Record{PatchKind: kind, AppliedAt: time.Now()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(string(data), "---\n") != 2 {
		t.Fatalf("expected 2 record blocks, got:\n%s", string(data))
	}

	// Opening again and appending must not truncate what's already there.
	w2, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w2.Append(Record{PatchKind: "BPS", AppliedAt: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(string(data), "---\n") != 3 {
		t.Fatalf("expected 3 record blocks after reopening, got:\n%s", string(data))
	}
}
