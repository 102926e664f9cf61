package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// writeBucket drops a compressed bucket archive into the symbol-day
// directory, the way rotation leaves them behind.
func writeBucket(t *testing.T, dayDir, suffix, content string) {
	t.Helper()

	path := filepath.Join(dayDir, fmt.Sprintf("BTCUSDT_orderbook_%s.jsonl", suffix))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ZipAndRemove(path); err != nil {
		t.Fatalf("compress bucket: %v", err)
	}
}

// readMembers returns member names and contents of an archive in
// stored order.
func readMembers(t *testing.T, path string) ([]string, []string) {
	t.Helper()

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer r.Close()

	var names, contents []string
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open member %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read member %s: %v", f.Name, err)
		}
		names = append(names, f.Name)
		contents = append(contents, string(data))
	}
	return names, contents
}

func dayLayout(t *testing.T) (lobDir, dayDir string) {
	t.Helper()

	lobDir = t.TempDir()
	dayDir = filepath.Join(lobDir, "temporary", "BTCUSDT_orderbook_2025-11-07")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return lobDir, dayDir
}

// TestMerger_ConsolidatesDayAndRemovesSource verifies the day merge:
// all bucket members land in one day archive in chronological order,
// contents intact, and the source directory is gone.
func TestMerger_ConsolidatesDayAndRemovesSource(t *testing.T) {
	lobDir, dayDir := dayLayout(t)
	writeBucket(t, dayDir, "2025-11-07_10-30", "ten thirty\n")
	writeBucket(t, dayDir, "2025-11-07_00-00", "midnight\n")
	writeBucket(t, dayDir, "2025-11-07_23-30", "late\n")

	m := NewMerger(lobDir, zerolog.Nop())
	if err := m.MergeDay("btcusdt", "2025-11-07"); err != nil {
		t.Fatalf("MergeDay: %v", err)
	}

	dayArchive := filepath.Join(lobDir, "BTCUSDT_orderbook_2025-11-07.zip")
	names, contents := readMembers(t, dayArchive)

	wantNames := []string{
		"BTCUSDT_orderbook_2025-11-07_00-00.jsonl",
		"BTCUSDT_orderbook_2025-11-07_10-30.jsonl",
		"BTCUSDT_orderbook_2025-11-07_23-30.jsonl",
	}
	if len(names) != len(wantNames) {
		t.Fatalf("got %d members, want %d: %v", len(names), len(wantNames), names)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Errorf("member %d = %q, want %q", i, names[i], wantNames[i])
		}
	}
	if contents[0] != "midnight\n" || contents[1] != "ten thirty\n" || contents[2] != "late\n" {
		t.Errorf("member contents out of order: %q", contents)
	}

	if _, err := os.Stat(dayDir); !os.IsNotExist(err) {
		t.Error("source day directory should be removed after merge")
	}
}

// TestMerger_CompressesStrayBucket verifies a raw .jsonl left behind
// by a failed rotation zip is compressed and included in the day
// archive instead of being lost.
func TestMerger_CompressesStrayBucket(t *testing.T) {
	lobDir, dayDir := dayLayout(t)
	writeBucket(t, dayDir, "2025-11-07_10-00", "zipped\n")

	stray := filepath.Join(dayDir, "BTCUSDT_orderbook_2025-11-07_10-30.jsonl")
	if err := os.WriteFile(stray, []byte("stray\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMerger(lobDir, zerolog.Nop())
	if err := m.MergeDay("btcusdt", "2025-11-07"); err != nil {
		t.Fatalf("MergeDay: %v", err)
	}

	names, contents := readMembers(t, filepath.Join(lobDir, "BTCUSDT_orderbook_2025-11-07.zip"))
	if len(names) != 2 {
		t.Fatalf("got %d members, want 2: %v", len(names), names)
	}
	if contents[1] != "stray\n" {
		t.Errorf("stray bucket content = %q, want %q", contents[1], "stray\n")
	}
}

// TestMerger_SkipsWhenDayArchiveExists verifies idempotence: a present
// day archive short-circuits the merge and preserves the source
// directory untouched.
func TestMerger_SkipsWhenDayArchiveExists(t *testing.T) {
	lobDir, dayDir := dayLayout(t)
	writeBucket(t, dayDir, "2025-11-07_10-30", "data\n")

	existing := filepath.Join(lobDir, "BTCUSDT_orderbook_2025-11-07.zip")
	if err := os.WriteFile(existing, []byte("already merged"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMerger(lobDir, zerolog.Nop())
	if err := m.MergeDay("btcusdt", "2025-11-07"); err != nil {
		t.Fatalf("MergeDay should be a no-op, got: %v", err)
	}

	data, err := os.ReadFile(existing)
	if err != nil || string(data) != "already merged" {
		t.Error("existing day archive should be untouched")
	}
	if _, err := os.Stat(dayDir); err != nil {
		t.Error("source directory should survive a skipped merge")
	}
}

// TestMerger_ErrorsOnEmptyDay verifies a day directory with nothing to
// merge surfaces an error rather than writing an empty archive.
func TestMerger_ErrorsOnEmptyDay(t *testing.T) {
	lobDir, _ := dayLayout(t)

	m := NewMerger(lobDir, zerolog.Nop())
	if err := m.MergeDay("btcusdt", "2025-11-07"); err == nil {
		t.Fatal("expected error for empty day directory")
	}

	if _, err := os.Stat(filepath.Join(lobDir, "BTCUSDT_orderbook_2025-11-07.zip")); !os.IsNotExist(err) {
		t.Error("no day archive should be produced")
	}
}

// TestMerger_LowercaseSymbolMapsToUppercasePaths verifies the
// symbol-case convention: pipeline symbols are lower-case, disk paths
// upper-case.
func TestMerger_LowercaseSymbolMapsToUppercasePaths(t *testing.T) {
	lobDir, dayDir := dayLayout(t)
	writeBucket(t, dayDir, "2025-11-07_10-30", "data\n")

	m := NewMerger(lobDir, zerolog.Nop())
	if err := m.MergeDay("btcusdt", "2025-11-07"); err != nil {
		t.Fatalf("MergeDay: %v", err)
	}

	if _, err := os.Stat(filepath.Join(lobDir, "BTCUSDT_orderbook_2025-11-07.zip")); err != nil {
		t.Errorf("day archive missing at upper-case path: %v", err)
	}
}
