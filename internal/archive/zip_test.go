package archive

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// readSingleMember opens a zip archive and returns the name and
// contents of its only member.
func readSingleMember(t *testing.T, path string) (string, []byte) {
	t.Helper()

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive %s: %v", path, err)
	}
	defer r.Close()

	if len(r.File) != 1 {
		t.Fatalf("archive has %d members, want 1", len(r.File))
	}
	f := r.File[0]

	rc, err := f.Open()
	if err != nil {
		t.Fatalf("open member: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read member: %v", err)
	}
	return f.Name, data
}

// TestZipAndRemove_RoundTrip verifies the rotation compressor's
// contract: the source is replaced by <source>.zip whose single member
// carries the source's base name and exact bytes.
func TestZipAndRemove_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTCUSDT_orderbook_2025-11-07_10-30.jsonl")
	content := []byte(`{"lastUpdateId":1,"eventTime":2,"bids":[],"asks":[]}` + "\n" +
		`{"lastUpdateId":2,"eventTime":3,"bids":[["1","2"]],"asks":[]}` + "\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ZipAndRemove(path); err != nil {
		t.Fatalf("ZipAndRemove: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("source file should be removed")
	}

	name, data := readSingleMember(t, path+".zip")
	if name != "BTCUSDT_orderbook_2025-11-07_10-30.jsonl" {
		t.Errorf("member name = %q, want source base name", name)
	}
	if string(data) != string(content) {
		t.Errorf("member content mismatch:\n got %q\nwant %q", data, content)
	}
}

// TestZipAndRemove_MissingSource verifies a vanished source is an
// error and produces no archive.
func TestZipAndRemove_MissingSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.jsonl")

	if err := ZipAndRemove(path); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := os.Stat(path + ".zip"); !os.IsNotExist(err) {
		t.Error("no archive should exist for a missing source")
	}
}

// TestZipAndRemove_NoStagingLeftover verifies the .zip.tmp staging
// file never survives a successful run.
func TestZipAndRemove_NoStagingLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bucket.jsonl")
	if err := os.WriteFile(path, []byte("line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ZipAndRemove(path); err != nil {
		t.Fatalf("ZipAndRemove: %v", err)
	}

	if _, err := os.Stat(path + ".zip.tmp"); !os.IsNotExist(err) {
		t.Error("staging file should not survive")
	}
}
