// Package archive turns finished bucket files into zip archives and
// consolidates a day's buckets into one day-level archive. Rotation
// compression runs synchronously inside the owning writer; day merges
// run on the package's worker pool so they never block ingestion.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// ZipAndRemove compresses path into <path>.zip and deletes the
// original. The archive is staged as <path>.zip.tmp and renamed into
// place only after a successful sync, so a crash mid-compression never
// leaves a truncated archive next to a deleted source. On any error
// the original file is left untouched.
func ZipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	tmpPath := path + ".zip.tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     filepath.Base(path),
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	})
	if err == nil {
		_, err = io.Copy(w, src)
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write archive: %w", err)
	}

	if err := os.Rename(tmpPath, path+".zip"); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish archive: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	return nil
}
