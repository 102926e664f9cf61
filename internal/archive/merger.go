package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// Merger consolidates one symbol's rotated bucket archives for a
// closed day into a single day-level archive:
//
//	{LOB_DIR}/temporary/{SYM}_orderbook_{day}/*.jsonl.zip
//	  → {LOB_DIR}/{SYM}_orderbook_{day}.zip
//
// Bucket members are copied in their already-deflated form, so a
// day's merge costs file I/O, not recompression. The source directory
// is deleted only after the day archive has been synced and renamed
// into place.
type Merger struct {
	lobDir string
	logger zerolog.Logger
}

// NewMerger creates a merger rooted at the capture data directory.
func NewMerger(lobDir string, logger zerolog.Logger) *Merger {
	return &Merger{
		lobDir: lobDir,
		logger: logger.With().Str("component", "merger").Logger(),
	}
}

// MergeDay builds the day archive for (symbol, day). It is idempotent:
// if the day archive already exists the call is a no-op, which makes a
// rerun after a crash or a double submission harmless.
func (m *Merger) MergeDay(symbol, day string) error {
	symUpper := strings.ToUpper(symbol)
	srcDir := filepath.Join(m.lobDir, "temporary", fmt.Sprintf("%s_orderbook_%s", symUpper, day))
	dstPath := filepath.Join(m.lobDir, fmt.Sprintf("%s_orderbook_%s.zip", symUpper, day))

	if _, err := os.Stat(dstPath); err == nil {
		m.logger.Debug().Str("symbol", symbol).Str("day", day).Msg("Day archive already exists, skipping merge")
		return nil
	}

	// Rotation compresses buckets before the merge is submitted, but a
	// crash or a failed zip step can leave raw .jsonl behind. Pick
	// those up first so the day archive is complete.
	strays, err := filepath.Glob(filepath.Join(srcDir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("scan stray buckets: %w", err)
	}
	for _, stray := range strays {
		m.logger.Warn().Str("file", filepath.Base(stray)).Msg("Compressing stray bucket before merge")
		if err := ZipAndRemove(stray); err != nil {
			return fmt.Errorf("compress stray bucket %s: %w", filepath.Base(stray), err)
		}
	}

	buckets, err := filepath.Glob(filepath.Join(srcDir, "*.zip"))
	if err != nil {
		return fmt.Errorf("scan buckets: %w", err)
	}
	if len(buckets) == 0 {
		return fmt.Errorf("no bucket archives under %s", srcDir)
	}
	// Bucket suffixes sort chronologically, so name order is time order.
	sort.Strings(buckets)

	tmpPath := dstPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create day archive: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, bucket := range buckets {
		if err := appendArchiveMembers(zw, bucket); err != nil {
			zw.Close()
			out.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("merge %s: %w", filepath.Base(bucket), err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("finalize day archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync day archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close day archive: %w", err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish day archive: %w", err)
	}

	if err := os.RemoveAll(srcDir); err != nil {
		return fmt.Errorf("remove merged directory: %w", err)
	}

	m.logger.Info().
		Str("symbol", symbol).
		Str("day", day).
		Int("buckets", len(buckets)).
		Str("archive", dstPath).
		Msg("Day archive written")
	return nil
}

// appendArchiveMembers copies every member of the bucket archive into
// zw without recompressing, preserving each member's header.
func appendArchiveMembers(zw *zip.Writer, path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		raw, err := f.OpenRaw()
		if err != nil {
			return fmt.Errorf("open member %s: %w", f.Name, err)
		}
		w, err := zw.CreateRaw(&f.FileHeader)
		if err != nil {
			return fmt.Errorf("create member %s: %w", f.Name, err)
		}
		if _, err := io.Copy(w, raw); err != nil {
			return fmt.Errorf("copy member %s: %w", f.Name, err)
		}
	}
	return nil
}
