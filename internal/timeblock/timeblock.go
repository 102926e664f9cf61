// Package timeblock maps instants onto fixed-length capture blocks.
//
// Each UTC day is partitioned into blocks of a configurable number of
// minutes, anchored at midnight. Data files are named after the block
// that contains their records, so every component that needs to decide
// "which file does this snapshot belong to" goes through this package.
package timeblock

import "time"

// Layout is the timestamp layout used in block suffixes and therefore
// in data file names: 2025-11-07_13-30 names the block starting at
// 13:30 UTC on 2025-11-07.
const Layout = "2006-01-02_15-04"

// BlockStart returns the UTC start of the block containing t.
//
// Blocks are intervalMin minutes long and anchored at UTC midnight. An
// instant that falls exactly on a boundary belongs to the block it
// opens, not the one it closes. When intervalMin does not divide a day
// evenly the final block of the day is simply shorter.
func BlockStart(t time.Time, intervalMin int) time.Time {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := int(u.Sub(midnight) / time.Minute)
	start := (elapsed / intervalMin) * intervalMin
	return midnight.Add(time.Duration(start) * time.Minute)
}

// Suffix returns the file suffix for the block containing t, formatted
// with Layout.
func Suffix(t time.Time, intervalMin int) string {
	return BlockStart(t, intervalMin).Format(Layout)
}

// Day extracts the YYYY-MM-DD day component from a block suffix. It is
// the grouping key for end-of-day consolidation.
func Day(suffix string) string {
	if len(suffix) < len("2006-01-02") {
		return suffix
	}
	return suffix[:len("2006-01-02")]
}
