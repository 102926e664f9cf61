// Package writer owns the disk leg of the pipeline. One Writer drains
// one symbol's queue, appends records to the current time-bucket file,
// compresses each bucket as it rotates out, and hands a finished day to
// the merge pool the first time the next day's bucket opens.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lobcap/internal/archive"
	"github.com/adred-codev/lobcap/internal/monitoring"
	"github.com/adred-codev/lobcap/internal/pipeline"
	"github.com/adred-codev/lobcap/internal/timeblock"
)

// MergeSubmitter receives finished days for consolidation. Submit must
// not block; false means the task was shed.
type MergeSubmitter interface {
	Submit(symbol, day string) bool
}

// Publisher mirrors appended records to a live feed. Implementations
// must not block the caller.
type Publisher interface {
	Publish(symbol string, line []byte)
}

// Config carries the writer's placement parameters.
type Config struct {
	LOBDir      string
	IntervalMin int
}

// Writer is the single consumer of one symbol's queue. All handle
// state below the config block is owned exclusively by the run
// goroutine; a stall on this symbol's disk path cannot touch any other
// symbol.
//
// The writer exits when its queue is closed. The bucket open at that
// moment is flushed and closed but left uncompressed, so a later run's
// merge sweep picks it up.
type Writer struct {
	cfg    Config
	bundle *pipeline.Bundle
	gate   *pipeline.Gate
	merges MergeSubmitter
	relay  Publisher
	logger zerolog.Logger

	symbol  string // lower-case, used for labels and subjects
	fileSym string // upper-case, embedded in file paths

	currentSuffix string
	currentDay    string // last day written; survives a dropped handle
	sink          *os.File
	prevFlush     time.Time

	lastFlushNs atomic.Int64

	done chan struct{}

	nowFn func() time.Time
}

// New builds the writer for a bundle. The relay may be nil.
func New(cfg Config, bundle *pipeline.Bundle, gate *pipeline.Gate, merges MergeSubmitter, relay Publisher, logger zerolog.Logger) *Writer {
	sym := bundle.Symbol()
	return &Writer{
		cfg:     cfg,
		bundle:  bundle,
		gate:    gate,
		merges:  merges,
		relay:   relay,
		symbol:  sym,
		fileSym: strings.ToUpper(sym),
		logger: logger.With().
			Str("component", "writer").
			Str("symbol", sym).
			Logger(),
		done:  make(chan struct{}),
		nowFn: time.Now,
	}
}

// Start launches the drain loop. Close the bundle's queue to stop the
// writer, then wait on Done.
func (w *Writer) Start() {
	go w.run()
}

// Done is closed once the writer has drained and closed its sink.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Symbol returns the lower-cased symbol this writer serves.
func (w *Writer) Symbol() string { return w.symbol }

// LastFlush reports when the writer last appended a record, zero before
// the first append. Health reporting reads this from other goroutines.
func (w *Writer) LastFlush() time.Time {
	ns := w.lastFlushNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (w *Writer) run() {
	defer close(w.done)
	defer monitoring.RecoverPanic(w.logger, "writer_"+w.symbol, nil)
	defer w.closeSink()

	for snap := range w.bundle.Queue() {
		w.append(snap)
	}
	w.logger.Info().Msg("Writer drained and stopped")
}

// append is one pass of the drain loop. Every failure maps to a logged
// skip; nothing here may kill the loop.
func (w *Writer) append(snap pipeline.Snapshot) {
	// Re-check the gate at dequeue: anything still buffered when
	// shutdown begins is discarded, not written.
	if !w.gate.StreamEnabled() {
		return
	}

	suffix := timeblock.Suffix(time.UnixMilli(snap.EventTime), w.cfg.IntervalMin)
	if suffix != w.currentSuffix && !w.rotate(suffix) {
		return
	}

	line, err := snap.EncodeLine()
	if err != nil {
		monitoring.RecordWriteError(w.symbol)
		w.logger.Error().Err(err).Msg("Snapshot encode failed")
		return
	}
	if _, err := w.sink.Write(line); err != nil {
		monitoring.RecordWriteError(w.symbol)
		w.logger.Error().Err(err).Str("file", w.sink.Name()).Msg("Append failed, dropping handle")
		w.dropSink()
		return
	}

	monitoring.RecordWrite(w.symbol)
	now := w.nowFn()
	if !w.prevFlush.IsZero() {
		monitoring.SetFlushInterval(w.symbol, now.Sub(w.prevFlush).Seconds())
	}
	w.prevFlush = now
	w.lastFlushNs.Store(now.UnixNano())

	if w.relay != nil {
		w.relay.Publish(w.symbol, line)
	}
}

// rotate retires the current bucket and opens the one for suffix. The
// closed bucket is compressed in place, and when its day differs from
// the new bucket's day the finished day goes to the merge pool before
// the new sink opens — so every bucket of a submitted day is already a
// .zip when the merge runs. Returns false when the new sink could not
// be opened; the handle stays empty and the next snapshot retries.
func (w *Writer) rotate(suffix string) bool {
	day := timeblock.Day(suffix)

	if w.sink != nil {
		prior := w.sink.Name()
		w.closeSink()
		if err := archive.ZipAndRemove(prior); err != nil {
			monitoring.RecordCompressFailure(w.symbol)
			w.logger.Error().Err(err).Str("file", prior).Msg("Bucket compression failed, leaving .jsonl in place")
		}
		monitoring.RecordRotation(w.symbol)
	}

	if w.currentDay != "" && w.currentDay != day {
		w.submitMerge(w.currentDay)
	}
	w.currentSuffix = ""

	dir := filepath.Join(w.cfg.LOBDir, "temporary", fmt.Sprintf("%s_orderbook_%s", w.fileSym, day))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Error().Err(err).Str("dir", dir).Msg("Bucket directory create failed, snapshot skipped")
		return false
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_orderbook_%s.jsonl", w.fileSym, suffix))
	sink, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("Bucket open failed, snapshot skipped")
		return false
	}

	w.sink = sink
	w.currentSuffix = suffix
	w.currentDay = day
	w.logger.Info().Str("file", path).Msg("Bucket opened")
	return true
}

// submitMerge dispatches a finished day at most once per process. The
// day stays marked even when the pool sheds the task: the merger skips
// days whose archive already exists and rotation leaves .zip sources in
// place, so a later run can redo the work, while unmarking here could
// double-submit against a partially written archive.
func (w *Writer) submitMerge(day string) {
	if !w.bundle.MarkMerged(day) {
		return
	}
	if w.merges.Submit(w.symbol, day) {
		monitoring.RecordMergeSubmitted(w.symbol)
		w.logger.Info().Str("day", day).Msg("Day merge submitted")
	} else {
		w.logger.Warn().Str("day", day).Msg("Merge queue full, day left for a later sweep")
	}
}

// closeSink flushes and closes the open bucket, if any.
func (w *Writer) closeSink() {
	if w.sink == nil {
		return
	}
	if err := w.sink.Sync(); err != nil {
		w.logger.Warn().Err(err).Str("file", w.sink.Name()).Msg("Bucket sync failed")
	}
	if err := w.sink.Close(); err != nil {
		w.logger.Warn().Err(err).Str("file", w.sink.Name()).Msg("Bucket close failed")
	}
	w.sink = nil
}

// dropSink abandons the handle after a write failure so the next
// snapshot reopens its bucket.
func (w *Writer) dropSink() {
	w.closeSink()
	w.currentSuffix = ""
}
