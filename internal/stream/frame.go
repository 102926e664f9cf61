// Package stream maintains the upstream WebSocket side of the
// pipeline: one multiplexed depth subscription per consumer, a
// reconnect state machine around it, and the scheduled hot swap that
// replaces long-lived connections before they degrade.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/adred-codev/lobcap/internal/pipeline"
)

// streamSuffix selects top-20 depth snapshots at 100ms cadence for
// every subscribed symbol.
const streamSuffix = "@depth20@100ms"

// frame is one message from the combined stream endpoint. Data stays
// raw until the symbol is known to be ours; unknown symbols cost one
// envelope parse, nothing more.
type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// depthPayload is the depth snapshot carried inside a frame. The book
// version is a pointer so "absent" is distinguishable from zero; a
// frame without it is dropped.
type depthPayload struct {
	LastUpdateID *int64           `json:"lastUpdateId"`
	Bids         []pipeline.Level `json:"bids"`
	Asks         []pipeline.Level `json:"asks"`
}

// symbolOf extracts the lower-cased symbol prefix of a stream name:
// "BTCUSDT@depth20@100ms" → "btcusdt".
func symbolOf(stream string) string {
	name, _, _ := strings.Cut(stream, "@")
	return strings.ToLower(name)
}

// streamPath builds the multiplexed subscription path for the
// configured symbols, appended to the base endpoint at dial time.
func streamPath(symbols []string) string {
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = s + streamSuffix
	}
	return "/stream?streams=" + strings.Join(parts, "/")
}
