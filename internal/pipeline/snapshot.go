// Package pipeline holds the shared plumbing between the upstream
// consumer and the per-symbol writers: the snapshot record itself, the
// per-symbol bundle (bounded queue plus merged-day bookkeeping), and
// the lifecycle gate every stage consults.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// Num is one price or quantity as opaque numeric text. The upstream
// feed sends levels either as JSON strings ("26741.30") or as bare
// numbers depending on endpoint; Num accepts both and preserves the
// exact digits, so archived records never lose precision to float
// round-tripping. It always serializes as a JSON string.
type Num string

func (n *Num) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty numeric token")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Num(s)
		return nil
	}
	var raw json.Number
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Num(raw)
	return nil
}

func (n Num) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}

// Level is one ladder entry: [price, quantity].
type Level [2]Num

// Price returns the level's price component.
func (l Level) Price() Num { return l[0] }

// Qty returns the level's quantity component.
func (l Level) Qty() Num { return l[1] }

// Snapshot is one top-of-book depth record as persisted: the upstream
// book version, the latency-corrected receive time in epoch
// milliseconds, and the two ladders in upstream order (bids descending
// by price, asks ascending). Ladders are kept verbatim; no
// de-duplication or aggregation happens anywhere in the pipeline.
type Snapshot struct {
	LastUpdateID int64   `json:"lastUpdateId"`
	EventTime    int64   `json:"eventTime"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

// EncodeLine serializes the snapshot as one compact JSON object
// followed by a newline, the exact on-disk and on-wire record format.
// Nil ladders come out as [] so every line carries all four fields.
func (s *Snapshot) EncodeLine() ([]byte, error) {
	if s.Bids == nil {
		s.Bids = []Level{}
	}
	if s.Asks == nil {
		s.Asks = []Level{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return append(b, '\n'), nil
}
