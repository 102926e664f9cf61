package stream

import (
	"github.com/shopspring/decimal"

	"github.com/adred-codev/lobcap/internal/pipeline"
)

// ladderViolations checks a snapshot's price monotonicity with exact
// decimal comparison: bids must be strictly descending, asks strictly
// ascending. An unparseable price counts as a violation of its side.
// The check observes and reports; it never repairs or drops.
func ladderViolations(s *pipeline.Snapshot) (badBids, badAsks bool) {
	return !monotonic(s.Bids, true), !monotonic(s.Asks, false)
}

func monotonic(levels []pipeline.Level, descending bool) bool {
	var prev decimal.Decimal
	for i, lvl := range levels {
		price, err := decimal.NewFromString(string(lvl.Price()))
		if err != nil {
			return false
		}
		if i > 0 {
			if descending && price.GreaterThanOrEqual(prev) {
				return false
			}
			if !descending && price.LessThanOrEqual(prev) {
				return false
			}
		}
		prev = price
	}
	return true
}
