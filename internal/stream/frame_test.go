package stream

import (
	"testing"
)

// TestSymbolOf verifies demultiplexing keys: the lower-cased prefix
// before the first @.
func TestSymbolOf(t *testing.T) {
	cases := []struct {
		stream string
		want   string
	}{
		{"btcusdt@depth20@100ms", "btcusdt"},
		{"BTCUSDT@depth20@100ms", "btcusdt"},
		{"ethusdt@depth20", "ethusdt"},
		{"noseparator", "noseparator"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := symbolOf(tc.stream); got != tc.want {
			t.Errorf("symbolOf(%q) = %q, want %q", tc.stream, got, tc.want)
		}
	}
}

// TestStreamPath verifies the multiplexed subscription path composed
// at dial time.
func TestStreamPath(t *testing.T) {
	got := streamPath([]string{"btcusdt", "ethusdt"})
	want := "/stream?streams=btcusdt@depth20@100ms/ethusdt@depth20@100ms"
	if got != want {
		t.Errorf("streamPath = %q, want %q", got, want)
	}
}
