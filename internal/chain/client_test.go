package chain

import (
	"reflect"
	"testing"
)

func TestSplitRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from uint64
		to   uint64
		want []blockRange
	}{
		{"single block", 5, 5, []blockRange{{5, 5}}},
		{"inside one chunk", 1, 999, []blockRange{{1, 999}}},
		{"exact chunk", 1, 1000, []blockRange{{1, 1000}}},
		{"one over", 1, 1001, []blockRange{{1, 1000}, {1001, 1001}}},
		{"partial tail", 1, 2500, []blockRange{{1, 1000}, {1001, 2000}, {2001, 2500}}},
		{"offset start keeps width", 264_000_001, 264_002_000, []blockRange{
			{264_000_001, 264_001_000},
			{264_001_001, 264_002_000},
		}},
		{"inverted range", 10, 9, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitRange(tt.from, tt.to, logChunkBlocks)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitRange(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSplitRangeCoversCatchupWindow(t *testing.T) {
	t.Parallel()

	// The widest window the ingestion loop requests is 10000 blocks. Every
	// block must land in exactly one chunk; a gap here is a silently
	// dropped event.
	const from, to uint64 = 100_001, 110_000
	chunks := splitRange(from, to, logChunkBlocks)
	if len(chunks) != 10 {
		t.Fatalf("chunks = %d, want 10", len(chunks))
	}

	next := from
	for _, r := range chunks {
		if r.from != next {
			t.Fatalf("chunk starts at %d, want %d", r.from, next)
		}
		if r.to < r.from {
			t.Fatalf("inverted chunk %+v", r)
		}
		if width := r.to - r.from + 1; width > logChunkBlocks {
			t.Errorf("chunk %+v spans %d blocks, want at most %d", r, width, logChunkBlocks)
		}
		next = r.to + 1
	}
	if next != to+1 {
		t.Errorf("chunks end at %d, want %d", next-1, to)
	}
}
