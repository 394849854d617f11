package lexical

import (
	"reflect"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "lowercase and split",
			text: "The Quick Brown FOX",
			want: []string{"the", "quick", "brown", "fox"},
		},
		{
			name: "punctuation trimmed",
			text: "hello, world! (really)",
			want: []string{"hello", "world", "really"},
		},
		{
			name: "numbers kept",
			text: "version 2 of mv2",
			want: []string{"version", "2", "of", "mv2"},
		},
		{
			name: "pure punctuation dropped",
			text: "--- ... !!!",
			want: nil,
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.text)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestQueryRanksMatchingFrames(t *testing.T) {
	idx := New()
	idx.Add(0, "the quick brown fox jumps over the lazy dog")
	idx.Add(1, "a lazy afternoon by the river")
	idx.Add(2, "quick quick quick repetition")

	got := idx.Query("quick fox", nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(got), got)
	}
	// Frame 0 matches both query tokens; frame 2 only one.
	if got[0].FrameID != 0 {
		t.Errorf("expected frame 0 ranked first, got %d", got[0].FrameID)
	}
	if got[1].FrameID != 2 {
		t.Errorf("expected frame 2 second, got %d", got[1].FrameID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("expected strictly descending scores, got %v then %v", got[0].Score, got[1].Score)
	}
}

func TestQueryNoMatch(t *testing.T) {
	idx := New()
	idx.Add(0, "some indexed text")

	if got := idx.Query("unrelated terms", nil); got != nil {
		t.Errorf("expected nil result, got %v", got)
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	idx := New()
	if got := idx.Query("anything", nil); got != nil {
		t.Errorf("expected nil result on empty index, got %v", got)
	}
}

func TestQueryDeterministicTieBreak(t *testing.T) {
	idx := New()
	// Identical documents produce identical scores.
	idx.Add(3, "same words here")
	idx.Add(7, "same words here")
	idx.Add(5, "same words here")

	got := idx.Query("same words", nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []uint64{7, 5, 3}
	for i, c := range got {
		if c.FrameID != want[i] {
			t.Fatalf("tie break order: got %v, want ids %v", got, want)
		}
	}

	// Repeated queries return the same ordering.
	again := idx.Query("same words", nil)
	if !reflect.DeepEqual(got, again) {
		t.Errorf("orderings differ across identical queries: %v vs %v", got, again)
	}
}

func TestQueryScope(t *testing.T) {
	idx := New()
	idx.Add(0, "alpha shared")
	idx.Add(1, "beta shared")
	idx.Add(2, "gamma shared")

	scope := roaring64.New()
	scope.Add(1)

	got := idx.Query("shared", scope)
	if len(got) != 1 || got[0].FrameID != 1 {
		t.Errorf("expected only frame 1 within scope, got %v", got)
	}
}

func TestRareTermsOutweighCommon(t *testing.T) {
	idx := New()
	idx.Add(0, "common common common")
	idx.Add(1, "common common common")
	idx.Add(2, "common rare")

	got := idx.Query("rare", nil)
	if len(got) != 1 || got[0].FrameID != 2 {
		t.Fatalf("expected only frame 2 for rare term, got %v", got)
	}
	rareScore := got[0].Score

	got = idx.Query("common", nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 matches for common term, got %d", len(got))
	}
	for _, c := range got {
		if c.Score >= rareScore {
			t.Errorf("common-term score %v should be below rare-term score %v", c.Score, rareScore)
		}
	}
}

func TestCounts(t *testing.T) {
	idx := New()
	idx.Add(0, "one two")
	idx.Add(1, "two three")

	if got := idx.DocCount(); got != 2 {
		t.Errorf("DocCount = %d, want 2", got)
	}
	if got := idx.TermCount(); got != 3 {
		t.Errorf("TermCount = %d, want 3", got)
	}
}
