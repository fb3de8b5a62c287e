package budget

import (
	"strings"
	"testing"
)

// lineCountEstimator charges one token per line regardless of content, which
// makes truncation boundaries exact in tests.
type lineCountEstimator struct{}

func (lineCountEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

func TestHeuristicEstimator(t *testing.T) {
	t.Parallel()
	est := HeuristicEstimator{}

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range tests {
		if got := est.Estimate(tc.text); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestHeuristicEstimator_Monotonic(t *testing.T) {
	t.Parallel()
	est := HeuristicEstimator{}
	prev := 0
	for i := 0; i <= 64; i++ {
		got := est.Estimate(strings.Repeat("a", i))
		if got < prev {
			t.Fatalf("estimate decreased at length %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}

func TestTruncateTail_KeepsSuffix(t *testing.T) {
	t.Parallel()
	context := "line1\nline2\nline3\nline4\nline5"

	got := TruncateTail(context, 3, lineCountEstimator{})
	want := "line3\nline4\nline5"
	if got != want {
		t.Errorf("TruncateTail = %q, want %q", got, want)
	}
}

func TestTruncateTail_FitsUnchanged(t *testing.T) {
	t.Parallel()
	context := "line1\nline2\nline3"

	if got := TruncateTail(context, 10, lineCountEstimator{}); got != context {
		t.Errorf("context within budget should be unchanged, got %q", got)
	}
}

func TestTruncateTail_ZeroBudget(t *testing.T) {
	t.Parallel()
	if got := TruncateTail("line1\nline2", 0, lineCountEstimator{}); got != "" {
		t.Errorf("zero budget should drop everything, got %q", got)
	}
}

func TestTruncateTail_Empty(t *testing.T) {
	t.Parallel()
	if got := TruncateTail("", 100, lineCountEstimator{}); got != "" {
		t.Errorf("empty context should stay empty, got %q", got)
	}
	if got := TruncateTail("   \n\t", 100, lineCountEstimator{}); got != "" {
		t.Errorf("whitespace-only context should trim to empty, got %q", got)
	}
}

func TestTruncateTail_Idempotent(t *testing.T) {
	t.Parallel()
	est := HeuristicEstimator{}
	context := strings.Join([]string{
		"The students table holds one row per enrolled student.",
		"Column name is the student's registered full name.",
		"Columns jan through dec hold monthly attendance counts.",
		"Column currentcity is the student's city of residence.",
	}, "\n")

	once := TruncateTail(context, 20, est)
	twice := TruncateTail(once, 20, est)
	if once != twice {
		t.Errorf("truncation not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestTruncateTail_Deterministic(t *testing.T) {
	t.Parallel()
	est := HeuristicEstimator{}
	context := strings.Repeat("some schema documentation line\n", 50)

	first := TruncateTail(context, 40, est)
	for i := 0; i < 5; i++ {
		if got := TruncateTail(context, 40, est); got != first {
			t.Fatalf("truncation not deterministic on run %d", i)
		}
	}
}

func TestTruncateTail_RetainedWithinBudget(t *testing.T) {
	t.Parallel()
	est := HeuristicEstimator{}
	context := strings.Repeat("a line of schema context that costs a few tokens\n", 30)

	got := TruncateTail(context, 25, est)
	total := 0
	for _, line := range strings.Split(got, "\n") {
		total += est.Estimate(line)
	}
	if total > 25 {
		t.Errorf("retained suffix costs %d tokens, budget is 25", total)
	}
}
