package tokenest

import "testing"

func TestEstimate_RuneCeiling(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
	}
	for _, c := range cases {
		if got := Estimate(c.in); got != c.want {
			t.Fatalf("Estimate(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEstimate_CountsRunesNotBytes(t *testing.T) {
	// Four runes, twelve bytes.
	if got := Estimate("日本語字"); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestEstimateAll_Sums(t *testing.T) {
	if got := EstimateAll([]string{"abcd", "abcde"}); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
	if got := EstimateAll(nil); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}
