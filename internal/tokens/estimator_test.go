package tokens

import "testing"

func TestEstimate(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single char", "a", 1},
		{"four ascii", "abcd", 1},
		{"five ascii", "abcde", 2},
		{"cjk counts per rune", "你好世界", 4},
		{"kana counts per rune", "こんにちは", 5},
		// "hi " is 3 ascii chars -> 1 token, plus two Han runes.
		{"mixed", "hi 你好", 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Estimate(tc.text); got != tc.want {
				t.Errorf("Estimate(%q) = %d, want %d", tc.text, got, tc.want)
			}
		})
	}
}

func TestEstimateDeterministic(t *testing.T) {
	text := "the deploy pipeline failed with a stack trace in main.go"
	first := Estimate(text)
	for i := 0; i < 5; i++ {
		if got := Estimate(text); got != first {
			t.Fatalf("Estimate not deterministic: %d vs %d", got, first)
		}
	}
}

func TestEstimateMessageAddsOverhead(t *testing.T) {
	content := "hello there"
	if got, want := EstimateMessage("user", content), messageOverhead+Estimate("user")+Estimate(content); got != want {
		t.Errorf("EstimateMessage = %d, want %d", got, want)
	}
}

func TestEstimateAll(t *testing.T) {
	pairs := [][2]string{
		{"user", "first message"},
		{"assistant", "second message"},
	}
	want := EstimateMessage("user", "first message") + EstimateMessage("assistant", "second message")
	if got := EstimateAll(pairs); got != want {
		t.Errorf("EstimateAll = %d, want %d", got, want)
	}
}
