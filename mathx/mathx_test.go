package mathx

import "testing"

func TestRound(t *testing.T) {
	cases := []struct{ x, unit, want float64 }{
		{12, 5, 10},
		{13, 5, 15},
		{-7, 5, -5},
		{-8, 5, -10},
		{0.26, 0.5, 0.5},
	}
	for _, c := range cases {
		if got := Round(c.x, c.unit); got != c.want {
			t.Errorf("Round(%v, %v): expected %v, got %v", c.x, c.unit, c.want, got)
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(20, 0, 10) != 10 || Clamp(-1, 0, 10) != 0 || Clamp(3, 0, 10) != 3 {
		t.Error("Clamp did not limit to [0, 10]")
	}
}
