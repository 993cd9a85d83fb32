package goruntime

import "testing"

func TestOrderForSize(t *testing.T) {
	cases := []struct {
		size uintptr
		want uint8
	}{
		{0, 0},
		{1, 0},
		{4096, 0},
		{4097, 1},
		{8192, 1},
		{8193, 2},
		{2 << 20, 9},
	}

	for _, c := range cases {
		if got := orderForSize(c.size); got != c.want {
			t.Errorf("orderForSize(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}
