package trade

import "testing"

func TestSnapDownBandVector(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price int64
		want  int64
	}{
		{999, 999},
		{1000, 1000},
		{4999, 4995},
		{5000, 5000},
		{9999, 9990},
		{10000, 10000},
	}
	for _, tc := range cases {
		if got := SnapDown(tc.price); got != tc.want {
			t.Errorf("SnapDown(%d) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestSnapUpCeilsWithinBand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price int64
		want  int64
	}{
		{999, 999},       // already on grid
		{4996, 5000},     // crosses into the 10-tick band on a valid point
		{9027, 9030},
		{12086, 12100},
		{150100, 150500},
		{600001, 601000},
	}
	for _, tc := range cases {
		if got := SnapUp(tc.price); got != tc.want {
			t.Errorf("SnapUp(%d) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestTickSizeBands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price int64
		want  int64
	}{
		{999, 1},
		{1000, 5},
		{4999, 5},
		{5000, 10},
		{9999, 10},
		{10000, 50},
		{49999, 50},
		{50000, 100},
		{99999, 100},
		{100000, 500},
		{499999, 500},
		{500000, 1000},
	}
	for _, tc := range cases {
		if got := TickSize(tc.price); got != tc.want {
			t.Errorf("TickSize(%d) = %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestSnapNonPositive(t *testing.T) {
	t.Parallel()
	if got := SnapDown(0); got != 0 {
		t.Errorf("SnapDown(0) = %d", got)
	}
	if got := SnapUp(-50); got != 0 {
		t.Errorf("SnapUp(-50) = %d", got)
	}
}
