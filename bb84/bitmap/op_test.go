package bitmap

import "testing"

func TestBinaryOperators(t *testing.T) {
	tcs := []struct {
		name string
		a    string
		b    string
		eAnd string
		eXOr string
	}{
		{"aligned", "1010", "0110", "0010", "1100"},
		{"short a", "101", "1101 1", "100", "0111 1"},
		{"short b", "1111 1111 1", "0101", "0101", "1010 1111 1"},
		{"empty", "", "111", "", "111"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			a, b := mustDense(t, tc.a), mustDense(t, tc.b)
			if got, want := And(a, b), mustDense(t, tc.eAnd); !Equal(got, want) {
				t.Errorf("And(%s, %s) == %v, want %v", tc.a, tc.b, got, want)
			}
			if got, want := XOr(a, b), mustDense(t, tc.eXOr); !Equal(got, want) {
				t.Errorf("XOr(%s, %s) == %v, want %v", tc.a, tc.b, got, want)
			}
		})
	}
}

func TestSlice(t *testing.T) {
	d := mustDense(t, "10110010 01101")
	tcs := []struct {
		name  string
		start int
		end   int
		eout  string
		eErr  bool
	}{
		{name: "prefix", start: 0, end: 3, eout: "101"},
		{name: "aligned", start: 8, end: 13, eout: "01101"},
		{name: "unaligned", start: 5, end: 10, eout: "01001"},
		{name: "empty", start: 4, end: 4, eout: ""},
		{name: "past end", start: 10, end: 14, eErr: true},
		{name: "negative start", start: -1, end: 2, eErr: true},
		{name: "backwards", start: 5, end: 2, eErr: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Slice(d, tc.start, tc.end)
			if tc.eErr {
				if err == nil {
					t.Errorf("expected error: got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if eout := mustDense(t, tc.eout); !Equal(out, eout) {
				t.Errorf("Slice(%d, %d) == %v, want %v", tc.start, tc.end, out, eout)
			}
		})
	}
}
