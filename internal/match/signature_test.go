package match

import "testing"

func TestSignature(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		same bool
	}{
		{
			name: "Identical vectors",
			a:    []float64{0.1, 0.2, 0.3},
			b:    []float64{0.1, 0.2, 0.3},
			same: true,
		},
		{
			name: "Noise below rounding precision",
			a:    []float64{0.1231, -0.4562, 0.0001},
			b:    []float64{0.1229, -0.4558, -0.0004},
			same: true,
		},
		{
			name: "Difference at third decimal",
			a:    []float64{0.123, 0.2, 0.3},
			b:    []float64{0.124, 0.2, 0.3},
			same: false,
		},
		{
			name: "Half rounds down to even",
			a:    []float64{0.0025, -0.0005},
			b:    []float64{0.002, 0},
			same: true,
		},
		{
			name: "Half rounds up to even",
			a:    []float64{0.0035, 0.0015},
			b:    []float64{0.004, 0.002},
			same: true,
		},
		{
			name: "Half does not round away from zero",
			a:    []float64{0.0025},
			b:    []float64{0.003},
			same: false,
		},
		{
			name: "Order sensitive",
			a:    []float64{0.1, 0.2, 0.3},
			b:    []float64{0.3, 0.2, 0.1},
			same: false,
		},
		{
			name: "Length sensitive",
			a:    []float64{0.1, 0.2},
			b:    []float64{0.1, 0.2, 0.0},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Signature(tt.a) == Signature(tt.b)
			if got != tt.same {
				t.Errorf("Signature(%v) == Signature(%v) is %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestSignatureDeterministic(t *testing.T) {
	vec := make([]float64, DefaultDimension)
	for i := range vec {
		vec[i] = float64(i) / 1000.0
	}
	first := Signature(vec)
	for i := 0; i < 10; i++ {
		if got := Signature(vec); got != first {
			t.Fatalf("Signature is not deterministic. Got %d, then %d", first, got)
		}
	}
}
