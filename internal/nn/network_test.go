package nn

import (
	"errors"
	"math"
	"testing"

	"asphaleia/internal/model"
)

func smallNet() model.Network {
	return model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{1, -1}, {2, 0.5}, {-0.5, 1}}, Biases: []float64{0.1, -0.2, 0}},
			{Kind: model.LayerLeakyReLU, NegSlope: 0.1},
			{Kind: model.LayerAffine, Weights: [][]float64{{1, 1, -2}}, Biases: []float64{0.3}},
		},
	}
}

func TestValidate(t *testing.T) {
	net := smallNet()
	if err := Validate(net); err != nil {
		t.Fatalf("valid network rejected: %v", err)
	}

	bad := smallNet()
	bad.Layers[0].Weights[1] = []float64{1}
	if err := Validate(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for ragged weights, got %v", err)
	}

	bad = smallNet()
	bad.Layers[1].NegSlope = 1.5
	if err := Validate(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for slope out of range, got %v", err)
	}
}

func TestEvalMatchesHandComputation(t *testing.T) {
	net := smallNet()
	out, err := Eval(net, []float64{1, 2})
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	// pre-activations: [-0.9, 2.8, 1.5] -> leaky: [-0.09, 2.8, 1.5]
	want := -0.09 + 2.8 - 2*1.5 + 0.3
	if math.Abs(out[0]-want) > 1e-12 {
		t.Fatalf("unexpected output: got=%f want=%f", out[0], want)
	}
}

func TestPatternAt(t *testing.T) {
	net := smallNet()
	pat, out, err := PatternAt(net, []float64{1, 2})
	if err != nil {
		t.Fatalf("pattern failed: %v", err)
	}
	if len(pat.ReLU) != 1 {
		t.Fatalf("expected one relu layer pattern, got %d", len(pat.ReLU))
	}
	wantOn := []bool{false, true, true}
	for i, on := range pat.ReLU[0] {
		if on != wantOn[i] {
			t.Fatalf("unexpected activation at %d: got=%v", i, on)
		}
	}
	direct, _ := Eval(net, []float64{1, 2})
	if math.Abs(out[0]-direct[0]) > 1e-12 {
		t.Fatalf("pattern eval diverges from forward eval")
	}
}

func TestSaturationLayer(t *testing.T) {
	net := model.Network{
		InputDim: 1,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{2}}, Biases: []float64{0}},
			{Kind: model.LayerSaturation, Lower: []float64{-1}, Upper: []float64{1}},
		},
	}
	cases := []struct{ in, want float64 }{
		{0.25, 0.5},
		{3, 1},
		{-3, -1},
	}
	for _, tc := range cases {
		out, err := Eval(net, []float64{tc.in})
		if err != nil {
			t.Fatalf("eval failed: %v", err)
		}
		if math.Abs(out[0]-tc.want) > 1e-12 {
			t.Fatalf("saturation(%f): got=%f want=%f", tc.in, out[0], tc.want)
		}
	}

	pat, _, err := PatternAt(net, []float64{3})
	if err != nil {
		t.Fatalf("pattern failed: %v", err)
	}
	if pat.Sat[0][0] != SatHigh {
		t.Fatalf("expected high saturation branch, got %v", pat.Sat[0][0])
	}
}

func TestKinkLayers(t *testing.T) {
	net := smallNet()
	// First neuron pre-activation is x1 - x2 + 0.1; zero at (0.9, 1.0).
	kinked, err := KinkLayers(net, []float64{0.9, 1.0}, 1e-9)
	if err != nil {
		t.Fatalf("kink scan failed: %v", err)
	}
	if len(kinked) != 1 || kinked[0] != 0 {
		t.Fatalf("expected kink in relu layer 0, got %v", kinked)
	}

	kinked, err = KinkLayers(net, []float64{1, 2}, 1e-9)
	if err != nil {
		t.Fatalf("kink scan failed: %v", err)
	}
	if len(kinked) != 0 {
		t.Fatalf("expected no kinks, got %v", kinked)
	}
}
