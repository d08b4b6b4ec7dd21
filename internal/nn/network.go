package nn

import (
	"errors"
	"fmt"
	"math"

	"asphaleia/internal/model"
)

var ErrMalformed = errors.New("malformed network")

// LayerOutDim returns the output width of a layer given its input width.
func LayerOutDim(layer model.Layer, inDim int) int {
	if layer.Kind == model.LayerAffine {
		return len(layer.Weights)
	}
	return inDim
}

// OutputDim returns the network's output width.
func OutputDim(net model.Network) int {
	dim := net.InputDim
	for _, layer := range net.Layers {
		dim = LayerOutDim(layer, dim)
	}
	return dim
}

// Validate checks layer dimension chaining and per-kind required fields.
func Validate(net model.Network) error {
	if net.InputDim <= 0 {
		return fmt.Errorf("%w: input dim %d", ErrMalformed, net.InputDim)
	}
	dim := net.InputDim
	for i, layer := range net.Layers {
		switch layer.Kind {
		case model.LayerAffine:
			if len(layer.Weights) == 0 || len(layer.Biases) != len(layer.Weights) {
				return fmt.Errorf("%w: affine layer %d has %d weight rows, %d biases",
					ErrMalformed, i, len(layer.Weights), len(layer.Biases))
			}
			for r, row := range layer.Weights {
				if len(row) != dim {
					return fmt.Errorf("%w: affine layer %d row %d has %d cols, want %d",
						ErrMalformed, i, r, len(row), dim)
				}
			}
			dim = len(layer.Weights)
		case model.LayerLeakyReLU:
			if layer.NegSlope < 0 || layer.NegSlope >= 1 {
				return fmt.Errorf("%w: leaky layer %d slope %f outside [0,1)",
					ErrMalformed, i, layer.NegSlope)
			}
		case model.LayerSaturation:
			if len(layer.Lower) != dim || len(layer.Upper) != dim {
				return fmt.Errorf("%w: saturation layer %d bounds width %d/%d, want %d",
					ErrMalformed, i, len(layer.Lower), len(layer.Upper), dim)
			}
			for j := range layer.Lower {
				if layer.Lower[j] > layer.Upper[j] {
					return fmt.Errorf("%w: saturation layer %d inverted bounds at %d",
						ErrMalformed, i, j)
				}
			}
		default:
			return fmt.Errorf("%w: layer %d kind %q", ErrMalformed, i, layer.Kind)
		}
	}
	return nil
}

// Eval runs the network forward on x.
func Eval(net model.Network, x []float64) ([]float64, error) {
	if len(x) != net.InputDim {
		return nil, fmt.Errorf("%w: input width %d, want %d", ErrMalformed, len(x), net.InputDim)
	}
	cur := append([]float64(nil), x...)
	for _, layer := range net.Layers {
		cur = applyLayer(layer, cur)
	}
	return cur, nil
}

func applyLayer(layer model.Layer, in []float64) []float64 {
	switch layer.Kind {
	case model.LayerAffine:
		out := make([]float64, len(layer.Weights))
		for i, row := range layer.Weights {
			sum := layer.Biases[i]
			for j, w := range row {
				sum += w * in[j]
			}
			out[i] = sum
		}
		return out
	case model.LayerLeakyReLU:
		out := make([]float64, len(in))
		for i, v := range in {
			if v >= 0 {
				out[i] = v
			} else {
				out[i] = layer.NegSlope * v
			}
		}
		return out
	case model.LayerSaturation:
		out := make([]float64, len(in))
		for i, v := range in {
			out[i] = math.Min(math.Max(v, layer.Lower[i]), layer.Upper[i])
		}
		return out
	}
	return in
}

// SatState records which branch of a saturation unit is active.
type SatState int

const (
	SatInterior SatState = iota
	SatLow
	SatHigh
)

// Pattern is the active piecewise-affine region of a network at a point:
// one on/off slice per leaky-ReLU layer and one branch slice per saturation
// layer, in layer order.
type Pattern struct {
	ReLU [][]bool
	Sat  [][]SatState
}

// PatternAt evaluates the network and records the active region. Units
// sitting exactly on a kink are assigned the nonnegative branch.
func PatternAt(net model.Network, x []float64) (Pattern, []float64, error) {
	if len(x) != net.InputDim {
		return Pattern{}, nil, fmt.Errorf("%w: input width %d, want %d", ErrMalformed, len(x), net.InputDim)
	}
	var pat Pattern
	cur := append([]float64(nil), x...)
	for _, layer := range net.Layers {
		switch layer.Kind {
		case model.LayerLeakyReLU:
			on := make([]bool, len(cur))
			for i, v := range cur {
				on[i] = v >= 0
			}
			pat.ReLU = append(pat.ReLU, on)
		case model.LayerSaturation:
			states := make([]SatState, len(cur))
			for i, v := range cur {
				switch {
				case v <= layer.Lower[i]:
					states[i] = SatLow
				case v >= layer.Upper[i]:
					states[i] = SatHigh
				default:
					states[i] = SatInterior
				}
			}
			pat.Sat = append(pat.Sat, states)
		}
		cur = applyLayer(layer, cur)
	}
	return pat, cur, nil
}

// KinkLayers returns the indices (in leaky-ReLU layer order) of layers that
// contain a unit with pre-activation exactly zero at x, within tol. The
// exact-subgradient minimax swap is only legitimate when at most one layer
// appears here.
func KinkLayers(net model.Network, x []float64, tol float64) ([]int, error) {
	if len(x) != net.InputDim {
		return nil, fmt.Errorf("%w: input width %d, want %d", ErrMalformed, len(x), net.InputDim)
	}
	var kinked []int
	reluIdx := 0
	cur := append([]float64(nil), x...)
	for _, layer := range net.Layers {
		if layer.Kind == model.LayerLeakyReLU {
			for _, v := range cur {
				if math.Abs(v) <= tol {
					kinked = append(kinked, reluIdx)
					break
				}
			}
			reluIdx++
		}
		cur = applyLayer(layer, cur)
	}
	return kinked, nil
}
