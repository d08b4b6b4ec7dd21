package nn

import (
	"fmt"

	"asphaleia/internal/model"
)

// LayerGrad holds the parameter gradient of one layer. Non-affine layers
// carry no parameters and keep nil fields.
type LayerGrad struct {
	DW [][]float64
	DB []float64
}

// ParamGrad is the gradient of a scalar quantity with respect to every
// affine-layer parameter of one network, in layer order.
type ParamGrad struct {
	Layers []LayerGrad
}

// NewParamGrad allocates a zero gradient shaped like net.
func NewParamGrad(net model.Network) ParamGrad {
	g := ParamGrad{Layers: make([]LayerGrad, len(net.Layers))}
	dim := net.InputDim
	for i, layer := range net.Layers {
		if layer.Kind == model.LayerAffine {
			rows := len(layer.Weights)
			dw := make([][]float64, rows)
			for r := range dw {
				dw[r] = make([]float64, dim)
			}
			g.Layers[i] = LayerGrad{DW: dw, DB: make([]float64, rows)}
		}
		dim = LayerOutDim(layer, dim)
	}
	return g
}

// Add accumulates scale*other into g in place.
func (g *ParamGrad) Add(other ParamGrad, scale float64) {
	for i := range g.Layers {
		if g.Layers[i].DW == nil {
			continue
		}
		for r := range g.Layers[i].DW {
			for c := range g.Layers[i].DW[r] {
				g.Layers[i].DW[r][c] += scale * other.Layers[i].DW[r][c]
			}
			g.Layers[i].DB[r] += scale * other.Layers[i].DB[r]
		}
	}
}

// ValueVJP computes the gradient of seed·net(x) with respect to the affine
// parameters of net, differentiating through the fixed activation branch at
// x. Within one activation pattern the map is smooth in the parameters, so
// this is plain backpropagation with frozen masks.
func ValueVJP(net model.Network, x, seed []float64) (ParamGrad, error) {
	if len(x) != net.InputDim {
		return ParamGrad{}, fmt.Errorf("%w: input width %d, want %d", ErrMalformed, len(x), net.InputDim)
	}

	// Forward pass, keeping each layer's input.
	inputs := make([][]float64, len(net.Layers))
	cur := append([]float64(nil), x...)
	for i, layer := range net.Layers {
		inputs[i] = cur
		cur = applyLayer(layer, cur)
	}
	if len(seed) != len(cur) {
		return ParamGrad{}, fmt.Errorf("%w: seed width %d, output width %d", ErrMalformed, len(seed), len(cur))
	}

	grad := NewParamGrad(net)
	delta := append([]float64(nil), seed...)
	for i := len(net.Layers) - 1; i >= 0; i-- {
		layer := net.Layers[i]
		in := inputs[i]
		switch layer.Kind {
		case model.LayerAffine:
			for r := range layer.Weights {
				grad.Layers[i].DB[r] = delta[r]
				for c := range layer.Weights[r] {
					grad.Layers[i].DW[r][c] = delta[r] * in[c]
				}
			}
			next := make([]float64, len(in))
			for c := range in {
				sum := 0.0
				for r, row := range layer.Weights {
					sum += row[c] * delta[r]
				}
				next[c] = sum
			}
			delta = next
		case model.LayerLeakyReLU:
			for j, v := range in {
				if v < 0 {
					delta[j] *= layer.NegSlope
				}
			}
		case model.LayerSaturation:
			for j, v := range in {
				if v <= layer.Lower[j] || v >= layer.Upper[j] {
					delta[j] = 0
				}
			}
		}
	}
	return grad, nil
}

// ChainVJP computes the gradient, with respect to the affine parameters of
// net, of seed · (J(x) y), where J(x) is the network's input Jacobian inside
// the fixed region pat. The bias terms vanish (J contains weights and region
// masks only), so DB stays zero.
func ChainVJP(net model.Network, pat Pattern, seed, y []float64) (ParamGrad, error) {
	if len(y) != net.InputDim {
		return ParamGrad{}, fmt.Errorf("%w: direction width %d, want %d", ErrMalformed, len(y), net.InputDim)
	}

	// Forward: propagate y through the linearized layers, keeping inputs.
	inputs := make([][]float64, len(net.Layers))
	cur := append([]float64(nil), y...)
	reluIdx, satIdx := 0, 0
	masks := make([][]float64, len(net.Layers))
	for i, layer := range net.Layers {
		inputs[i] = cur
		switch layer.Kind {
		case model.LayerAffine:
			out := make([]float64, len(layer.Weights))
			for r, row := range layer.Weights {
				sum := 0.0
				for c, w := range row {
					sum += w * cur[c]
				}
				out[r] = sum
			}
			cur = out
		case model.LayerLeakyReLU:
			if reluIdx >= len(pat.ReLU) {
				return ParamGrad{}, fmt.Errorf("%w: pattern missing relu layer %d", ErrMalformed, i)
			}
			on := pat.ReLU[reluIdx]
			reluIdx++
			mask := make([]float64, len(cur))
			out := make([]float64, len(cur))
			for j := range cur {
				d := layer.NegSlope
				if on[j] {
					d = 1
				}
				mask[j] = d
				out[j] = d * cur[j]
			}
			masks[i] = mask
			cur = out
		case model.LayerSaturation:
			if satIdx >= len(pat.Sat) {
				return ParamGrad{}, fmt.Errorf("%w: pattern missing saturation layer %d", ErrMalformed, i)
			}
			states := pat.Sat[satIdx]
			satIdx++
			mask := make([]float64, len(cur))
			out := make([]float64, len(cur))
			for j := range cur {
				if states[j] == SatInterior {
					mask[j] = 1
					out[j] = cur[j]
				}
			}
			masks[i] = mask
			cur = out
		}
	}
	if len(seed) != len(cur) {
		return ParamGrad{}, fmt.Errorf("%w: seed width %d, output width %d", ErrMalformed, len(seed), len(cur))
	}

	grad := NewParamGrad(net)
	delta := append([]float64(nil), seed...)
	for i := len(net.Layers) - 1; i >= 0; i-- {
		layer := net.Layers[i]
		in := inputs[i]
		switch layer.Kind {
		case model.LayerAffine:
			for r := range layer.Weights {
				for c := range layer.Weights[r] {
					grad.Layers[i].DW[r][c] = delta[r] * in[c]
				}
			}
			next := make([]float64, len(in))
			for c := range in {
				sum := 0.0
				for r, row := range layer.Weights {
					sum += row[c] * delta[r]
				}
				next[c] = sum
			}
			delta = next
		default:
			for j := range delta {
				delta[j] *= masks[i][j]
			}
		}
	}
	return grad, nil
}

// ApplyStep mutates net's affine parameters by -lr * grad. The caller owns
// synchronization; the CEGIS loop only ever calls this between verify
// phases.
func ApplyStep(net *model.Network, grad ParamGrad, lr float64) {
	for i := range net.Layers {
		if net.Layers[i].Kind != model.LayerAffine || grad.Layers[i].DW == nil {
			continue
		}
		for r := range net.Layers[i].Weights {
			for c := range net.Layers[i].Weights[r] {
				net.Layers[i].Weights[r][c] -= lr * grad.Layers[i].DW[r][c]
			}
			net.Layers[i].Biases[r] -= lr * grad.Layers[i].DB[r]
		}
	}
}
