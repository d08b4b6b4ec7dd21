package mip

import (
	"fmt"
	"math"

	"asphaleia/internal/model"
)

// Interval is a closed interval bound on a scalar quantity.
type Interval struct {
	Lo float64
	Up float64
}

func (iv Interval) valid() bool {
	return !math.IsInf(iv.Lo, 0) && !math.IsInf(iv.Up, 0) &&
		!math.IsNaN(iv.Lo) && !math.IsNaN(iv.Up) && iv.Lo <= iv.Up
}

// NetBounds holds, per layer, the bounds of the layer's input (the
// pre-activation for nonlinear layers) and of its output. Looser entries
// are sound but inflate solver difficulty; tightness is a performance
// concern only.
type NetBounds struct {
	Pre  [][]Interval
	Post [][]Interval
}

// BoxIntervals converts a bounding box to input intervals.
func BoxIntervals(box model.Box) []Interval {
	out := make([]Interval, len(box.Lo))
	for i := range box.Lo {
		out[i] = Interval{Lo: box.Lo[i], Up: box.Up[i]}
	}
	return out
}

// PropagateBounds computes per-neuron interval bounds by forward interval
// arithmetic, layer by layer. Inverted or non-finite input intervals are an
// encoding error: every big-M constant downstream depends on them.
func PropagateBounds(net model.Network, in []Interval) (NetBounds, error) {
	if len(in) != net.InputDim {
		return NetBounds{}, fmt.Errorf("%w: input box width %d, want %d", ErrEncoding, len(in), net.InputDim)
	}
	for i, iv := range in {
		if !iv.valid() {
			return NetBounds{}, fmt.Errorf("%w: input interval %d = [%g, %g]", ErrEncoding, i, iv.Lo, iv.Up)
		}
	}

	nb := NetBounds{
		Pre:  make([][]Interval, len(net.Layers)),
		Post: make([][]Interval, len(net.Layers)),
	}
	cur := append([]Interval(nil), in...)
	for li, layer := range net.Layers {
		nb.Pre[li] = cur
		switch layer.Kind {
		case model.LayerAffine:
			out := make([]Interval, len(layer.Weights))
			for i, row := range layer.Weights {
				lo, up := layer.Biases[i], layer.Biases[i]
				for j, w := range row {
					if w >= 0 {
						lo += w * cur[j].Lo
						up += w * cur[j].Up
					} else {
						lo += w * cur[j].Up
						up += w * cur[j].Lo
					}
				}
				out[i] = Interval{Lo: lo, Up: up}
			}
			cur = out
		case model.LayerLeakyReLU:
			out := make([]Interval, len(cur))
			for i, iv := range cur {
				out[i] = Interval{Lo: leaky(iv.Lo, layer.NegSlope), Up: leaky(iv.Up, layer.NegSlope)}
			}
			cur = out
		case model.LayerSaturation:
			out := make([]Interval, len(cur))
			for i, iv := range cur {
				out[i] = Interval{
					Lo: clamp(iv.Lo, layer.Lower[i], layer.Upper[i]),
					Up: clamp(iv.Up, layer.Lower[i], layer.Upper[i]),
				}
			}
			cur = out
		default:
			return NetBounds{}, fmt.Errorf("%w: layer %d kind %q", ErrEncoding, li, layer.Kind)
		}
		nb.Post[li] = cur
	}
	return nb, nil
}

// OutputIntervals returns the network output bounds (the input intervals if
// the network has no layers).
func (nb NetBounds) OutputIntervals(in []Interval) []Interval {
	if len(nb.Post) == 0 {
		return in
	}
	return nb.Post[len(nb.Post)-1]
}

func leaky(v, slope float64) float64 {
	if v >= 0 {
		return v
	}
	return slope * v
}

func clamp(v, lo, up float64) float64 {
	return math.Min(math.Max(v, lo), up)
}
