package mip

import (
	"fmt"

	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// EncodeJacobianProduct encodes J(x)·y, where J is the input Jacobian of
// the network captured by enc along the region its forward binaries select,
// and y is a vector of bounded expressions over model variables. The chain
// is the bias-free product of the weight matrices and activation masks;
// every mask application is a binary-times-continuous product, linearized
// exactly from the propagated bounds.
func EncodeJacobianProduct(m *Model, enc *Encoding, y []LinExpr) ([]LinExpr, error) {
	if len(y) != enc.Net.InputDim {
		return nil, fmt.Errorf("%w: direction width %d, want %d", ErrEncoding, len(y), enc.Net.InputDim)
	}

	cur := make([]LinExpr, len(y))
	for i := range y {
		cur[i] = y[i].Clone()
	}

	reluIdx, satIdx := 0, 0
	for _, layer := range enc.Net.Layers {
		switch layer.Kind {
		case model.LayerAffine:
			out := make([]LinExpr, len(layer.Weights))
			for i, row := range layer.Weights {
				e := NewExpr()
				for j, w := range row {
					e.AddExpr(cur[j], w)
				}
				out[i] = e
			}
			cur = out
		case model.LayerLeakyReLU:
			units := enc.ReLU[reluIdx]
			reluIdx++
			out := make([]LinExpr, len(cur))
			for i, unit := range units {
				if unit.Bin < 0 {
					d := layer.NegSlope
					if unit.FixedOn {
						d = 1
					}
					e := cur[i].Clone()
					e.Scale(d)
					out[i] = e
					continue
				}
				// d = slope + (1-slope)*bin
				t := EncodeBinaryProduct(m, unit.Bin, cur[i])
				e := cur[i].Clone()
				e.Scale(layer.NegSlope)
				e.AddExpr(t, 1-layer.NegSlope)
				out[i] = e
			}
			cur = out
		case model.LayerSaturation:
			units := enc.Sat[satIdx]
			satIdx++
			out := make([]LinExpr, len(cur))
			for i, unit := range units {
				if unit.Fixed {
					if unit.FixedState == nn.SatInterior {
						out[i] = cur[i].Clone()
					} else {
						out[i] = NewExpr()
					}
					continue
				}
				// d = 1 - [clamped high] - [clamped low]
				e := cur[i].Clone()
				if unit.BinHigh >= 0 {
					th := EncodeBinaryProduct(m, unit.BinHigh, cur[i])
					e.AddExpr(th, -1)
				}
				if unit.BinLow >= 0 {
					tl := EncodeBinaryProduct(m, unit.BinLow, cur[i])
					e.AddExpr(tl, -1)
				}
				out[i] = e
			}
			cur = out
		}
		if m.Err() != nil {
			return nil, m.Err()
		}
	}
	return cur, nil
}
