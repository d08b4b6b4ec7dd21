package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"asphaleia/internal/model"
)

// RegionForm flattens the network to the affine map out = A x + b that is
// exact inside the region described by pat. This is the per-region linear
// map the gradient trainer and the counterexample diagnostics work with.
func RegionForm(net model.Network, pat Pattern) (*mat.Dense, *mat.VecDense, error) {
	n := net.InputDim
	a := identity(n)
	b := mat.NewVecDense(n, nil)

	reluIdx, satIdx := 0, 0
	for li, layer := range net.Layers {
		switch layer.Kind {
		case model.LayerAffine:
			rows := len(layer.Weights)
			w := mat.NewDense(rows, len(layer.Weights[0]), nil)
			for i, row := range layer.Weights {
				w.SetRow(i, row)
			}
			nextA := mat.NewDense(rows, n, nil)
			nextA.Mul(w, a)
			nextB := mat.NewVecDense(rows, nil)
			nextB.MulVec(w, b)
			nextB.AddVec(nextB, mat.NewVecDense(rows, append([]float64(nil), layer.Biases...)))
			a, b = nextA, nextB
		case model.LayerLeakyReLU:
			if reluIdx >= len(pat.ReLU) {
				return nil, nil, fmt.Errorf("%w: pattern missing relu layer %d", ErrMalformed, li)
			}
			on := pat.ReLU[reluIdx]
			reluIdx++
			rows, _ := a.Dims()
			if len(on) != rows {
				return nil, nil, fmt.Errorf("%w: pattern width %d at relu layer %d, want %d",
					ErrMalformed, len(on), li, rows)
			}
			for i := range on {
				d := 1.0
				if !on[i] {
					d = layer.NegSlope
				}
				for j := 0; j < n; j++ {
					a.Set(i, j, d*a.At(i, j))
				}
				b.SetVec(i, d*b.AtVec(i))
			}
		case model.LayerSaturation:
			if satIdx >= len(pat.Sat) {
				return nil, nil, fmt.Errorf("%w: pattern missing saturation layer %d", ErrMalformed, li)
			}
			states := pat.Sat[satIdx]
			satIdx++
			for i, st := range states {
				if st == SatInterior {
					continue
				}
				for j := 0; j < n; j++ {
					a.Set(i, j, 0)
				}
				if st == SatLow {
					b.SetVec(i, layer.Lower[i])
				} else {
					b.SetVec(i, layer.Upper[i])
				}
			}
		}
	}
	return a, b, nil
}

// InputGradient returns d out / d x of the region's affine map; for a scalar
// output network the single row is the gradient.
func InputGradient(net model.Network, pat Pattern) (*mat.Dense, error) {
	a, _, err := RegionForm(net, pat)
	return a, err
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
