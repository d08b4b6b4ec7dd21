package nn

import "asphaleia/internal/model"

// CloneNetwork deep-copies a network so that parameter updates on the
// original cannot reach the copy.
func CloneNetwork(net model.Network) model.Network {
	out := net
	out.Layers = make([]model.Layer, len(net.Layers))
	for i, layer := range net.Layers {
		cl := layer
		if layer.Weights != nil {
			cl.Weights = make([][]float64, len(layer.Weights))
			for r, row := range layer.Weights {
				cl.Weights[r] = append([]float64(nil), row...)
			}
		}
		cl.Biases = append([]float64(nil), layer.Biases...)
		cl.Lower = append([]float64(nil), layer.Lower...)
		cl.Upper = append([]float64(nil), layer.Upper...)
		out.Layers[i] = cl
	}
	return out
}

// CloneParameters deep-copies the trainable bundle for checkpoints and
// best-known snapshots.
func CloneParameters(p model.Parameters) model.Parameters {
	out := p
	out.Certificate = CloneNetwork(p.Certificate)
	if p.Controller != nil {
		ctrl := CloneNetwork(*p.Controller)
		out.Controller = &ctrl
	}
	if p.R != nil {
		out.R = make([][]float64, len(p.R))
		for i, row := range p.R {
			out.R[i] = append([]float64(nil), row...)
		}
	}
	return out
}
