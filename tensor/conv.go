package tensor

import (
	"fmt"
)

type conv2dOp struct {
	input, weight, bias *Tensor
	stride, padding     int
	outH, outW          int
}

func (op *conv2dOp) Inputs() []*Tensor {
	return []*Tensor{op.input, op.weight, op.bias}
}

func (op *conv2dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.input, op.weight
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	o, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]
	oh, ow := op.outH, op.outW

	var gx, gw, gb *Tensor
	if x.requiresGrad {
		gx = like(x)
	}
	if w.requiresGrad {
		gw = like(w)
	}
	if op.bias != nil && op.bias.requiresGrad {
		gb = like(op.bias)
	}

	for b := 0; b < n; b++ {
		for oc := 0; oc < o; oc++ {
			gBase := ((b*o + oc) * oh) * ow
			if gb != nil {
				var s float32
				for i := 0; i < oh*ow; i++ {
					s += gradOut.Data[gBase+i]
				}
				gb.Data[oc] += s
			}
			for ic := 0; ic < c; ic++ {
				xBase := (b*c + ic) * h * wd
				wBase := (oc*c + ic) * kh * kw
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						wv := w.Data[wBase+ky*kw+kx]
						var acc float32
						for y := 0; y < oh; y++ {
							iy := y*op.stride + ky - op.padding
							if iy < 0 || iy >= h {
								continue
							}
							for xx := 0; xx < ow; xx++ {
								ix := xx*op.stride + kx - op.padding
								if ix < 0 || ix >= wd {
									continue
								}
								g := gradOut.Data[gBase+y*ow+xx]
								if gx != nil {
									gx.Data[xBase+iy*wd+ix] += g * wv
								}
								acc += g * x.Data[xBase+iy*wd+ix]
							}
						}
						if gw != nil {
							gw.Data[wBase+ky*kw+kx] += acc
						}
					}
				}
			}
		}
	}
	return []*Tensor{gx, gw, gb}, nil
}

// Conv2D computes a 2-D cross-correlation of an NCHW input with OIHW weights.
// bias may be nil; otherwise it has shape [O].
func Conv2D(x, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d: expected 4-d input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv2d: invalid stride %d or padding %d", stride, padding)
	}
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	o, kc, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if kc != c {
		return nil, fmt.Errorf("conv2d: input has %d channels but weight expects %d", c, kc)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != o) {
		return nil, fmt.Errorf("conv2d: bias shape %v does not match %d output channels", bias.Shape, o)
	}
	oh := (h+2*padding-kh)/stride + 1
	ow := (wd+2*padding-kw)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d: kernel %dx%d too large for input %dx%d with padding %d", kh, kw, h, wd, padding)
	}

	out := make([]float32, n*o*oh*ow)
	for b := 0; b < n; b++ {
		for oc := 0; oc < o; oc++ {
			oBase := ((b*o + oc) * oh) * ow
			if bias != nil {
				for i := 0; i < oh*ow; i++ {
					out[oBase+i] = bias.Data[oc]
				}
			}
			for ic := 0; ic < c; ic++ {
				xBase := (b*c + ic) * h * wd
				wBase := (oc*c + ic) * kh * kw
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						wv := weight.Data[wBase+ky*kw+kx]
						for y := 0; y < oh; y++ {
							iy := y*stride + ky - padding
							if iy < 0 || iy >= h {
								continue
							}
							for xx := 0; xx < ow; xx++ {
								ix := xx*stride + kx - padding
								if ix < 0 || ix >= wd {
									continue
								}
								out[oBase+y*ow+xx] += wv * x.Data[xBase+iy*wd+ix]
							}
						}
					}
				}
			}
		}
	}

	result, err := NewTensor([]int{n, o, oh, ow}, out)
	if err != nil {
		return nil, err
	}
	op := &conv2dOp{input: x, weight: weight, bias: bias, stride: stride, padding: padding, outH: oh, outW: ow}
	return record(result, op, x, weight, bias), nil
}
