package tensor

import (
	"fmt"
)

func prod(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

type concatOp struct {
	inputs []*Tensor
	dim    int
}

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

func (op *concatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	outer := prod(gradOut.Shape[:op.dim])
	inner := prod(gradOut.Shape[op.dim+1:])
	rowOut := gradOut.Shape[op.dim] * inner

	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for k, in := range op.inputs {
		block := in.Shape[op.dim] * inner
		if in.requiresGrad {
			g := like(in)
			for o := 0; o < outer; o++ {
				copy(g.Data[o*block:(o+1)*block], gradOut.Data[o*rowOut+offset:o*rowOut+offset+block])
			}
			grads[k] = g
		}
		offset += block
	}
	return grads, nil
}

// Concat joins tensors along dim. All other dimensions must match.
func Concat(dim int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat: no tensors given")
	}
	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("concat: dimension %d out of range for %d-d tensor", dim, len(first.Shape))
	}

	outShape := append([]int(nil), first.Shape...)
	outShape[dim] = 0
	for _, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat: rank mismatch %v vs %v", t.Shape, first.Shape)
		}
		for i := range t.Shape {
			if i != dim && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("concat: shape mismatch %v vs %v at dimension %d", t.Shape, first.Shape, i)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	outer := prod(outShape[:dim])
	inner := prod(outShape[dim+1:])
	rowOut := outShape[dim] * inner
	data := make([]float32, prod(outShape))
	offset := 0
	for _, t := range tensors {
		block := t.Shape[dim] * inner
		for o := 0; o < outer; o++ {
			copy(data[o*rowOut+offset:o*rowOut+offset+block], t.Data[o*block:(o+1)*block])
		}
		offset += block
	}

	out, err := NewTensor(outShape, data)
	if err != nil {
		return nil, err
	}
	return record(out, &concatOp{inputs: tensors, dim: dim}, tensors...), nil
}

type narrowOp struct {
	input         *Tensor
	dim           int
	start, length int
}

func (op *narrowOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *narrowOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := like(op.input)
	outer := prod(op.input.Shape[:op.dim])
	inner := prod(op.input.Shape[op.dim+1:])
	rowIn := op.input.Shape[op.dim] * inner
	block := op.length * inner
	for o := 0; o < outer; o++ {
		copy(grad.Data[o*rowIn+op.start*inner:o*rowIn+op.start*inner+block], gradOut.Data[o*block:(o+1)*block])
	}
	return []*Tensor{grad}, nil
}

// Narrow returns length slices of a starting at start along dim.
func Narrow(a *Tensor, dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(a.Shape) {
		return nil, fmt.Errorf("narrow: dimension %d out of range for %d-d tensor", dim, len(a.Shape))
	}
	if start < 0 || length <= 0 || start+length > a.Shape[dim] {
		return nil, fmt.Errorf("narrow: range [%d, %d) out of bounds for size %d", start, start+length, a.Shape[dim])
	}

	outShape := append([]int(nil), a.Shape...)
	outShape[dim] = length
	outer := prod(a.Shape[:dim])
	inner := prod(a.Shape[dim+1:])
	rowIn := a.Shape[dim] * inner
	block := length * inner
	data := make([]float32, outer*block)
	for o := 0; o < outer; o++ {
		copy(data[o*block:(o+1)*block], a.Data[o*rowIn+start*inner:o*rowIn+start*inner+block])
	}

	out, err := NewTensor(outShape, data)
	if err != nil {
		return nil, err
	}
	return record(out, &narrowOp{input: a, dim: dim, start: start, length: length}, a), nil
}

type padOp struct {
	input                    *Tensor
	top, right, bottom, left int
}

func (op *padOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *padOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.input
	n, c, h, w := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]
	ow := w + op.left + op.right
	oh := h + op.top + op.bottom
	grad := like(in)
	for p := 0; p < n*c; p++ {
		for y := 0; y < h; y++ {
			src := p*oh*ow + (y+op.top)*ow + op.left
			copy(grad.Data[p*h*w+y*w:p*h*w+(y+1)*w], gradOut.Data[src:src+w])
		}
	}
	return []*Tensor{grad}, nil
}

// ZeroPad2D pads the two spatial dimensions of an NCHW tensor with zeros.
func ZeroPad2D(a *Tensor, top, right, bottom, left int) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("zero pad: expected NCHW tensor, got shape %v", a.Shape)
	}
	if top < 0 || right < 0 || bottom < 0 || left < 0 {
		return nil, fmt.Errorf("zero pad: negative padding (%d, %d, %d, %d)", top, right, bottom, left)
	}
	n, c, h, w := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	oh, ow := h+top+bottom, w+left+right
	data := make([]float32, n*c*oh*ow)
	for p := 0; p < n*c; p++ {
		for y := 0; y < h; y++ {
			dst := p*oh*ow + (y+top)*ow + left
			copy(data[dst:dst+w], a.Data[p*h*w+y*w:p*h*w+(y+1)*w])
		}
	}
	out, err := NewTensor([]int{n, c, oh, ow}, data)
	if err != nil {
		return nil, err
	}
	return record(out, &padOp{input: a, top: top, right: right, bottom: bottom, left: left}, a), nil
}

type reshapeOp struct {
	input *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := like(op.input)
	copy(grad.Data, gradOut.Data)
	return []*Tensor{grad}, nil
}

func Reshape(a *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if prod(newShape) != a.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d to shape %v", a.NumElems, newShape)
	}
	data := make([]float32, a.NumElems)
	copy(data, a.Data)
	out, err := NewTensor(newShape, data)
	if err != nil {
		return nil, err
	}
	return record(out, &reshapeOp{input: a}, a), nil
}

type gramOp struct {
	input *Tensor
	norm  float32
}

func (op *gramOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *gramOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.input
	n, c := in.Shape[0], in.Shape[1]
	hw := in.Shape[2] * in.Shape[3]
	grad := like(in)
	for b := 0; b < n; b++ {
		f := in.Data[b*c*hw : (b+1)*c*hw]
		g := gradOut.Data[b*c*c : (b+1)*c*c]
		df := grad.Data[b*c*hw : (b+1)*c*hw]
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				coef := (g[i*c+j] + g[j*c+i]) / op.norm
				if coef == 0 {
					continue
				}
				for k := 0; k < hw; k++ {
					df[i*hw+k] += coef * f[j*hw+k]
				}
			}
		}
	}
	return []*Tensor{grad}, nil
}

// Gram computes per-sample channel Gram matrices of an NCHW tensor,
// normalised by C*H*W. The result has shape [N, C, C].
func Gram(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("gram: expected NCHW tensor, got shape %v", a.Shape)
	}
	n, c := a.Shape[0], a.Shape[1]
	hw := a.Shape[2] * a.Shape[3]
	norm := float32(c * hw)
	data := make([]float32, n*c*c)
	for b := 0; b < n; b++ {
		f := a.Data[b*c*hw : (b+1)*c*hw]
		for i := 0; i < c; i++ {
			for j := i; j < c; j++ {
				var s float32
				for k := 0; k < hw; k++ {
					s += f[i*hw+k] * f[j*hw+k]
				}
				data[b*c*c+i*c+j] = s / norm
				data[b*c*c+j*c+i] = s / norm
			}
		}
	}
	out, err := NewTensor([]int{n, c, c}, data)
	if err != nil {
		return nil, err
	}
	return record(out, &gramOp{input: a, norm: norm}, a), nil
}
