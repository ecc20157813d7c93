package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone returns a deep copy of the data with no graph history.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() can only be called on single-element tensors, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("number of indices (%d) doesn't match tensor dimensions (%d)", len(indices), len(t.Shape))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d with size %d", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// IsFinite reports whether every element is neither NaN nor infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")
	limit := len(t.Data)
	if maxElements > 0 && limit > maxElements {
		limit = maxElements
	}
	for i := 0; i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%.4f", t.Data[i])
	}
	if limit < len(t.Data) {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears accumulated gradients on the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil && t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}
