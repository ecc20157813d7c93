package tensor

import (
	"fmt"
	"sync/atomic"
)

var noGradDepth atomic.Int32

// NoGrad runs fn with graph recording disabled. Operations executed inside
// produce tensors that never require grad. Scopes nest.
func NoGrad(fn func() error) error {
	noGradDepth.Add(1)
	defer noGradDepth.Add(-1)
	return fn()
}

// IsGradEnabled reports whether operations currently record graph nodes.
func IsGradEnabled() bool {
	return noGradDepth.Load() == 0
}

// record links result to op when grad mode is on and any input requires grad.
func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if !IsGradEnabled() {
		return result
	}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			return result
		}
	}
	return result
}

// Backward computes gradients of the single-element tensor t with respect to
// every leaf it depends on and accumulates them into those leaves' Grad.
// Leaves that do not require grad receive nothing.
func (t *Tensor) Backward() error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got %d elements", t.NumElems)
	}

	order := topoSort(t)
	ones, err := Ones(t.Shape)
	if err != nil {
		return err
	}
	grads := map[*Tensor]*Tensor{t: ones}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(g)
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				addInto(prev, inputGrads[j])
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	addInto(t.grad, g)
}

func addInto(dst, src *Tensor) {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}

// topoSort orders the grad-requiring subgraph so that every node follows its inputs.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}
		pushed := false
		for top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in == nil || !in.requiresGrad || visited[in] {
				continue
			}
			visited[in] = true
			stack = append(stack, frame{node: in})
			pushed = true
			break
		}
		if !pushed {
			order = append(order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}
