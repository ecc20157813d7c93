package dataloader

import (
	"errors"
	"fmt"
)

// Iterator yields the items of a single pass. ok is false once the pass is
// exhausted.
type Iterator[T any] interface {
	Next() (item T, ok bool, err error)
	Close() error
}

// Cycle turns a finite, re-openable sequence into an endless one. When the
// current pass is exhausted the next pass is opened transparently.
type Cycle[T any] struct {
	open    func() (Iterator[T], error)
	current Iterator[T]
	epoch   int
}

// NewCycle returns a Cycle over the passes produced by open.
func NewCycle[T any](open func() (Iterator[T], error)) *Cycle[T] {
	return &Cycle[T]{open: open}
}

// Next returns the next item, starting a new pass when needed. A pass that
// yields nothing right after being opened is an error, so an empty source
// cannot spin forever.
func (c *Cycle[T]) Next() (T, error) {
	var zero T
	for attempt := 0; attempt < 2; attempt++ {
		if c.current == nil {
			it, err := c.open()
			if err != nil {
				return zero, fmt.Errorf("failed to open pass %d: %w", c.epoch+1, err)
			}
			c.current = it
			c.epoch++
		}

		item, ok, err := c.current.Next()
		if err != nil {
			return zero, err
		}
		if ok {
			return item, nil
		}
		if err := c.current.Close(); err != nil {
			return zero, err
		}
		c.current = nil
	}
	return zero, errors.New("sequence is empty")
}

// Epoch reports how many passes have been opened.
func (c *Cycle[T]) Epoch() int {
	return c.epoch
}

// Close releases the current pass.
func (c *Cycle[T]) Close() error {
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

// SliceIterator walks a slice once.
type SliceIterator[T any] struct {
	items []T
	pos   int
}

func NewSliceIterator[T any](items []T) *SliceIterator[T] {
	return &SliceIterator[T]{items: items}
}

func (s *SliceIterator[T]) Next() (T, bool, error) {
	var zero T
	if s.pos >= len(s.items) {
		return zero, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func (s *SliceIterator[T]) Close() error { return nil }

// FuncIterator walks indices [0, n) calling get for each.
type FuncIterator[T any] struct {
	n   int
	pos int
	get func(int) (T, error)
}

func NewFuncIterator[T any](n int, get func(int) (T, error)) *FuncIterator[T] {
	return &FuncIterator[T]{n: n, get: get}
}

func (f *FuncIterator[T]) Next() (T, bool, error) {
	var zero T
	if f.pos >= f.n {
		return zero, false, nil
	}
	item, err := f.get(f.pos)
	if err != nil {
		return zero, false, err
	}
	f.pos++
	return item, true, nil
}

func (f *FuncIterator[T]) Close() error { return nil }
