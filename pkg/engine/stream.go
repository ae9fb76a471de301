// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package engine

import "context"

// Stream is a lazy sequence of handler outputs. Next returns the next item,
// or done=true once the sequence is exhausted. An error ends the sequence;
// consumers never see both an item and an error for the same step.
type Stream interface {
	Next(ctx context.Context) (item any, done bool, err error)
}

// Result is what a tool handler produces: either a single value or a lazy
// stream of values. Exactly one field is set.
type Result struct {
	Value  any
	Stream Stream
}

// Single wraps a plain value as a handler result.
func Single(v any) *Result {
	return &Result{Value: v}
}

// Streaming wraps a lazy stream as a handler result.
func Streaming(s Stream) *Result {
	return &Result{Stream: s}
}

// IsStream reports whether the result must be delivered incrementally.
func (r *Result) IsStream() bool {
	return r != nil && r.Stream != nil
}

// sliceStream yields pre-computed items in order.
type sliceStream struct {
	items []any
	pos   int
}

// SliceStream builds a Stream over a fixed set of items.
func SliceStream(items ...any) Stream {
	return &sliceStream{items: items}
}

func (s *sliceStream) Next(_ context.Context) (any, bool, error) {
	if s.pos >= len(s.items) {
		return nil, true, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, false, nil
}

// funcStream adapts a pull function to the Stream interface.
type funcStream struct {
	next func(ctx context.Context) (any, bool, error)
}

// FuncStream builds a Stream from a pull function with Next semantics.
func FuncStream(next func(ctx context.Context) (any, bool, error)) Stream {
	return &funcStream{next: next}
}

func (s *funcStream) Next(ctx context.Context) (any, bool, error) {
	return s.next(ctx)
}

// Drain consumes a stream to completion and returns the last item yielded.
// The stdio transport uses it when a handler streams but the framing
// cannot.
func Drain(ctx context.Context, s Stream) (any, error) {
	var last any
	for {
		item, done, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return last, nil
		}
		last = item
	}
}
