// Package batch splits sequences into bounded chunks.
package batch

import (
	"iter"
	"slices"
)

// Chunked yields consecutive chunks of up to size items from seq, in order.
// The last chunk holds the remainder and is never padded; an empty seq
// yields nothing. A size below 1 is treated as 1.
//
// The result is as restartable as seq is: a single-pass seq gives a
// single-pass sequence of chunks.
func Chunked[T any](seq iter.Seq[T], size int) iter.Seq[[]T] {
	if size < 1 {
		size = 1
	}
	return func(yield func([]T) bool) {
		chunk := make([]T, 0, size)
		for item := range seq {
			chunk = append(chunk, item)
			if len(chunk) == size {
				if !yield(chunk) {
					return
				}
				chunk = make([]T, 0, size)
			}
		}
		if len(chunk) > 0 {
			yield(chunk)
		}
	}
}

// Slice chunks a slice. Chunks never alias items.
func Slice[T any](items []T, size int) iter.Seq[[]T] {
	return Chunked(slices.Values(items), size)
}

// Count returns the number of chunks Chunked yields for n items.
func Count(n, size int) int {
	if size < 1 {
		size = 1
	}
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
