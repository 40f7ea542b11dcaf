// Package common contains small helpers shared across packages.
package common

import (
	"fmt"
	"io"
)

func CloseOrLog(c io.Closer) {
	if err := c.Close(); err != nil {
		fmt.Printf("close: %v", err)
	}
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value pointed to by p, or the zero value if p is nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
