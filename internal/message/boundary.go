package message

import (
	"fmt"
	"strings"
)

// Boundary decides when the retry budget is spent.
type Boundary string

const (
	// BoundaryExact fails the message on the round where attempts == max.
	BoundaryExact Boundary = "exact"
	// BoundaryAtLeast fails the message once attempts >= max.
	BoundaryAtLeast Boundary = "at-least"
)

// ParseBoundary parses a boundary policy name.
func ParseBoundary(s string) (Boundary, error) {
	switch b := Boundary(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BoundaryExact, nil
	case BoundaryExact, BoundaryAtLeast:
		return b, nil
	default:
		return "", fmt.Errorf("unknown retry boundary %q", s)
	}
}

// Exhausted reports whether a failed round with the given attempt count is the last one.
func (b Boundary) Exhausted(attempts, max int) bool {
	if b == BoundaryAtLeast {
		return attempts >= max
	}
	return attempts == max
}

// Next returns the status after a round that observed code.
func (b Boundary) Next(code, attempts, max int) Status {
	if IsSuccess(code) {
		return StatusSent
	}
	if b.Exhausted(attempts, max) {
		return StatusFailed
	}
	return StatusSending
}
