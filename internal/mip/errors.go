package mip

import "errors"

var (
	// ErrEncoding marks structural defects: malformed dimensions, inverted
	// or unbounded input boxes, and MILPs that turned out infeasible even
	// though the bounded construction makes that impossible. Fatal.
	ErrEncoding = errors.New("encoding error")

	// ErrSubgradientAmbiguity marks a region where the exact subgradient
	// strategy's convexity precondition fails. Recoverable by falling back
	// to the sampled strategy; always recorded, never silent.
	ErrSubgradientAmbiguity = errors.New("subgradient ambiguity")
)
