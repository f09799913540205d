package app

import (
	"fmt"
	"strings"
)

// OverflowAction is what the outbox does when a message arrives at capacity.
type OverflowAction int

const (
	RejectNewest OverflowAction = iota
	DropOldest
)

func (a OverflowAction) String() string {
	switch a {
	case RejectNewest:
		return "reject_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

type Policy interface {
	OnOverflow(queued, capacity int) OverflowAction
}

type RejectNewestPolicy struct{}

func (RejectNewestPolicy) OnOverflow(int, int) OverflowAction { return RejectNewest }

// DropOldestPolicy evicts the oldest queued message; the evicted one is
// marked failed so it never disappears silently.
type DropOldestPolicy struct{}

func (DropOldestPolicy) OnOverflow(int, int) OverflowAction { return DropOldest }

// PolicyByName resolves the overflow_policy config value.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", RejectNewest.String():
		return RejectNewestPolicy{}, nil
	case DropOldest.String():
		return DropOldestPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown overflow policy %q", name)
	}
}
