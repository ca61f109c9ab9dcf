// Package targets computes which destinations a broadcast reaches.
package targets

import (
	"context"

	"pewcast/internal/transport"
)

// Flags answers the per-target feature flag: a blocked target never receives
// broadcasts.
type Flags interface {
	IsBlocked(ctx context.Context, t transport.Target) bool
}

// FlagsFunc adapts a plain function to Flags.
type FlagsFunc func(ctx context.Context, t transport.Target) bool

func (f FlagsFunc) IsBlocked(ctx context.Context, t transport.Target) bool { return f(ctx, t) }

// None blocks nothing.
var None Flags = FlagsFunc(func(context.Context, transport.Target) bool { return false })

// Resolve drops exclude (compared by key) from candidates, then filters out
// blocked targets. It returns both sets; order follows candidates.
func Resolve(ctx context.Context, candidates []transport.Target, exclude *transport.Target, flags Flags) (targetSet, enabledSet []transport.Target) {
	if flags == nil {
		flags = None
	}
	targetSet = make([]transport.Target, 0, len(candidates))
	for _, t := range candidates {
		if exclude != nil && t.Key() == exclude.Key() {
			continue
		}
		targetSet = append(targetSet, t)
	}
	enabledSet = make([]transport.Target, 0, len(targetSet))
	for _, t := range targetSet {
		if flags.IsBlocked(ctx, t) {
			continue
		}
		enabledSet = append(enabledSet, t)
	}
	return targetSet, enabledSet
}

// Set is a key-indexed lookup over targets.
type Set map[string]transport.Target

func NewSet(ts []transport.Target) Set {
	s := make(Set, len(ts))
	for _, t := range ts {
		s[t.Key()] = t
	}
	return s
}

func (s Set) Has(key string) bool {
	_, ok := s[key]
	return ok
}
