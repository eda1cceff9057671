package check

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

func failure(msg string, format string, args ...interface{}) error {
	if msg == "" {
		return errors.Errorf(format, args...)
	}
	return errors.Errorf("%s: %s", msg, fmt.Sprintf(format, args...))
}

// True checks that condition holds.
func True(condition bool, msg string) error {
	if !condition {
		return failure(msg, "expected true, got false")
	}
	return nil
}

// NotEmpty checks that s is not the empty string.
func NotEmpty(s string, msg string) error {
	if s == "" {
		return failure(msg, "expected a non-empty value")
	}
	return nil
}

// GreaterThan checks that actual > bound.
func GreaterThan[T constraints.Ordered](actual, bound T, msg string) error {
	if actual <= bound {
		return failure(msg, "%v is not greater than %v", actual, bound)
	}
	return nil
}

// GreaterThanOrEqualTo checks that actual >= bound.
func GreaterThanOrEqualTo[T constraints.Ordered](actual, bound T, msg string) error {
	if actual < bound {
		return failure(msg, "%v is not greater than or equal to %v", actual, bound)
	}
	return nil
}

// In checks that actual is one of allowed.
func In[T comparable](actual T, allowed []T, msg string) error {
	if !slices.Contains(allowed, actual) {
		return failure(msg, "%v is not in %v", actual, allowed)
	}
	return nil
}
