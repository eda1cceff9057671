package orchestrator

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reasons a run gives up.
var (
	ErrPreemptedTooManyTimes = errors.New("job was preempted too many times")
	ErrFailedTooManyTimes    = errors.New("job failed too many times")
)

// BudgetExhaustedError is returned when a run exceeds one of its retry budgets. It matches both
// the budget it exceeded and the first error recorded in the final attempt.
type BudgetExhaustedError struct {
	Budget      error
	Preemptions int
	Failures    int
	Cause       error
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("%v (%d preemptions, %d failures): %v", e.Budget, e.Preemptions, e.Failures, e.Cause)
}

// Unwrap returns the exceeded budget and the cause.
func (e *BudgetExhaustedError) Unwrap() []error {
	return []error{e.Budget, e.Cause}
}
