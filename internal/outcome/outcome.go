// Package outcome describes how each dispatched unit of an attempt ended, and decides that from
// the errors the execution substrate reports.
package outcome

import "fmt"

// Kind is how a dispatched unit ended.
type Kind int

const (
	// Success means the unit returned a value.
	Success Kind = iota
	// Preempted means the hardware the unit ran on was lost.
	Preempted
	// InfrastructureFailure means the substrate failed in a way not attributable to hardware loss.
	// It is charged to the preemption budget.
	InfrastructureFailure
	// ApplicationError means the unit's own code failed.
	ApplicationError
	// Cancelled means the unit was stopped because another unit failed.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Preempted:
		return "preempted"
	case InfrastructureFailure:
		return "infrastructure_failure"
	case ApplicationError:
		return "application_error"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is how one dispatched unit ended: a value for successes, an error otherwise.
type Outcome struct {
	Kind  Kind
	Value any
	Err   error
}

// Succeeded returns a successful outcome holding v.
func Succeeded(v any) Outcome {
	return Outcome{Kind: Success, Value: v}
}

// Failed returns an unsuccessful outcome of the given kind.
func Failed(kind Kind, err error) Outcome {
	return Outcome{Kind: kind, Err: err}
}

func (o Outcome) String() string {
	if o.Kind == Success {
		return fmt.Sprintf("%s: %v", o.Kind, o.Value)
	}
	return fmt.Sprintf("%s: %v", o.Kind, o.Err)
}
