package check

import (
	"testing"

	"gotest.tools/assert"
)

type pointerReceiver struct {
	A bool
}

func (t *pointerReceiver) Validate() []error {
	return []error{True(t.A, "field A must be true")}
}

type valueReceiver struct {
	A bool
}

func (t valueReceiver) Validate() []error {
	return []error{True(t.A, "field A must be true")}
}

type parent struct {
	Children []valueReceiver
	Named    map[string]*pointerReceiver
}

func TestMethodSets(t *testing.T) {
	const want = "error found at root: field A must be true: expected true, got false"
	assert.ErrorContains(t, Validate(pointerReceiver{}), want)
	assert.ErrorContains(t, Validate(&pointerReceiver{}), want)
	assert.ErrorContains(t, Validate(valueReceiver{}), want)
	assert.ErrorContains(t, Validate(&valueReceiver{}), want)
	assert.NilError(t, Validate(valueReceiver{A: true}))
}

func TestNestedPaths(t *testing.T) {
	err := Validate(parent{
		Children: []valueReceiver{{A: true}, {A: false}},
		Named:    map[string]*pointerReceiver{"x": {A: false}, "nil": nil},
	})
	assert.ErrorContains(t, err, "error found at root.Children[1]")
	assert.ErrorContains(t, err, "error found at root.Named[x]")
	assert.ErrorContains(t, err, "2 errors found")
}

func TestChecks(t *testing.T) {
	assert.NilError(t, GreaterThan(2, 1, ""))
	assert.ErrorContains(t, GreaterThan(1, 1, "count"), "count: 1 is not greater than 1")
	assert.NilError(t, GreaterThanOrEqualTo(0, 0, ""))
	assert.ErrorContains(t, GreaterThanOrEqualTo(-1, 0, ""), "-1 is not greater than or equal to 0")
	assert.NilError(t, In("gcp", []string{"static", "gcp"}, ""))
	assert.ErrorContains(t, In("aws", []string{"static", "gcp"}, "cluster"), "cluster: aws is not in")
	assert.ErrorContains(t, NotEmpty("", "name"), "name: expected a non-empty value")
}
